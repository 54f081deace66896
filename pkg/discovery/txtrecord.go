package discovery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/idscp2/idscp2-go/pkg/rat"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServerTXT creates the TXT records of a server advertisement.
func EncodeServerTXT(info *ServerInfo) (TXTRecordMap, error) {
	txt := TXTRecordMap{
		TXTKeyVersion:      strconv.FormatUint(uint64(info.Version), 10),
		TXTKeySupportedRat: encodeSchemes(info.SupportedRat),
		TXTKeyExpectedRat:  encodeSchemes(info.ExpectedRat),
	}
	if info.ConnectorID != "" {
		txt[TXTKeyConnectorID] = strings.ToLower(info.ConnectorID)
	}
	for k, v := range txt {
		if len(k)+1+len(v) > MaxTXTValueLen {
			return nil, fmt.Errorf("%w: %s", ErrTXTTooLong, k)
		}
	}
	return txt, nil
}

// DecodeServerTXT parses the TXT records of a server advertisement.
func DecodeServerTXT(txt TXTRecordMap) (*Service, error) {
	svc := &Service{}

	vStr, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	v, err := strconv.ParseUint(vStr, 10, 8)
	if err != nil || v == 0 {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidTXTRecord, vStr)
	}
	svc.Version = uint8(v)

	rs, ok := txt[TXTKeySupportedRat]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeySupportedRat)
	}
	svc.SupportedRat = parseSchemes(rs)

	re, ok := txt[TXTKeyExpectedRat]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyExpectedRat)
	}
	svc.ExpectedRat = parseSchemes(re)

	if id, ok := txt[TXTKeyConnectorID]; ok {
		if !ValidateID(id) {
			return nil, fmt.Errorf("%w: connector id %q", ErrInvalidTXTRecord, id)
		}
		svc.ConnectorID = id
	}

	return svc, nil
}

// Compatible reports whether a client with the given scheme lists can pass
// the handshake with svc. The client's prover must match what the server
// expects and the client's verifier expectation must match what the server
// supports.
func Compatible(svc *Service, supported, expected []string) bool {
	if _, err := rat.Negotiate(svc.ExpectedRat, supported); err != nil {
		return false
	}
	if _, err := rat.Negotiate(expected, svc.SupportedRat); err != nil {
		return false
	}
	return true
}

func encodeSchemes(schemes []string) string {
	return strings.Join(schemes, ",")
}

func parseSchemes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// TXTRecordsToStrings converts a TXTRecordMap to a sorted slice of "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		switch {
		case found:
			txt[k] = v
		case k != "":
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
