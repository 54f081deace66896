package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Service type and domain.
const (
	// ServiceType is the DNS-SD service type of IDSCP2 connectors.
	ServiceType = "_idscp2._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the default IDSCP2 TLS port.
	DefaultPort = 29292
)

// TXT record keys.
const (
	TXTKeyVersion      = "v"
	TXTKeySupportedRat = "rs"
	TXTKeyExpectedRat  = "re"
	TXTKeyConnectorID  = "id"
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63

	// MaxTXTValueLen is the maximum length of one TXT string (key=value).
	MaxTXTValueLen = 255

	// IDLength is the length of a connector ID in hex characters.
	IDLength = 16
)

// Timing.
const (
	// BrowseTimeout is the default duration of a Find call.
	BrowseTimeout = 10 * time.Second

	// DefaultTTL is the default record TTL.
	DefaultTTL = 120 * time.Second
)

// Discovery errors.
var (
	ErrNotFound            = errors.New("service not found")
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrTXTTooLong          = errors.New("TXT record too long")
	ErrAlreadyAdvertising  = errors.New("already advertising")
	ErrNotAdvertising      = errors.New("not advertising")
	ErrStopped             = errors.New("browser stopped")
)

// ServerInfo describes an IDSCP2 server for advertising.
type ServerInfo struct {
	// Instance is the mDNS instance name.
	Instance string

	// Port is the listener port. Zero means DefaultPort.
	Port uint16

	// Version is the IDSCP2 protocol version.
	Version uint8

	// SupportedRat lists the prover schemes the server offers.
	SupportedRat []string

	// ExpectedRat lists the verifier schemes the server requires of clients.
	ExpectedRat []string

	// ConnectorID is an optional certificate fingerprint (see ConnectorID).
	ConnectorID string
}

// Validate checks the info before it is advertised.
func (i *ServerInfo) Validate() error {
	if err := ValidateInstanceName(i.Instance); err != nil {
		return err
	}
	if i.Version == 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	if len(i.SupportedRat) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeySupportedRat)
	}
	if len(i.ExpectedRat) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyExpectedRat)
	}
	if i.ConnectorID != "" && !ValidateID(i.ConnectorID) {
		return ErrInvalidTXTRecord
	}
	return nil
}

// Service is an IDSCP2 server found via mDNS.
type Service struct {
	// Instance is the mDNS instance name.
	Instance string

	// Host is the advertised hostname.
	Host string

	// Port is the service port.
	Port uint16

	// Addresses contains the resolved IP addresses.
	Addresses []string

	// Version is the advertised protocol version.
	Version uint8

	// SupportedRat lists the server's prover schemes.
	SupportedRat []string

	// ExpectedRat lists the server's verifier schemes.
	ExpectedRat []string

	// ConnectorID is the server's certificate fingerprint, if advertised.
	ConnectorID string
}

// Address returns a dialable host:port for the service. The first resolved
// address wins; without addresses the hostname is used.
func (s *Service) Address() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}
