package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for IDSCP2 messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for IDSCP2 messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Encode wraps a typed message body into an envelope and encodes it.
// A nil body produces an envelope without body.
func Encode(msgType MessageType, body any) ([]byte, error) {
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}

	env := Envelope{Type: msgType}
	if body != nil {
		raw, err := Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", msgType, err)
		}
		env.Body = raw
	}
	return Marshal(&env)
}

// Decode decodes an envelope. The body stays encoded until one of the typed
// accessors is called.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, env.Type)
	}
	return &env, nil
}

// PeekMessageType returns the message type of an encoded envelope without
// decoding its body.
func PeekMessageType(data []byte) (MessageType, error) {
	var peek struct {
		Type MessageType `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return 0, fmt.Errorf("failed to peek message: %w", err)
	}
	return peek.Type, nil
}

// EncodeHello encodes a HELLO message.
func EncodeHello(h *Hello) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	return Encode(MsgHello, h)
}

// EncodeClose encodes a CLOSE message.
func EncodeClose(cause CloseCause, message string) ([]byte, error) {
	return Encode(MsgClose, &Close{Cause: cause, Message: message})
}

// EncodeDat encodes a DAT message.
func EncodeDat(token []byte) ([]byte, error) {
	return Encode(MsgDat, &Dat{Token: token})
}

// EncodeDatExpired encodes a DAT_EXPIRED message.
func EncodeDatExpired() ([]byte, error) {
	return Encode(MsgDatExpired, &DatExpired{})
}

// EncodeRerat encodes a RERAT message.
func EncodeRerat(cause string) ([]byte, error) {
	return Encode(MsgRerat, &Rerat{Cause: cause})
}

// EncodeRatProver encodes a RAT_PROVER message.
func EncodeRatProver(data []byte) ([]byte, error) {
	return Encode(MsgRatProver, &RatProver{Data: data})
}

// EncodeRatVerifier encodes a RAT_VERIFIER message.
func EncodeRatVerifier(data []byte) ([]byte, error) {
	return Encode(MsgRatVerifier, &RatVerifier{Data: data})
}

// EncodeData encodes a DATA message.
func EncodeData(dataType string, payload []byte) ([]byte, error) {
	return Encode(MsgData, &Data{Type: dataType, Payload: payload})
}

// Equal compares two values by their CBOR encoding.
func Equal(a, b any) bool {
	dataA, errA := Marshal(a)
	dataB, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(dataA, dataB)
}
