package log

import (
	"time"

	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Event is one captured occurrence on an IDSCP2 connection. Exactly one of
// the payload pointers is set. Keys are small integers to keep capture
// files compact; they are part of the file format and must not change.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`

	// Identity of the session, filled in by ForConnection.
	LocalRole  Role   `cbor:"6,keyasint,omitempty"`
	RemoteAddr string `cbor:"7,keyasint,omitempty"`
	PeerID     string `cbor:"8,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction of a frame or message relative to the local peer.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

var directionNames = [...]string{"IN", "OUT"}

func (d Direction) String() string { return enumName(directionNames[:], int(d)) }

// Layer is the part of the stack an event was captured in.
type Layer uint8

const (
	// LayerTransport sees length-prefixed frames on the secure channel.
	LayerTransport Layer = iota
	// LayerWire sees decoded IDSCP2 envelopes.
	LayerWire
	// LayerProtocol sees state machine transitions.
	LayerProtocol
	// LayerAttestation sees RAT prover and verifier lifecycles.
	LayerAttestation
)

var layerNames = [...]string{"TRANSPORT", "WIRE", "PROTOCOL", "ATTESTATION"}

func (l Layer) String() string { return enumName(layerNames[:], int(l)) }

// Category is the kind of event. Value 1 is unused.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryState   Category = 2
	CategoryError   Category = 3
)

var categoryNames = [...]string{CategoryMessage: "MESSAGE", CategoryState: "STATE", CategoryError: "ERROR"}

func (c Category) String() string { return enumName(categoryNames[:], int(c)) }

// Role is the side of the connection the capture was taken on. The server
// accepted the secure channel, the client dialed it.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

var roleNames = [...]string{"SERVER", "CLIENT"}

func (r Role) String() string { return enumName(roleNames[:], int(r)) }

// FrameEvent is a frame as read from or written to the secure channel.
// Data holds at most the first transport.MaxLogFrameDataSize bytes.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"` // including the length prefix
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
}

// MessageEvent is a decoded envelope. DataType is set for IDSCP_DATA,
// the close fields for IDSCP_CLOSE.
type MessageEvent struct {
	Type         wire.MessageType `cbor:"1,keyasint"`
	Size         int              `cbor:"2,keyasint,omitempty"`
	DataType     string           `cbor:"3,keyasint,omitempty"`
	CloseCause   *wire.CloseCause `cbor:"4,keyasint,omitempty"`
	CloseMessage string           `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent records a transition of the secure channel, the IDSCP2
// state machine or a RAT driver. Reason names the triggering event.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity is what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = iota
	StateEntityFSM
	StateEntityProver
	StateEntityVerifier
)

var stateEntityNames = [...]string{"CONNECTION", "FSM", "PROVER", "VERIFIER"}

func (s StateEntity) String() string { return enumName(stateEntityNames[:], int(s)) }

// ErrorEventData is a failure seen at Layer while doing Context.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Code    *int   `cbor:"3,keyasint,omitempty"`
	Context string `cbor:"4,keyasint,omitempty"`
}

// Terminal reports whether event ends the lifetime of its connection: the
// IDSCP2 state machine reaching TERMINATED or the secure channel
// disconnecting.
func (e Event) Terminal() bool {
	if e.StateChange == nil {
		return false
	}
	switch e.StateChange.Entity {
	case StateEntityFSM:
		return e.StateChange.NewState == "TERMINATED"
	case StateEntityConnection:
		return e.StateChange.NewState == "DISCONNECTED"
	}
	return false
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) || names[i] == "" {
		return "UNKNOWN"
	}
	return names[i]
}
