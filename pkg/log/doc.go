// Package log provides structured protocol capture for IDSCP2 connections.
//
// It is separate from operational logging (slog). Operational logs tell an
// operator what happened; protocol capture records a machine-readable trace
// of every frame, message and state machine transition for later analysis
// with the idscp2-log tool.
//
// # Basic Usage
//
//	// Development: print events through slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: append to a binary capture file
//	fl, _ := log.NewFileLogger("/var/log/idscp2/server.ilog")
//	cfg.ProtocolLogger = fl
//
//	// One file per connection, closed when the connection terminates
//	sl, _ := log.NewSessionLogger("/var/log/idscp2/sessions", 0)
//	cfg.ProtocolLogger = log.Tee(log.NewSlogAdapter(slog.Default()), sl)
//
// Connections and secure channels wrap the configured logger with
// ForConnection, so every event carries its connection ID, local role and
// peer identity.
//
// # Event Types
//
//   - Transport: raw frames (FrameEvent)
//   - Wire: decoded IDSCP2 envelopes (MessageEvent)
//   - Protocol/Attestation: FSM transitions and RAT driver lifecycle (StateChangeEvent)
//   - Any layer: errors (ErrorEventData)
//
// # File Format
//
// Capture files are a plain sequence of CBOR encoded events with integer keys.
// Per-connection files are named <role>-<connection id>.ilog; a Reader
// opened on their directory walks all of them.
package log
