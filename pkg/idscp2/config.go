package idscp2

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/idscp2/idscp2-go/pkg/daps"
	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/rat"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultRatTimeout       = time.Hour
	DefaultDapsTimeout      = 10 * time.Second
)

// Config configures a connection.
type Config struct {
	// Daps issues the local DAT and verifies peer DATs. Required.
	Daps daps.Driver

	// SecurityRequirements are applied to every peer DAT.
	SecurityRequirements daps.SecurityRequirements

	// Registry provides the attestation drivers. Required.
	Registry *rat.Registry

	// SupportedRat lists the prover schemes offered to the peer, in order
	// of preference. Defaults to all registered provers.
	SupportedRat []string

	// ExpectedRat lists the verifier schemes acceptable for the peer, in
	// order of preference. Defaults to all registered verifiers.
	ExpectedRat []string

	// HandshakeTimeout bounds the initial handshake and every
	// re-attestation round.
	HandshakeTimeout time.Duration

	// RatTimeout is the period of peer re-attestation. Zero disables
	// periodic re-attestation.
	RatTimeout time.Duration

	// DapsTimeout bounds each DAPS call.
	DapsTimeout time.Duration

	// MaxEpsilonChain bounds chained event-less transitions. Zero uses the
	// state machine default.
	MaxEpsilonChain int

	// Logger receives diagnostics (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger captures messages and state changes (optional).
	ProtocolLogger log.Logger

	// role is recorded in protocol events; set by Server and Client.
	role log.Role
}

// DefaultConfig returns a configuration with default timeouts. Daps and
// Registry must still be set.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: DefaultHandshakeTimeout,
		RatTimeout:       DefaultRatTimeout,
		DapsTimeout:      DefaultDapsTimeout,
		MaxEpsilonChain:  fsm.DefaultMaxEpsilonChain,
	}
}

// withDefaults fills unset optional fields.
func (c Config) withDefaults() Config {
	if c.Registry != nil {
		if len(c.SupportedRat) == 0 {
			c.SupportedRat = c.Registry.ProverSchemes()
		}
		if len(c.ExpectedRat) == 0 {
			c.ExpectedRat = c.Registry.VerifierSchemes()
		}
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DapsTimeout == 0 {
		c.DapsTimeout = DefaultDapsTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	if c.Daps == nil {
		return fmt.Errorf("%w: DAPS driver is required", ErrInvalidConfig)
	}
	if c.Registry == nil {
		return fmt.Errorf("%w: RAT registry is required", ErrInvalidConfig)
	}
	if len(c.SupportedRat) == 0 {
		return fmt.Errorf("%w: no prover scheme registered", ErrInvalidConfig)
	}
	if len(c.ExpectedRat) == 0 {
		return fmt.Errorf("%w: no verifier scheme registered", ErrInvalidConfig)
	}
	provers := c.Registry.ProverSchemes()
	for _, s := range c.SupportedRat {
		if !slices.Contains(provers, s) {
			return fmt.Errorf("%w: supported scheme %q has no prover", ErrInvalidConfig, s)
		}
	}
	verifiers := c.Registry.VerifierSchemes()
	for _, s := range c.ExpectedRat {
		if !slices.Contains(verifiers, s) {
			return fmt.Errorf("%w: expected scheme %q has no verifier", ErrInvalidConfig, s)
		}
	}
	if err := c.SecurityRequirements.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.HandshakeTimeout < 0 || c.RatTimeout < 0 || c.DapsTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}
