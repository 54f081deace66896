// Package dummy provides a trivial attestation scheme that proves nothing.
//
// The prover sends a greeting and succeeds once the verifier acknowledges it;
// the verifier succeeds after acknowledging a greeting. It exercises the
// driver protocol end to end and serves deployments that skip attestation.
package dummy

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/idscp2/idscp2-go/pkg/rat"
)

// Scheme is the registered scheme name.
const Scheme = "Dummy"

var (
	greeting = []byte("dummy-prover-hello")
	ack      = []byte("dummy-verifier-ack")
)

// Config tunes the dummy drivers.
type Config struct {
	// Delay is waited before each message, to simulate a slow backend.
	Delay time.Duration
}

// Register adds the dummy prover and verifier to reg.
func Register(reg *rat.Registry, cfg Config) error {
	if err := reg.RegisterProver(Scheme, NewProver, cfg); err != nil {
		return err
	}
	return reg.RegisterVerifier(Scheme, NewVerifier, cfg)
}

type driver struct {
	rat.Base
	cfg Config
}

// SetConfig accepts a Config value.
func (d *driver) SetConfig(config any) error {
	cfg, ok := config.(Config)
	if !ok {
		return fmt.Errorf("%w: want dummy.Config, got %T", rat.ErrInvalidConfig, config)
	}
	d.cfg = cfg
	return nil
}

func (d *driver) pause(ctx context.Context) bool {
	if d.cfg.Delay <= 0 {
		return true
	}
	select {
	case <-time.After(d.cfg.Delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// Prover is the dummy prover.
type Prover struct{ driver }

// NewProver is the prover factory.
func NewProver(p rat.Params) (rat.Driver, error) {
	return &Prover{driver{Base: rat.NewBase(p)}}, nil
}

// Run sends the greeting and waits for the acknowledgement.
func (p *Prover) Run(ctx context.Context) {
	if !p.pause(ctx) {
		return
	}
	p.Send(greeting)

	msg, err := p.Mailbox.Take(ctx)
	if err != nil {
		return
	}
	if !bytes.Equal(msg, ack) {
		p.Fail(fmt.Errorf("%w: %q", rat.ErrUnexpectedInput, msg))
		return
	}
	p.Succeed()
}

// Verifier is the dummy verifier.
type Verifier struct{ driver }

// NewVerifier is the verifier factory.
func NewVerifier(p rat.Params) (rat.Driver, error) {
	return &Verifier{driver{Base: rat.NewBase(p)}}, nil
}

// Run waits for the greeting and acknowledges it.
func (v *Verifier) Run(ctx context.Context) {
	msg, err := v.Mailbox.Take(ctx)
	if err != nil {
		return
	}
	if !bytes.Equal(msg, greeting) {
		v.Fail(fmt.Errorf("%w: %q", rat.ErrUnexpectedInput, msg))
		return
	}
	if !v.pause(ctx) {
		return
	}
	v.Send(ack)
	v.Succeed()
}
