package tpm2

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Prover answers a verifier challenge with a TPM quote.
type Prover struct {
	rat.Base
	cfg ProverConfig
}

// NewProver is the prover factory.
func NewProver(p rat.Params) (rat.Driver, error) {
	return &Prover{Base: rat.NewBase(p)}, nil
}

// SetConfig accepts a ProverConfig value.
func (p *Prover) SetConfig(config any) error {
	cfg, ok := config.(ProverConfig)
	if !ok {
		return fmt.Errorf("%w: want tpm2.ProverConfig, got %T", rat.ErrInvalidConfig, config)
	}
	p.cfg = cfg
	return nil
}

// Run waits for the challenge, replies with evidence and waits for the
// verifier's result.
func (p *Prover) Run(ctx context.Context) {
	raw, err := p.Mailbox.Take(ctx)
	if err != nil {
		return
	}

	var ch challenge
	if err := wire.Unmarshal(raw, &ch); err != nil {
		p.Fail(fmt.Errorf("%w: challenge: %v", rat.ErrUnexpectedInput, err))
		return
	}

	resp, err := p.evidence(&ch)
	if err != nil {
		p.Fail(err)
		return
	}
	out, err := wire.Marshal(resp)
	if err != nil {
		p.Fail(fmt.Errorf("failed to encode response: %w", err))
		return
	}
	p.Send(out)

	raw, err = p.Mailbox.Take(ctx)
	if err != nil {
		return
	}
	var res result
	if err := wire.Unmarshal(raw, &res); err != nil {
		p.Fail(fmt.Errorf("%w: result: %v", rat.ErrUnexpectedInput, err))
		return
	}
	if !res.OK {
		p.Fail(fmt.Errorf("peer rejected quote: %s", res.Reason))
		return
	}
	p.Succeed()
}

func (p *Prover) evidence(ch *challenge) (*response, error) {
	if ch.Type == AttestationZero {
		return &response{}, nil
	}
	if ch.Type > AttestationZero {
		return nil, fmt.Errorf("%w: %d", ErrAttestationType, ch.Type)
	}
	if p.cfg.Device == nil {
		return nil, ErrAttestationNoTPM
	}
	if len(ch.Nonce) == 0 {
		return nil, errors.New("challenge without nonce")
	}

	pcrs := MaskPCRs(ch.Type.Mask(ch.Mask))
	if len(pcrs) == 0 {
		return nil, fmt.Errorf("%w: empty PCR selection", ErrAttestationType)
	}

	ev, err := p.cfg.Device.Quote(qualifyingData(ch.Nonce, p.Params.LocalCertificate), pcrs)
	if err != nil {
		return nil, err
	}
	return &response{
		Attest:    ev.Attest,
		Signature: ev.Signature,
		PCRs:      ev.PCRs,
		AKPublic:  p.cfg.Device.PublicKey(),
	}, nil
}

// qualifyingData binds the nonce to the secure channel certificate of the
// proving side.
func qualifyingData(nonce []byte, cert *x509.Certificate) []byte {
	h := sha256.New()
	h.Write(nonce)
	if cert != nil {
		h.Write(cert.Raw)
	}
	return h.Sum(nil)
}
