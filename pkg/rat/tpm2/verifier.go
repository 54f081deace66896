package tpm2

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"slices"

	"github.com/google/go-tpm/tpm2"

	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// NonceSize is the challenge nonce length in bytes.
const NonceSize = 20

// Verifier challenges the peer and checks its quote.
type Verifier struct {
	rat.Base
	cfg VerifierConfig
}

// NewVerifier is the verifier factory.
func NewVerifier(p rat.Params) (rat.Driver, error) {
	return &Verifier{Base: rat.NewBase(p), cfg: DefaultVerifierConfig()}, nil
}

// SetConfig accepts a VerifierConfig value.
func (v *Verifier) SetConfig(config any) error {
	cfg, ok := config.(VerifierConfig)
	if !ok {
		return fmt.Errorf("%w: want tpm2.VerifierConfig, got %T", rat.ErrInvalidConfig, config)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", rat.ErrInvalidConfig, err)
	}
	v.cfg = cfg
	return nil
}

// Run sends the challenge, checks the response and reports the result to the
// peer.
func (v *Verifier) Run(ctx context.Context) {
	if v.cfg.Type != AttestationZero && v.cfg.AcceptAnyKey {
		v.Params.Logger.Warn("accepting quotes from any attestation key", "scheme", Scheme)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		v.Fail(fmt.Errorf("failed to generate nonce: %w", err))
		return
	}

	ch := &challenge{Nonce: nonce, Type: v.cfg.Type}
	if v.cfg.Type == AttestationAdvanced {
		ch.Mask = v.cfg.Mask
	}
	out, err := wire.Marshal(ch)
	if err != nil {
		v.Fail(fmt.Errorf("failed to encode challenge: %w", err))
		return
	}
	v.Send(out)

	raw, err := v.Mailbox.Take(ctx)
	if err != nil {
		return
	}

	var resp response
	if err := wire.Unmarshal(raw, &resp); err != nil {
		err = fmt.Errorf("%w: response: %v", rat.ErrUnexpectedInput, err)
		v.conclude(err)
		return
	}
	v.conclude(v.check(ctx, nonce, &resp))
}

// conclude sends the result to the prover and emits the verdict.
func (v *Verifier) conclude(verdict error) {
	res := result{OK: verdict == nil}
	if verdict != nil {
		res.Reason = verdict.Error()
	}
	if out, err := wire.Marshal(&res); err == nil {
		v.Send(out)
	}
	if verdict != nil {
		v.Fail(verdict)
		return
	}
	v.Succeed()
}

func (v *Verifier) check(ctx context.Context, nonce []byte, resp *response) error {
	if v.cfg.Type == AttestationZero {
		return nil
	}

	pub, err := x509.ParsePKIXPublicKey(resp.AKPublic)
	if err != nil {
		return fmt.Errorf("%w: attestation key: %v", ErrQuoteInvalid, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: attestation key is %T, want RSA", ErrQuoteInvalid, pub)
	}
	if !v.cfg.trusted(resp.AKPublic) {
		return ErrUntrustedKey
	}

	digest := sha256.Sum256(resp.Attest)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], resp.Signature); err != nil {
		return fmt.Errorf("%w: signature: %v", ErrQuoteInvalid, err)
	}

	attest, err := tpm2.Unmarshal[tpm2.TPMSAttest](resp.Attest)
	if err != nil {
		return fmt.Errorf("%w: attest: %v", ErrQuoteInvalid, err)
	}
	if attest.Magic != tpm2.TPMGeneratedValue {
		return fmt.Errorf("%w: not generated by a TPM", ErrQuoteInvalid)
	}
	if attest.Type != tpm2.TPMSTAttestQuote {
		return fmt.Errorf("%w: attest type %v", ErrQuoteInvalid, attest.Type)
	}
	if !bytes.Equal(attest.ExtraData.Buffer, qualifyingData(nonce, v.Params.PeerCertificate)) {
		return fmt.Errorf("%w: qualifying data does not bind nonce and peer certificate", ErrQuoteInvalid)
	}

	info, err := attest.Attested.Quote()
	if err != nil {
		return fmt.Errorf("%w: quote info: %v", ErrQuoteInvalid, err)
	}

	quoted, err := selectedPCRs(info.PCRSelect)
	if err != nil {
		return err
	}
	want := MaskPCRs(v.cfg.Type.Mask(v.cfg.Mask))
	if !slices.Equal(quoted, want) {
		return fmt.Errorf("%w: quoted PCRs %v, requested %v", ErrQuoteInvalid, quoted, want)
	}
	if len(resp.PCRs) != len(want) {
		return fmt.Errorf("%w: %d PCR values for %d quoted PCRs", ErrQuoteInvalid, len(resp.PCRs), len(want))
	}

	h := sha256.New()
	for _, idx := range want {
		val, ok := resp.PCRs[idx]
		if !ok {
			return fmt.Errorf("%w: PCR %d value missing", ErrQuoteInvalid, idx)
		}
		h.Write(val)
	}
	if !bytes.Equal(h.Sum(nil), info.PCRDigest.Buffer) {
		return fmt.Errorf("%w: PCR values do not match quoted digest", ErrQuoteInvalid)
	}

	if v.cfg.Repository != nil {
		if err := v.cfg.Repository.Verify(ctx, resp.PCRs); err != nil {
			return err
		}
	}
	return nil
}

// Register adds the TPM2 prover and verifier to reg.
func Register(reg *rat.Registry, prover ProverConfig, verifier VerifierConfig) error {
	if err := verifier.Validate(); err != nil {
		return err
	}
	if err := reg.RegisterProver(Scheme, NewProver, prover); err != nil {
		return err
	}
	return reg.RegisterVerifier(Scheme, NewVerifier, verifier)
}
