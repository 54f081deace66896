package tpm2

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idscp2/idscp2-go/pkg/rat"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening TPM simulator: %v", err)
	}
	t.Cleanup(func() { _ = sim.Close() })

	dev, err := NewDevice(sim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

type outcome struct {
	prover, verifier rat.Signal
}

// exchange runs one prover against one verifier, relaying messages the way
// two connections would.
func exchange(t *testing.T, reg *rat.Registry, proverCert, verifierPeerCert *x509.Certificate) outcome {
	t.Helper()

	type relay struct {
		sig  rat.Signal
		data []byte
	}
	msgs := make(chan relay, 16)
	done := make(chan rat.Signal, 2)
	sink := func(_ *rat.Handle, sig rat.Signal, data []byte) {
		if sig.Terminal() {
			done <- sig
			return
		}
		msgs <- relay{sig, data}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prover, err := rat.Start(ctx, reg, rat.Params{Role: rat.RoleProver, Scheme: Scheme, LocalCertificate: proverCert}, sink)
	require.NoError(t, err)
	verifier, err := rat.Start(ctx, reg, rat.Params{Role: rat.RoleVerifier, Scheme: Scheme, PeerCertificate: verifierPeerCert}, sink)
	require.NoError(t, err)
	defer prover.Stop()
	defer verifier.Stop()

	var out outcome
	for out.prover == 0 || out.verifier == 0 {
		select {
		case m := <-msgs:
			if m.sig == rat.ProverMsg {
				_ = verifier.Delegate(m.data)
			} else {
				_ = prover.Delegate(m.data)
			}
		case sig := <-done:
			if sig.Role() == rat.RoleProver {
				out.prover = sig
			} else {
				out.verifier = sig
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("attestation did not finish: %+v", out)
		}
	}
	return out
}

func TestMaskPCRs(t *testing.T) {
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, MaskPCRs(AttestationBasic.Mask(0)))
	assert.Len(t, MaskPCRs(AttestationAll.Mask(0)), 24)
	assert.Equal(t, []uint32{1, 7}, MaskPCRs(AttestationAdvanced.Mask(0x82)))
	assert.Empty(t, MaskPCRs(AttestationZero.Mask(0xFF)))
	assert.Equal(t, []uint32{0}, MaskPCRs(AttestationAdvanced.Mask(0xFF000001)))
}

func TestPCRSelectionRoundTrip(t *testing.T) {
	pcrs := []uint32{0, 7, 8, 23}
	got, err := selectedPCRs(pcrSelection(pcrs))
	require.NoError(t, err)
	assert.Equal(t, pcrs, got)
}

func TestParseAttestationType(t *testing.T) {
	at, err := ParseAttestationType("advanced")
	require.NoError(t, err)
	assert.Equal(t, AttestationAdvanced, at)

	_, err = ParseAttestationType("full")
	assert.ErrorIs(t, err, ErrAttestationType)
}

func TestVerifierConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultVerifierConfig().Validate())
	assert.ErrorIs(t, VerifierConfig{Type: AttestationAdvanced}.Validate(), ErrAttestationType)
	assert.ErrorIs(t, VerifierConfig{Type: 9}.Validate(), ErrAttestationType)
}

func TestVerifierTrustAnchor(t *testing.T) {
	assert.False(t, DefaultVerifierConfig().HasTrustAnchor())
	assert.True(t, VerifierConfig{Type: AttestationZero}.HasTrustAnchor())
	assert.True(t, VerifierConfig{Type: AttestationBasic, AcceptAnyKey: true}.HasTrustAnchor())
	assert.True(t, VerifierConfig{Type: AttestationAll, TrustedKeys: [][]byte{{0x30}}}.HasTrustAnchor())

	assert.False(t, DefaultVerifierConfig().trusted([]byte{0x30}))
	assert.True(t, VerifierConfig{TrustedKeys: [][]byte{{0x30}}}.trusted([]byte{0x30}))
}

func TestReferenceValues(t *testing.T) {
	ref := ReferenceValues{0: {0x01}}
	assert.NoError(t, ref.Verify(context.Background(), map[uint32][]byte{0: {0x01}, 1: {0x02}}))
	assert.ErrorIs(t, ref.Verify(context.Background(), map[uint32][]byte{0: {0x02}}), ErrPCRMismatch)
	assert.ErrorIs(t, ref.Verify(context.Background(), map[uint32][]byte{1: {0x01}}), ErrPCRMismatch)
}

func TestZeroAttestationNeedsNoTPM(t *testing.T) {
	reg := rat.NewRegistry()
	require.NoError(t, Register(reg, ProverConfig{}, VerifierConfig{Type: AttestationZero}))

	out := exchange(t, reg, nil, nil)
	assert.Equal(t, rat.ProverOK, out.prover)
	assert.Equal(t, rat.VerifierOK, out.verifier)
}

func TestProverWithoutDeviceFails(t *testing.T) {
	reg := rat.NewRegistry()
	require.NoError(t, Register(reg, ProverConfig{}, DefaultVerifierConfig()))

	// The verifier never gets a response, so it is only cancelled.
	type relay struct {
		sig  rat.Signal
		data []byte
	}
	done := make(chan rat.Signal, 1)
	msgs := make(chan relay, 4)
	sink := func(_ *rat.Handle, sig rat.Signal, data []byte) {
		if sig.Terminal() {
			done <- sig
			return
		}
		msgs <- relay{sig, data}
	}
	v, err := rat.Start(context.Background(), reg, rat.Params{Role: rat.RoleVerifier, Scheme: Scheme}, sink)
	require.NoError(t, err)
	defer v.Stop()
	p, err := rat.Start(context.Background(), reg, rat.Params{Role: rat.RoleProver, Scheme: Scheme}, sink)
	require.NoError(t, err)
	defer p.Stop()

	m := <-msgs
	require.Equal(t, rat.VerifierMsg, m.sig)
	require.NoError(t, p.Delegate(m.data))

	select {
	case sig := <-done:
		assert.Equal(t, rat.ProverFailed, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("prover did not fail")
	}
}

func TestQuoteAttestation(t *testing.T) {
	dev := newDevice(t)
	cert := selfSigned(t, "provider.example")
	trust := [][]byte{dev.PublicKey()}

	tests := []struct {
		name     string
		verifier VerifierConfig
		peerCert *x509.Certificate
		want     outcome
	}{
		{
			name:     "basic",
			verifier: VerifierConfig{Type: AttestationBasic, TrustedKeys: trust},
			peerCert: cert,
			want:     outcome{rat.ProverOK, rat.VerifierOK},
		},
		{
			name:     "all",
			verifier: VerifierConfig{Type: AttestationAll, TrustedKeys: trust},
			peerCert: cert,
			want:     outcome{rat.ProverOK, rat.VerifierOK},
		},
		{
			name:     "advanced",
			verifier: VerifierConfig{Type: AttestationAdvanced, Mask: 0x0103, TrustedKeys: trust},
			peerCert: cert,
			want:     outcome{rat.ProverOK, rat.VerifierOK},
		},
		{
			name:     "any key when allowed",
			verifier: VerifierConfig{Type: AttestationBasic, AcceptAnyKey: true},
			peerCert: cert,
			want:     outcome{rat.ProverOK, rat.VerifierOK},
		},
		{
			name:     "no trust anchor",
			verifier: VerifierConfig{Type: AttestationBasic},
			peerCert: cert,
			want:     outcome{rat.ProverFailed, rat.VerifierFailed},
		},
		{
			name:     "untrusted key",
			verifier: VerifierConfig{Type: AttestationBasic, TrustedKeys: [][]byte{{0x30, 0x00}}},
			peerCert: cert,
			want:     outcome{rat.ProverFailed, rat.VerifierFailed},
		},
		{
			name:     "certificate not bound",
			verifier: VerifierConfig{Type: AttestationBasic, TrustedKeys: trust},
			peerCert: selfSigned(t, "someone.else"),
			want:     outcome{rat.ProverFailed, rat.VerifierFailed},
		},
		{
			name: "reference mismatch",
			verifier: VerifierConfig{
				Type:        AttestationBasic,
				TrustedKeys: trust,
				Repository:  ReferenceValues{0: make([]byte, 32), 1: {0xde, 0xad}},
			},
			peerCert: cert,
			want:     outcome{rat.ProverFailed, rat.VerifierFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := rat.NewRegistry()
			require.NoError(t, Register(reg, ProverConfig{Device: dev}, tt.verifier))

			got := exchange(t, reg, cert, tt.peerCert)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeviceQuoteEvidence(t *testing.T) {
	dev := newDevice(t)

	ev, err := dev.Quote(qualifyingData([]byte("nonce"), nil), []uint32{0, 10})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.Attest)
	assert.NotEmpty(t, ev.Signature)
	assert.Len(t, ev.PCRs, 2)
	assert.Len(t, ev.PCRs[10], 32)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	_, err = dev.Quote([]byte("x"), []uint32{0})
	assert.Error(t, err)
}
