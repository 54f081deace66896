package tpm2

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// Open opens a TPM character device.
//
// Use /dev/tpmrm0 so the kernel resource manager handles transient objects.
func Open(path string) (transport.TPMCloser, error) {
	switch path {
	case "/dev/tpmrm0":
		return transport.OpenTPM(path)
	case "/dev/tpm0":
		slog.Warn("direct use of the TPM can lead to resource exhaustion, use a TPM resource manager instead")
		return transport.OpenTPM(path)
	default:
		return nil, fmt.Errorf("unsupported TPM device path: %s", path)
	}
}

// Evidence is the output of one quote.
type Evidence struct {
	// Attest is the marshaled TPMS_ATTEST structure that was signed.
	Attest []byte

	// Signature is the RSASSA-PKCS1-v1_5 SHA-256 signature over Attest.
	Signature []byte

	// PCRs holds the SHA-256 bank value of every quoted PCR.
	PCRs map[uint32][]byte
}

// Device serializes access to one TPM and owns an attestation key created
// under the endorsement hierarchy.
type Device struct {
	mu    sync.Mutex
	tpm   transport.TPM
	ak    tpm2.NamedHandle
	akPub *rsa.PublicKey
	akDER []byte
}

// akTemplate is a restricted RSA 2048 signing key. Restricted keys only sign
// TPM generated structures, which is what makes a quote trustworthy.
func akTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			NoDA:                true,
			Restricted:          true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgRSASSA,
						&tpm2.TPMSSigSchemeRSASSA{HashAlg: tpm2.TPMAlgSHA256}),
				},
				KeyBits: 2048,
			},
		),
		Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{Buffer: make([]byte, 256)}),
	}
}

// NewDevice creates the attestation key on t. The caller keeps ownership of
// t; Close only flushes the key.
func NewDevice(t transport.TPM) (*Device, error) {
	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(akTemplate()),
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("unable to create attestation key: %w", err)
	}

	d := &Device{
		tpm: t,
		ak:  tpm2.NamedHandle{Handle: resp.ObjectHandle, Name: resp.Name},
	}

	pub, err := resp.OutPublic.Contents()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("unmarshaling attestation key: %w", err)
	}
	rsaDetail, err := pub.Parameters.RSADetail()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("RSA params: %w", err)
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("RSA pubkey: %w", err)
	}
	d.akPub, err = tpm2.RSAPub(rsaDetail, rsaUnique)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("marshaling rsa.PublicKey: %w", err)
	}
	d.akDER, err = x509.MarshalPKIXPublicKey(d.akPub)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("encoding attestation key: %w", err)
	}
	return d, nil
}

// PublicKey returns the PKIX DER encoding of the attestation key.
func (d *Device) PublicKey() []byte {
	return d.akDER
}

// Close flushes the attestation key.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ak.Handle == 0 {
		return nil
	}
	_, err := tpm2.FlushContext{FlushHandle: d.ak.Handle}.Execute(d.tpm)
	d.ak = tpm2.NamedHandle{}
	return err
}

// pcrSelection builds a SHA-256 bank selection for the given PCRs.
func pcrSelection(pcrs []uint32) tpm2.TPMLPCRSelection {
	bitmap := make([]byte, 3)
	for _, p := range pcrs {
		bitmap[p/8] |= 1 << (p % 8)
	}
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{{
			Hash:      tpm2.TPMAlgSHA256,
			PCRSelect: bitmap,
		}},
	}
}

// selectedPCRs decodes a SHA-256 bank selection.
func selectedPCRs(sel tpm2.TPMLPCRSelection) ([]uint32, error) {
	var pcrs []uint32
	for _, s := range sel.PCRSelections {
		if s.Hash != tpm2.TPMAlgSHA256 {
			return nil, fmt.Errorf("%w: unexpected PCR bank %v", ErrQuoteInvalid, s.Hash)
		}
		for i, b := range s.PCRSelect {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) != 0 {
					pcrs = append(pcrs, uint32(i*8+bit))
				}
			}
		}
	}
	return pcrs, nil
}

// Quote signs the given PCRs together with qualifying data.
func (d *Device) Quote(qualifyingData []byte, pcrs []uint32) (*Evidence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ak.Handle == 0 {
		return nil, fmt.Errorf("attestation key closed")
	}

	rsp, err := tpm2.Quote{
		SignHandle:     d.ak,
		QualifyingData: tpm2.TPM2BData{Buffer: qualifyingData},
		InScheme:       tpm2.TPMTSigScheme{Scheme: tpm2.TPMAlgNull},
		PCRSelect:      pcrSelection(pcrs),
	}.Execute(d.tpm)
	if err != nil {
		return nil, fmt.Errorf("unable to quote: %w", err)
	}

	sig, err := rsp.Signature.Signature.RSASSA()
	if err != nil {
		return nil, fmt.Errorf("unable to extract signature data: %w", err)
	}

	ev := &Evidence{
		Attest:    rsp.Quoted.Bytes(),
		Signature: sig.Sig.Buffer,
		PCRs:      make(map[uint32][]byte, len(pcrs)),
	}

	// One PCR per read: a single PCR_Read returns at most eight digests.
	for _, p := range pcrs {
		read, err := tpm2.PCRRead{PCRSelectionIn: pcrSelection([]uint32{p})}.Execute(d.tpm)
		if err != nil {
			return nil, fmt.Errorf("unable to read PCR %d: %w", p, err)
		}
		if len(read.PCRValues.Digests) != 1 {
			return nil, fmt.Errorf("unable to read PCR %d: %d digests returned", p, len(read.PCRValues.Digests))
		}
		ev.PCRs[p] = read.PCRValues.Digests[0].Buffer
	}
	return ev, nil
}
