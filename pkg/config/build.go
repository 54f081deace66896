package config

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/idscp2/idscp2-go/pkg/daps"
	"github.com/idscp2/idscp2-go/pkg/idscp2"
	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/rat/dummy"
	"github.com/idscp2/idscp2-go/pkg/rat/tpm2"
	"github.com/idscp2/idscp2-go/pkg/transport"
)

// SimulatorDevice selects the TPM simulator instead of a device node.
const SimulatorDevice = "simulator"

// Peer holds the configuration values built from a File. Close releases
// the protocol log, the DAPS driver and the TPM.
type Peer struct {
	File           *File
	Logger         *slog.Logger
	ProtocolLogger log.Logger
	TLS            *transport.TLSConfig
	Connection     idscp2.Config

	closers []io.Closer
}

// Close releases the resources opened by Build, newest first.
func (p *Peer) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i].Close())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Build loads key material and creates the drivers described by f.
// Operational logs are written to out.
func Build(f *File, out io.Writer) (_ *Peer, err error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	level, _ := parseLevel(f.Log.Level)
	p := &Peer{
		File:   f,
		Logger: slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})),
	}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	if err := p.buildProtocolLogger(level); err != nil {
		return nil, err
	}
	if err := p.buildTLS(); err != nil {
		return nil, err
	}
	driver, err := p.buildDaps()
	if err != nil {
		return nil, err
	}
	if c, ok := driver.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
	registry, err := p.buildRegistry()
	if err != nil {
		return nil, err
	}
	requirements, err := f.Security.requirements()
	if err != nil {
		return nil, err
	}

	cfg := idscp2.DefaultConfig()
	cfg.Daps = driver
	cfg.Registry = registry
	cfg.SecurityRequirements = requirements
	cfg.SupportedRat = f.Rat.Supported
	cfg.ExpectedRat = f.Rat.Expected
	cfg.RatTimeout = f.Rat.Timeout
	if f.Timeouts.Handshake > 0 {
		cfg.HandshakeTimeout = f.Timeouts.Handshake
	}
	if f.Timeouts.Daps > 0 {
		cfg.DapsTimeout = f.Timeouts.Daps
	}
	cfg.Logger = p.Logger
	cfg.ProtocolLogger = p.ProtocolLogger
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p.Connection = cfg
	return p, nil
}

func (p *Peer) buildProtocolLogger(level slog.Level) error {
	var loggers []log.Logger
	if p.File.Log.ProtocolLog != "" {
		fl, err := log.NewFileLogger(p.File.Log.ProtocolLog)
		if err != nil {
			return fmt.Errorf("failed to open protocol log: %w", err)
		}
		p.closers = append(p.closers, fl)
		loggers = append(loggers, fl)
	}
	if p.File.Log.ProtocolLogDir != "" {
		sl, err := log.NewSessionLogger(p.File.Log.ProtocolLogDir, 0)
		if err != nil {
			return fmt.Errorf("failed to open protocol log directory: %w", err)
		}
		p.closers = append(p.closers, sl)
		loggers = append(loggers, sl)
	}
	if level <= slog.LevelDebug {
		loggers = append(loggers, log.NewSlogAdapter(p.Logger))
	}

	if len(loggers) > 0 {
		p.ProtocolLogger = log.Tee(loggers...)
	}
	return nil
}

func (p *Peer) buildTLS() error {
	t := p.File.TLS
	if t.Cert == "" {
		p.TLS = &transport.TLSConfig{InsecureSkipVerify: t.Insecure}
		return nil
	}
	cfg, err := transport.LoadTLSConfig(t.Cert, t.Key, t.CA)
	if err != nil {
		return err
	}
	cfg.ServerName = t.ServerName
	cfg.InsecureSkipVerify = t.Insecure
	p.TLS = cfg
	return nil
}

func (p *Peer) localCertificate() *x509.Certificate {
	if p.TLS == nil || len(p.TLS.Certificate.Certificate) == 0 {
		return nil
	}
	leaf, err := transport.LeafCertificate(p.TLS.Certificate)
	if err != nil {
		return nil
	}
	return leaf
}

func (p *Peer) buildDaps() (daps.Driver, error) {
	d := p.File.Daps
	switch d.Mode {
	case DapsStatic:
		key, err := loadSigner(d.Key)
		if err != nil {
			return nil, err
		}
		cfg := daps.DefaultStaticConfig()
		cfg.SigningKey = key
		cfg.KeyID = d.KeyID
		if d.Issuer != "" {
			cfg.Issuer = d.Issuer
		}
		cfg.Subject = d.Subject
		if len(d.Audience) > 0 {
			cfg.Audience = d.Audience
		}
		if d.SecurityProfile != "" {
			if cfg.SecurityProfile, err = parseProfile(d.SecurityProfile); err != nil {
				return nil, err
			}
		}
		if d.Validity > 0 {
			cfg.Validity = d.Validity
		}
		if d.BindCertificate {
			cfg.LocalCertificate = p.localCertificate()
		}
		if d.TrustedKeys != "" {
			if cfg.TrustedKeys, err = loadKeySet(d.TrustedKeys); err != nil {
				return nil, err
			}
		}
		cfg.TrustedIssuers = d.TrustedIssuers
		return daps.NewStatic(cfg)

	case DapsRemote:
		key, err := loadSigner(d.Key)
		if err != nil {
			return nil, err
		}
		cfg := daps.DefaultRemoteConfig()
		cfg.TokenURL = d.TokenURL
		cfg.JWKSURL = d.JWKSURL
		cfg.ClientID = d.ClientID
		cfg.SigningKey = key
		cfg.KeyID = d.KeyID
		if d.Scope != "" {
			cfg.Scope = d.Scope
		}
		cfg.TrustedIssuers = d.TrustedIssuers
		cfg.Logger = p.Logger
		return daps.NewRemote(cfg)

	default:
		return daps.Null{Validity: d.Validity}, nil
	}
}

func (p *Peer) buildRegistry() (*rat.Registry, error) {
	reg := rat.NewRegistry()
	if err := dummy.Register(reg, dummy.Config{Delay: p.File.Rat.Dummy.Delay}); err != nil {
		return nil, err
	}

	t := p.File.Rat.TPM2
	if t == nil {
		return reg, nil
	}

	verifier := tpm2.DefaultVerifierConfig()
	if t.Type != "" {
		typ, err := tpm2.ParseAttestationType(t.Type)
		if err != nil {
			return nil, err
		}
		verifier.Type = typ
	}
	verifier.Mask = t.Mask
	for _, path := range t.TrustedKeys {
		der, err := loadPublicKeyDER(path)
		if err != nil {
			return nil, err
		}
		verifier.TrustedKeys = append(verifier.TrustedKeys, der)
	}
	verifier.AcceptAnyKey = t.AcceptAnyKey
	if slices.Contains(p.File.Rat.Expected, tpm2.Scheme) && !verifier.HasTrustAnchor() {
		return nil, fmt.Errorf("%w: %s verifier needs trusted_keys or accept_any_key", ErrInvalid, tpm2.Scheme)
	}
	if len(t.ReferenceValues) > 0 {
		refs := make(tpm2.ReferenceValues, len(t.ReferenceValues))
		for idx, value := range t.ReferenceValues {
			b, err := hex.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("%w: reference value of PCR %d: %v", ErrInvalid, idx, err)
			}
			refs[idx] = b
		}
		verifier.Repository = refs
	}

	var prover tpm2.ProverConfig
	if t.Device != "" {
		dev, err := p.openDevice(t.Device)
		if err != nil {
			return nil, err
		}
		prover.Device = dev
	}

	if err := tpm2.Register(reg, prover, verifier); err != nil {
		return nil, err
	}
	return reg, nil
}

func (p *Peer) openDevice(path string) (*tpm2.Device, error) {
	var (
		tpm io.Closer
		dev *tpm2.Device
		err error
	)
	if path == SimulatorDevice {
		sim, serr := simulator.OpenSimulator()
		if serr != nil {
			return nil, fmt.Errorf("failed to open TPM simulator: %w", serr)
		}
		tpm = sim
		dev, err = tpm2.NewDevice(sim)
	} else {
		t, oerr := tpm2.Open(path)
		if oerr != nil {
			return nil, oerr
		}
		tpm = t
		dev, err = tpm2.NewDevice(t)
	}
	if err != nil {
		_ = tpm.Close()
		return nil, err
	}
	p.closers = append(p.closers, tpm, dev)
	return dev, nil
}

func (s Security) requirements() (daps.SecurityRequirements, error) {
	req := daps.SecurityRequirements{
		Audience:                  s.Audience,
		RequireCertificateBinding: s.RequireCertificateBinding,
	}
	if s.Profile != "" {
		profile, err := parseProfile(s.Profile)
		if err != nil {
			return req, err
		}
		req.RequiredSecurityProfile = profile
	}
	return req, nil
}

func parseProfile(s string) (daps.SecurityProfile, error) {
	switch normalize(s) {
	case "base", normalize(string(daps.ProfileBase)):
		return daps.ProfileBase, nil
	case "trust", normalize(string(daps.ProfileTrust)):
		return daps.ProfileTrust, nil
	case "trust_plus", "trust+", normalize(string(daps.ProfileTrustPlus)):
		return daps.ProfileTrustPlus, nil
	default:
		return "", fmt.Errorf("%w: unknown security profile %q", ErrInvalid, s)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch normalize(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

func readPEM(path, what string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM encoded", ErrInvalid, path)
	}
	return block, nil
}

func loadSigner(path string) (crypto.Signer, error) {
	block, err := readPEM(path, "signing key")
	if err != nil {
		return nil, err
	}

	var key any
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds no signing key", ErrInvalid, path)
	}
	return signer, nil
}

func loadPublicKeyDER(path string) ([]byte, error) {
	block, err := readPEM(path, "attestation key")
	if err != nil {
		return nil, err
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return block.Bytes, nil
}

func loadKeySet(path string) (*jose.JSONWebKeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key set: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse key set %s: %w", path, err)
	}
	return &set, nil
}
