package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration errors.
var (
	ErrInvalid = errors.New("invalid configuration")
)

// DAPS driver modes.
const (
	DapsNull   = "null"
	DapsStatic = "static"
	DapsRemote = "remote"
)

// File is the YAML document describing one peer.
type File struct {
	// Listen is the server listen address.
	Listen string `yaml:"listen"`

	// Connect is the address a client dials.
	Connect string `yaml:"connect"`

	TLS       TLS       `yaml:"tls"`
	Daps      Daps      `yaml:"daps"`
	Security  Security  `yaml:"security"`
	Rat       Rat       `yaml:"rat"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Log       Log       `yaml:"log"`
	Discovery Discovery `yaml:"discovery"`
}

// TLS holds PEM file paths of the secure channel.
type TLS struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	CA         string `yaml:"ca"`
	ServerName string `yaml:"server_name"`
	Insecure   bool   `yaml:"insecure"`
}

// Daps selects and configures the DAPS driver.
type Daps struct {
	// Mode is null, static or remote.
	Mode string `yaml:"mode"`

	// Validity of issued tokens (static) or accepted tokens (null).
	Validity time.Duration `yaml:"validity"`

	// Key is a PEM private key signing tokens (static) or the client
	// assertion (remote).
	Key   string `yaml:"key"`
	KeyID string `yaml:"key_id"`

	// Static issuer settings.
	Issuer          string   `yaml:"issuer"`
	Subject         string   `yaml:"subject"`
	Audience        []string `yaml:"audience"`
	SecurityProfile string   `yaml:"security_profile"`
	BindCertificate bool     `yaml:"bind_certificate"`

	// TrustedKeys is a JWKS file verifying peer tokens.
	TrustedKeys    string   `yaml:"trusted_keys"`
	TrustedIssuers []string `yaml:"trusted_issuers"`

	// Remote DAPS settings.
	TokenURL string `yaml:"token_url"`
	JWKSURL  string `yaml:"jwks_url"`
	ClientID string `yaml:"client_id"`
	Scope    string `yaml:"scope"`
}

// Security holds the requirements on peer DATs.
type Security struct {
	Profile                   string `yaml:"profile"`
	Audience                  string `yaml:"audience"`
	RequireCertificateBinding bool   `yaml:"require_certificate_binding"`
}

// Rat configures attestation.
type Rat struct {
	Supported []string      `yaml:"supported"`
	Expected  []string      `yaml:"expected"`
	Timeout   time.Duration `yaml:"timeout"`
	Dummy     Dummy         `yaml:"dummy"`
	TPM2      *TPM2         `yaml:"tpm2"`
}

// Dummy configures the dummy scheme.
type Dummy struct {
	Delay time.Duration `yaml:"delay"`
}

// TPM2 configures the TPM2d scheme. The scheme is registered only when
// this section is present.
type TPM2 struct {
	// Device is /dev/tpmrm0, /dev/tpm0 or "simulator". Empty registers a
	// prover that can only answer ZERO attestation.
	Device string `yaml:"device"`

	// Type is BASIC, ALL, ADVANCED or ZERO.
	Type string `yaml:"type"`

	// Mask selects PCRs for ADVANCED attestation.
	Mask uint32 `yaml:"mask"`

	// TrustedKeys are PEM files of accepted attestation keys.
	TrustedKeys []string `yaml:"trusted_keys"`

	// AcceptAnyKey skips the attestation key check. Simulators only.
	AcceptAnyKey bool `yaml:"accept_any_key"`

	// ReferenceValues maps PCR indices to hex encoded expected values.
	ReferenceValues map[uint32]string `yaml:"reference_values"`
}

// Timeouts bound protocol steps.
type Timeouts struct {
	Handshake time.Duration `yaml:"handshake"`
	Daps      time.Duration `yaml:"daps"`
}

// Log configures logging.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// ProtocolLog is a capture file for protocol events.
	ProtocolLog string `yaml:"protocol_log"`

	// ProtocolLogDir captures each connection into its own file in this
	// directory. The file is closed when the connection terminates.
	ProtocolLogDir string `yaml:"protocol_log_dir"`
}

// Discovery configures mDNS advertising.
type Discovery struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Default returns a configuration using the null DAPS and the dummy scheme.
func Default() *File {
	return &File{
		Listen: ":29292",
		Daps:   Daps{Mode: DapsNull},
		Rat: Rat{
			Supported: []string{"Dummy"},
			Expected:  []string{"Dummy"},
			Timeout:   time.Hour,
		},
		Log: Log{Level: "info"},
	}
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks values that do not need file access.
func (f *File) Validate() error {
	switch f.Daps.Mode {
	case DapsNull, "":
	case DapsStatic:
		if f.Daps.Key == "" {
			return fmt.Errorf("%w: static DAPS needs a key", ErrInvalid)
		}
	case DapsRemote:
		if f.Daps.TokenURL == "" || f.Daps.JWKSURL == "" || f.Daps.ClientID == "" || f.Daps.Key == "" {
			return fmt.Errorf("%w: remote DAPS needs token_url, jwks_url, client_id and key", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown DAPS mode %q", ErrInvalid, f.Daps.Mode)
	}

	if _, err := parseLevel(f.Log.Level); err != nil {
		return err
	}
	if f.Rat.Timeout < 0 || f.Timeouts.Handshake < 0 || f.Timeouts.Daps < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	if (f.TLS.Cert == "") != (f.TLS.Key == "") {
		return fmt.Errorf("%w: tls cert and key must be set together", ErrInvalid)
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
