package daps

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DAPS errors.
var (
	ErrInvalidToken      = errors.New("invalid DAT")
	ErrExpired           = errors.New("DAT expired")
	ErrSecurityProfile   = errors.New("insufficient security profile")
	ErrCertificateBind   = errors.New("DAT not bound to peer certificate")
	ErrUnknownKey        = errors.New("unknown signing key")
	ErrTokenUnavailable  = errors.New("DAT unavailable")
	ErrInvalidDapsConfig = errors.New("invalid DAPS configuration")
)

// Driver issues local DATs and verifies peer DATs.
type Driver interface {
	// Token returns a DAT for the local connector.
	Token(ctx context.Context) ([]byte, error)

	// Verify checks a peer DAT and returns how long it stays valid. A
	// non-nil error is fatal to the handshake step that asked.
	Verify(ctx context.Context, token []byte, req SecurityRequirements, peerCert *x509.Certificate) (time.Duration, error)
}

// SecurityProfile is the IDS security profile of a connector.
type SecurityProfile string

// Known security profiles, weakest first.
const (
	ProfileBase      SecurityProfile = "idsc:BASE_SECURITY_PROFILE"
	ProfileTrust     SecurityProfile = "idsc:TRUST_SECURITY_PROFILE"
	ProfileTrustPlus SecurityProfile = "idsc:TRUST_PLUS_SECURITY_PROFILE"
)

var profileOrder = []SecurityProfile{ProfileBase, ProfileTrust, ProfileTrustPlus}

// Level returns the rank of the profile, or -1 if unknown.
func (p SecurityProfile) Level() int {
	return slices.Index(profileOrder, p)
}

// SecurityRequirements are the minimum attributes a peer DAT must carry.
type SecurityRequirements struct {
	// RequiredSecurityProfile is the weakest acceptable profile. Empty
	// accepts any token.
	RequiredSecurityProfile SecurityProfile

	// Audience must be contained in the token audience, if set.
	Audience string

	// RequireCertificateBinding demands that the DAT lists the SHA-256
	// fingerprint of the peer secure channel certificate.
	RequireCertificateBinding bool
}

// Validate rejects requirements that name an unknown security profile.
func (r SecurityRequirements) Validate() error {
	if r.RequiredSecurityProfile != "" && r.RequiredSecurityProfile.Level() < 0 {
		return fmt.Errorf("%w: unknown required profile %q", ErrSecurityProfile, r.RequiredSecurityProfile)
	}
	return nil
}

// Claims are the DAT claims evaluated by this package.
type Claims struct {
	jwt.RegisteredClaims

	SecurityProfile      SecurityProfile  `json:"securityProfile,omitempty"`
	ReferringConnector   string           `json:"referringConnector,omitempty"`
	TransportCertsSha256 jwt.ClaimStrings `json:"transportCertsSha256,omitempty"`
}

// CertificateFingerprint returns the lowercase hex SHA-256 of the certificate.
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// checkClaims applies the security requirements to already signature-checked
// claims and returns the remaining validity.
func checkClaims(c *Claims, req SecurityRequirements, peerCert *x509.Certificate, now time.Time) (time.Duration, error) {
	if c.ExpiresAt == nil {
		return 0, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	validity := c.ExpiresAt.Time.Sub(now)
	if validity <= 0 {
		return 0, ErrExpired
	}

	if req.Audience != "" && !c.VerifyAudience(req.Audience, true) {
		return 0, fmt.Errorf("%w: audience %v does not contain %q", ErrInvalidToken, c.Audience, req.Audience)
	}

	if err := req.Validate(); err != nil {
		return 0, err
	}
	if req.RequiredSecurityProfile != "" {
		want := req.RequiredSecurityProfile.Level()
		got := c.SecurityProfile.Level()
		if got < 0 || got < want {
			return 0, fmt.Errorf("%w: have %q, need %q", ErrSecurityProfile, c.SecurityProfile, req.RequiredSecurityProfile)
		}
	}

	if req.RequireCertificateBinding {
		if peerCert == nil {
			return 0, fmt.Errorf("%w: no peer certificate", ErrCertificateBind)
		}
		fp := CertificateFingerprint(peerCert)
		if !slices.ContainsFunc(c.TransportCertsSha256, func(s string) bool { return strings.EqualFold(s, fp) }) {
			return 0, ErrCertificateBind
		}
	}
	return validity, nil
}

// validMethods are the JWS algorithms accepted for DATs.
var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// Null accepts every token. Token returns a fixed placeholder.
type Null struct {
	// Validity is returned by Verify. Zero means one hour.
	Validity time.Duration
}

// NullToken is the placeholder token issued by Null.
var NullToken = []byte("INVALID_TOKEN")

// Token implements Driver.
func (Null) Token(context.Context) ([]byte, error) {
	return NullToken, nil
}

// Verify implements Driver.
func (n Null) Verify(context.Context, []byte, SecurityRequirements, *x509.Certificate) (time.Duration, error) {
	if n.Validity <= 0 {
		return time.Hour, nil
	}
	return n.Validity, nil
}

// Compile-time interface satisfaction checks.
var (
	_ Driver = Null{}
	_ Driver = (*Static)(nil)
	_ Driver = (*Remote)(nil)
)
