package daps

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// DefaultAudience is the audience of connector DATs.
const DefaultAudience = "idsc:IDS_CONNECTORS_ALL"

// StaticConfig configures the Static driver.
type StaticConfig struct {
	// Issuer is written to issued tokens.
	Issuer string

	// Subject identifies the local connector.
	Subject string

	// Audience is written to issued tokens.
	Audience []string

	// SecurityProfile claimed by issued tokens.
	SecurityProfile SecurityProfile

	// Validity of issued tokens.
	Validity time.Duration

	// SigningKey signs issued tokens (RSA or ECDSA P-256/P-384).
	SigningKey crypto.Signer

	// KeyID is the kid header of issued tokens.
	KeyID string

	// LocalCertificate, if set, is bound into issued tokens.
	LocalCertificate *x509.Certificate

	// TrustedKeys verifies peer tokens. Nil trusts only the own key.
	TrustedKeys *jose.JSONWebKeySet

	// TrustedIssuers restricts the iss claim of peer tokens when non-empty.
	TrustedIssuers []string
}

// DefaultStaticConfig returns a configuration issuing BASE profile tokens
// valid for one hour.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		Issuer:          "idscp2-go",
		Audience:        []string{DefaultAudience},
		SecurityProfile: ProfileBase,
		Validity:        time.Hour,
	}
}

// Static issues self-signed DATs and verifies peer DATs against a key set.
type Static struct {
	cfg    StaticConfig
	own    jose.JSONWebKeySet
	lookup jwt.Keyfunc
}

// NewStatic creates a Static driver.
func NewStatic(cfg StaticConfig) (*Static, error) {
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("%w: signing key required", ErrInvalidDapsConfig)
	}
	if cfg.Validity <= 0 {
		return nil, fmt.Errorf("%w: validity must be positive", ErrInvalidDapsConfig)
	}
	method, err := signingMethod(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	s := &Static{cfg: cfg}
	s.own = jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       cfg.SigningKey.Public(),
		KeyID:     cfg.KeyID,
		Algorithm: method.Alg(),
		Use:       "sig",
	}}}
	if cfg.TrustedKeys != nil {
		s.lookup = lookupInSet(cfg.TrustedKeys)
	} else {
		s.lookup = lookupInSet(&s.own)
	}
	return s, nil
}

// PublicKeySet returns the JWKS peers need to verify tokens of this driver.
func (s *Static) PublicKeySet() jose.JSONWebKeySet {
	return s.own
}

// Token implements Driver.
func (s *Static) Token(context.Context) ([]byte, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   s.cfg.Subject,
			Audience:  s.cfg.Audience,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.Validity)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		SecurityProfile:    s.cfg.SecurityProfile,
		ReferringConnector: s.cfg.Subject,
	}
	if s.cfg.LocalCertificate != nil {
		claims.TransportCertsSha256 = jwt.ClaimStrings{CertificateFingerprint(s.cfg.LocalCertificate)}
	}

	signed, err := signClaims(claims, s.cfg.SigningKey, s.cfg.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	return []byte(signed), nil
}

// Verify implements Driver.
func (s *Static) Verify(_ context.Context, token []byte, req SecurityRequirements, peerCert *x509.Certificate) (time.Duration, error) {
	claims, err := parseToken(token, s.lookup, s.cfg.TrustedIssuers)
	if err != nil {
		return 0, err
	}
	return verifyClaims(claims, req, peerCert)
}
