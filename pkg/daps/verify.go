package daps

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
)

// lookupInSet resolves the verification key by the kid header. An empty kid
// is resolved only when the set holds exactly one signing key.
func lookupInSet(set *jose.JSONWebKeySet) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if set == nil {
			return nil, ErrUnknownKey
		}
		var candidates []jose.JSONWebKey
		if kid != "" {
			candidates = set.Key(kid)
		} else {
			candidates = set.Keys
		}
		candidates = slices.DeleteFunc(slices.Clone(candidates), func(k jose.JSONWebKey) bool {
			return k.Use != "" && k.Use != "sig"
		})
		if len(candidates) != 1 {
			return nil, fmt.Errorf("%w: kid %q matches %d keys", ErrUnknownKey, kid, len(candidates))
		}
		return candidates[0].Public().Key, nil
	}
}

// parseToken checks the signature and time claims of a DAT and returns its
// claims. issuers restricts the accepted iss claim when non-empty.
func parseToken(token []byte, lookup jwt.Keyfunc, issuers []string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(string(token), claims, lookup, jwt.WithValidMethods(validMethods))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if len(issuers) > 0 && !slices.Contains(issuers, claims.Issuer) {
		return nil, fmt.Errorf("%w: untrusted issuer %q", ErrInvalidToken, claims.Issuer)
	}
	return claims, nil
}

// signingMethod picks the JWS algorithm for a private key.
func signingMethod(key crypto.Signer) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256, nil
		case elliptic.P384():
			return jwt.SigningMethodES384, nil
		}
		return nil, fmt.Errorf("%w: unsupported curve %s", ErrInvalidDapsConfig, k.Curve.Params().Name)
	default:
		return nil, fmt.Errorf("%w: unsupported signing key %T", ErrInvalidDapsConfig, key)
	}
}

// signClaims produces a compact JWS.
func signClaims(claims jwt.Claims, key crypto.Signer, kid string) (string, error) {
	method, err := signingMethod(key)
	if err != nil {
		return "", err
	}
	t := jwt.NewWithClaims(method, claims)
	if kid != "" {
		t.Header["kid"] = kid
	}
	return t.SignedString(key)
}

// verifyClaims wraps checkClaims with the current time.
func verifyClaims(c *Claims, req SecurityRequirements, peerCert *x509.Certificate) (time.Duration, error) {
	return checkClaims(c, req, peerCert, time.Now())
}
