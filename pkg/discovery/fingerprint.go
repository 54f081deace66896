package discovery

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// ConnectorID derives a connector ID from a certificate.
//
// The ID is the first 64 bits (16 hex chars) of SHA-256(public key DER), so
// it survives certificate renewal with the same key.
func ConnectorID(cert *x509.Certificate) (string, error) {
	pubKeyDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return ConnectorIDFromPublicKeyBytes(pubKeyDER), nil
}

// ConnectorIDFromPublicKeyBytes derives a connector ID from raw public key DER bytes.
func ConnectorIDFromPublicKeyBytes(pubKeyDER []byte) string {
	hash := sha256.Sum256(pubKeyDER)
	return hex.EncodeToString(hash[:8])
}

// ValidateID checks if an ID string is a valid 64-bit fingerprint (16 hex chars).
func ValidateID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	return isHexString(id)
}
