// Package sigverify checks Ed25519 receipt signatures against stored
// device public keys.
package sigverify

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrBadKey       = errors.New("sigverify: public key is not a valid ed25519 key")
	ErrBadSignature = errors.New("sigverify: signature verification failed")
)

// Verify checks sig over exactly message (no re-canonicalization) using a
// base64-encoded Ed25519 public key as stored on a device row.
func Verify(pubKeyB64 string, message, sig []byte) error {
	raw, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadKey, len(raw))
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(raw), message, sig) {
		return ErrBadSignature
	}
	return nil
}
