// Package validate holds the wire-level syntax checks shared by every
// endpoint. Anything rejected here never reaches a store.
package validate

import (
	"encoding/base64"
	"regexp"

	"github.com/google/uuid"
)

// MaxRecipients bounds a direct-message fan-out and all batch lookups.
const MaxRecipients = 12

var (
	phoneDIDRe = regexp.MustCompile(`^did:phone:[0-9a-f]{64}$`)
	budsDIDRe  = regexp.MustCompile(`^did:buds:[1-9A-HJ-NP-Za-km-z]{1,44}$`)
	cidRe      = regexp.MustCompile(`^b[a-z2-7]{50,60}$`)
	phoneRe    = regexp.MustCompile(`^\+[1-9][0-9]{0,14}$`)
)

// DID accepts the phone-derived form (did:phone: plus 64 lowercase hex)
// and the legacy did:buds: form (1-44 base58 characters).
func DID(s string) bool {
	return phoneDIDRe.MatchString(s) || budsDIDRe.MatchString(s)
}

// UUIDv4 accepts canonical UUID strings of version 4.
func UUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}

// CID accepts base32-lower CIDv1 strings as produced by the cid package.
func CID(s string) bool {
	return cidRe.MatchString(s)
}

// Base64 accepts non-empty standard-alphabet base64, padded or not.
func Base64(s string) bool {
	if s == "" {
		return false
	}
	if _, err := base64.StdEncoding.DecodeString(s); err == nil {
		return true
	}
	_, err := base64.RawStdEncoding.DecodeString(s)
	return err == nil
}

// Signature accepts base64 encoding exactly 64 raw bytes (Ed25519).
func Signature(s string) bool {
	raw, ok := decodeB64(s)
	return ok && len(raw) == 64
}

// Phone accepts E.164: '+' then 1-15 digits with a non-zero lead.
func Phone(s string) bool {
	return phoneRe.MatchString(s)
}

// RecipientList accepts between 1 and MaxRecipients well-formed DIDs.
func RecipientList(dids []string) bool {
	if len(dids) == 0 || len(dids) > MaxRecipients {
		return false
	}
	for _, d := range dids {
		if !DID(d) {
			return false
		}
	}
	return true
}

// DecodeBase64 decodes standard-alphabet base64 with or without padding.
func DecodeBase64(s string) ([]byte, bool) {
	return decodeB64(s)
}

func decodeB64(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, true
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return raw, true
}
