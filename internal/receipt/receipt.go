// Package receipt decodes the canonical CBOR envelopes that make up a
// jar's append-only log. Decoding never trusts the signature: the sender
// DID must be extracted before any key lookup can happen.
package receipt

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Receipt types understood by the materializer. Unknown types are stored
// but ignored when updating membership.
const (
	TypeJarCreated     = "jar.created"
	TypeMemberAdded    = "jar.member_added"
	TypeInviteAccepted = "jar.invite_accepted"
	TypeMemberRemoved  = "jar.member_removed"
)

const phoneDIDPrefix = "did:phone:"

var (
	ErrMalformed    = errors.New("receipt: malformed envelope")
	ErrNoSenderDID  = errors.New("receipt: missing or invalid sender_did")
	ErrBadTimestamp = errors.New("receipt: timestamp out of range")
)

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		// Payloads decode into map[string]any targets; receipt maps only
		// ever use text keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("receipt: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the typed view of a receipt's top-level CBOR map.
type Envelope struct {
	ReceiptType string          `cbor:"receipt_type"`
	SenderDID   string          `cbor:"sender_did"`
	Timestamp   int64           `cbor:"timestamp"`
	ParentCID   string          `cbor:"parent_cid,omitempty"`
	Payload     cbor.RawMessage `cbor:"payload,omitempty"`
}

// Decode parses the full envelope. The timestamp field arrives as a CBOR
// unsigned integer of arbitrary width; the int64 target rejects values
// that do not fit, which keeps downstream SQL bindings fixed-width.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ReceiptType == "" {
		return nil, fmt.Errorf("%w: missing receipt_type", ErrMalformed)
	}
	if !strings.HasPrefix(env.SenderDID, phoneDIDPrefix) {
		return nil, ErrNoSenderDID
	}
	if env.Timestamp < 0 {
		return nil, ErrBadTimestamp
	}
	return &env, nil
}

// ExtractSenderDID is the targeted decoder used to find which device key
// to verify a receipt with. It reads only the sender_did field.
func ExtractSenderDID(data []byte) (string, error) {
	var probe struct {
		SenderDID string `cbor:"sender_did"`
	}
	if err := decMode.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !strings.HasPrefix(probe.SenderDID, phoneDIDPrefix) {
		return "", ErrNoSenderDID
	}
	return probe.SenderDID, nil
}

// PayloadMap decodes the nested payload map, or returns an empty map when
// the receipt carries none.
func (e *Envelope) PayloadMap() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := decMode.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// MemberDID returns the member this receipt acts on. Both historical
// payload spellings are accepted.
func (e *Envelope) MemberDID() (string, bool) {
	m, err := e.PayloadMap()
	if err != nil {
		return "", false
	}
	for _, key := range []string{"member_did", "memberDID"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
