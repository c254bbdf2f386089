package receipt

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func encode(t *testing.T, m map[string]any) []byte {
	t.Helper()
	data, err := cbor.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDecodeFullEnvelope(t *testing.T) {
	data := encode(t, map[string]any{
		"receipt_type": "jar.member_added",
		"sender_did":   "did:phone:" + hex64("a"),
		"timestamp":    uint64(1700000000000),
		"parent_cid":   "bafyparent",
		"payload":      map[string]any{"member_did": "did:phone:" + hex64("b")},
	})
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.ReceiptType != TypeMemberAdded {
		t.Fatalf("receipt_type = %q", env.ReceiptType)
	}
	if env.Timestamp != 1700000000000 {
		t.Fatalf("timestamp = %d", env.Timestamp)
	}
	if env.ParentCID != "bafyparent" {
		t.Fatalf("parent_cid = %q", env.ParentCID)
	}
	member, ok := env.MemberDID()
	if !ok || member != "did:phone:"+hex64("b") {
		t.Fatalf("member = %q ok=%v", member, ok)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not cbor":          []byte("definitely not cbor"),
		"empty":             {},
		"missing type":     encode(t, map[string]any{"sender_did": "did:phone:" + hex64("a"), "timestamp": uint64(1)}),
		"missing sender":   encode(t, map[string]any{"receipt_type": "jar.created", "timestamp": uint64(1)}),
		"wrong did method": encode(t, map[string]any{"receipt_type": "jar.created", "sender_did": "did:web:example.com", "timestamp": uint64(1)}),
		"oversized ts":     encode(t, map[string]any{"receipt_type": "jar.created", "sender_did": "did:phone:" + hex64("a"), "timestamp": uint64(1) << 63}),
	}
	for name, data := range cases {
		if _, err := Decode(data); err == nil {
			t.Errorf("%s: Decode accepted invalid input", name)
		}
	}
}

func TestExtractSenderDID(t *testing.T) {
	did := "did:phone:" + hex64("c")
	data := encode(t, map[string]any{
		"receipt_type": "jar.created",
		"sender_did":   did,
		"timestamp":    uint64(42),
	})
	got, err := ExtractSenderDID(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != did {
		t.Fatalf("sender = %q, want %q", got, did)
	}

	if _, err := ExtractSenderDID([]byte{0xff, 0x00}); err == nil {
		t.Fatal("accepted garbage bytes")
	}
}

func TestMemberDIDAcceptsLegacySpelling(t *testing.T) {
	did := "did:phone:" + hex64("d")
	data := encode(t, map[string]any{
		"receipt_type": "jar.member_added",
		"sender_did":   "did:phone:" + hex64("a"),
		"timestamp":    uint64(1),
		"payload":      map[string]any{"memberDID": did},
	})
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	member, ok := env.MemberDID()
	if !ok || member != did {
		t.Fatalf("member = %q ok=%v", member, ok)
	}
}

func TestMemberDIDAbsent(t *testing.T) {
	data := encode(t, map[string]any{
		"receipt_type": "jar.created",
		"sender_did":   "did:phone:" + hex64("a"),
		"timestamp":    uint64(1),
	})
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env.MemberDID(); ok {
		t.Fatal("member reported for payload-less receipt")
	}
}

func hex64(c string) string {
	out := ""
	for len(out) < 64 {
		out += c
	}
	return out[:64]
}
