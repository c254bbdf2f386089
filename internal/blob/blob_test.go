package blob

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	key := Key("8f14e45f-ceea-467f-a0f9-b1aac96ad651")
	if key != "messages/8f14e45f-ceea-467f-a0f9-b1aac96ad651.bin" {
		t.Fatalf("key = %q", key)
	}
	id, ok := MessageIDFromKey(key)
	if !ok || id != "8f14e45f-ceea-467f-a0f9-b1aac96ad651" {
		t.Fatalf("id = %q ok=%v", id, ok)
	}
}

func TestMessageIDFromKeyRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"receipts/abc.bin",
		"messages/abc.txt",
		"messages/",
		"abc.bin",
	} {
		if _, ok := MessageIDFromKey(key); ok {
			t.Errorf("MessageIDFromKey(%q) accepted", key)
		}
	}
}
