package cid

import (
	"crypto/sha256"
	"encoding/base32"
)

// Encoding is the lowercase RFC 4648 base32 alphabet used by CIDv1
// base32 (multibase prefix 'b'), without padding.
var Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

const (
	version      = 0x01 // CIDv1
	codecDagCBOR = 0x71
	mhSHA256     = 0x12
	mhLength     = 0x20 // 32 bytes
)

// Compute returns the CIDv1 of data: dag-cbor codec, sha2-256 multihash,
// base32-lower multibase. The codec and hash are fixed constants; they are
// never inferred from the input.
func Compute(data []byte) string {
	sum := sha256.Sum256(data)
	buf := make([]byte, 0, 4+sha256.Size)
	buf = append(buf, version, codecDagCBOR, mhSHA256, mhLength)
	buf = append(buf, sum[:]...)
	return "b" + Encoding.EncodeToString(buf)
}

// Verify reports whether claimed is exactly the CID of data.
func Verify(claimed string, data []byte) bool {
	return claimed == Compute(data)
}
