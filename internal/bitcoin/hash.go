// Package bitcoin holds the hashing, Merkle, difficulty and coinbase
// primitives used to build mining jobs, plus the clients that talk to the
// upstream node.
package bitcoin

import (
	"encoding/hex"
	"strconv"
	"strings"

	sha256 "github.com/minio/sha256-simd"

	"github.com/bardlex/poolcore/pkg/errors"
)

// Sha256 returns the SHA-256 digest of b.
func Sha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// DoubleSha256 returns SHA-256(SHA-256(b)).
func DoubleSha256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Sha256Hex hashes the bytes of s and returns the lowercase hex digest.
func Sha256Hex(s string) string {
	sum := Sha256([]byte(s))
	return HexEncode(sum[:])
}

// HexEncode returns the lowercase hex encoding of b.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode is the inverse of HexEncode. Odd-length or non-hex input yields a
// decode error.
func HexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.Decode(nil, "hex_decode", "odd-length hex string").
			WithContext("length", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Decode(err, "hex_decode", "invalid hex string")
	}
	return b, nil
}

// ToHexString formats value as zero-padded hex of width bits/4. Values wider
// than bits are masked to their low bits. bits must be a positive multiple of 4.
func ToHexString(value uint64, bits int) string {
	width := bits / 4
	if bits < 64 {
		value &= (uint64(1) << uint(bits)) - 1
	}
	digits := strconv.FormatUint(value, 16)
	if len(digits) >= width {
		return digits
	}
	return strings.Repeat("0", width-len(digits)) + digits
}

// IsHex reports whether s is non-empty and consists only of hex digits.
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
