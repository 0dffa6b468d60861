package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// EIP55 computes the checksummed hex address string from a 20-byte raw address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20) // lower
	// keccak of lowercase hex
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)
	// apply checksum
	var out = make([]byte, 2+len(hexaddr))
	copy(out, []byte("0x"))
	for i, c := range []byte(hexaddr) {
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		// each hex char maps to 4 bits; i>>1 picks the byte; even/odd decides high/low nibble
		hb := hash[i>>1]
		nibble := hb
		if i%2 == 0 {
			nibble = (hb >> 4) & 0x0f
		} else {
			nibble = hb & 0x0f
		}
		if nibble >= 8 {
			out[2+i] = byte(strings.ToUpper(string(c))[0])
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}

// ParseAddress decodes a hex address string, rejecting malformed input.
// All-lower and all-upper forms are accepted; mixed-case must carry a
// valid EIP-55 checksum, since a checksum mismatch usually means a typo.
func ParseAddress(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != 40 {
		return nil, fmt.Errorf("address must be 20 bytes, got %q", s)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("malformed address %q: %w", s, err)
	}

	lower := strings.ToLower(trimmed)
	upper := strings.ToUpper(trimmed)
	if trimmed != lower && trimmed != upper {
		if want := EIP55(raw); s != want && "0x"+trimmed != want {
			return nil, fmt.Errorf("address %q fails EIP-55 checksum", s)
		}
	}
	return raw, nil
}
