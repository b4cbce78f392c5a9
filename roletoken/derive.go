package roletoken

import (
	"fmt"
)

// Words is a 64-bit quantity handled as four big-endian 16-bit words. The
// base id, role secret id, and verify nonce all take this shape.
type Words [4]uint16

// XOR combines two quantities word-wise
func (w Words) XOR(other Words) Words {
	var out Words
	for i := range w {
		out[i] = w[i] ^ other[i]
	}
	return out
}

// Hex renders the quantity as 16 zero-padded lowercase hex characters
func (w Words) Hex() string {
	return fmt.Sprintf("%04x%04x%04x%04x", w[0], w[1], w[2], w[3])
}

// Slice returns the words as a slice for persistence
func (w Words) Slice() []uint16 {
	return []uint16{w[0], w[1], w[2], w[3]}
}

// TokenIDLength is the exact length of a role token id: two hex-rendered
// 64-bit halves.
const TokenIDLength = 32

// DeriveTokenID derives a role token id from the creator's base id, the
// role's current secret id, and a verify nonce:
//
//	token_id = hex(base ⊕ nonce) ++ hex(role ⊕ nonce)
//
// The id is self-verifying: anyone holding the stored base and nonce plus
// the role's current secret can recompute it. Rotating the role's secret
// changes the second half, so every outstanding token stops verifying
// without being touched.
func DeriveTokenID(base, role, nonce Words) string {
	return base.XOR(nonce).Hex() + role.XOR(nonce).Hex()
}

// IsTokenID reports whether a credential string has the exact shape of a
// role token id: 32 lowercase hexadecimal characters.
func IsTokenID(s string) bool {
	if len(s) != TokenIDLength {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// wordsFromInts converts persisted word values back into Words, checking
// the 4-word shape and the 16-bit range.
func wordsFromInts(raw []int, field string) (Words, error) {
	var words Words
	if len(raw) != len(words) {
		return words, fmt.Errorf("field %q must hold exactly %d words, got %d", field, len(words), len(raw))
	}
	for i, v := range raw {
		if v < 0 || v > 0xffff {
			return words, fmt.Errorf("field %q word %d out of range: %d", field, i, v)
		}
		words[i] = uint16(v)
	}
	return words, nil
}
