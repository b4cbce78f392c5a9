package helper

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/hashicorp/go-uuid"
	"github.com/oklog/ulid"
)

// GenerateWords draws 64 bits of cryptographically secure randomness as
// four big-endian 16-bit words.
func GenerateWords() ([4]uint16, error) {
	var words [4]uint16
	buf, err := uuid.GenerateRandomBytes(8)
	if err != nil {
		return words, fmt.Errorf("failed to draw random words: %w", err)
	}
	for i := range words {
		words[i] = binary.BigEndian.Uint16(buf[i*2:])
	}
	return words, nil
}

// GenerateOpaqueToken generates a base62 bearer token with the given prefix
func GenerateOpaqueToken(prefix string, length int) (string, error) {
	body, err := base62.Random(length)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return body, nil
	}
	return prefix + "." + body, nil
}

// GenerateRequestID returns a sortable unique request identifier
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
