package helper

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWords(t *testing.T) {
	first, err := GenerateWords()
	require.NoError(t, err)
	second, err := GenerateWords()
	require.NoError(t, err)

	// 64 bits of randomness; two draws colliding means a broken source.
	assert.NotEqual(t, first, second)
}

func TestGenerateOpaqueToken(t *testing.T) {
	token, err := GenerateOpaqueToken("kmu", 24)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "kmu."))
	assert.Len(t, token, len("kmu.")+24)

	bare, err := GenerateOpaqueToken("", 8)
	require.NoError(t, err)
	assert.Len(t, bare, 8)
	assert.NotContains(t, bare, ".")
}

func TestGenerateRequestID(t *testing.T) {
	first := GenerateRequestID()
	second := GenerateRequestID()
	assert.Len(t, first, 26)
	assert.NotEqual(t, first, second)
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	formatted := FormatTime(now)
	assert.Equal(t, "2026-08-30T08:30:00Z", formatted)

	parsed, err := ParseTime(formatted)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestExpiresAt(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now.Add(time.Hour), ExpiresAt(now, time.Hour))
	assert.True(t, ExpiresAt(now, 0).IsZero())
	assert.True(t, ExpiresAt(now, -time.Second).IsZero())
}
