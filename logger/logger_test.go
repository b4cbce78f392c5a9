package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, TraceLevel, ParseLogLevel("trace"))
	assert.Equal(t, DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	// Unknown levels default to info.
	assert.Equal(t, InfoLevel, ParseLogLevel("loud"))
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(&Config{
		Level:  InfoLevel,
		JSON:   true,
		Output: &buf,
	})

	log.Info("token issued",
		String("user", "alice"),
		Bool("scoped", true),
		Int("attempt", 1),
	)

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"message":"token issued"`)
	assert.Contains(t, out, `"user":"alice"`)
	assert.Contains(t, out, `"scoped":true`)
	assert.Contains(t, out, `"attempt":1`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(&Config{
		Level:  WarnLevel,
		JSON:   true,
		Output: &buf,
	})

	log.Debug("dropped")
	log.Info("dropped too")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")

	assert.True(t, log.IsLevelEnabled(ErrorLevel))
	assert.False(t, log.IsLevelEnabled(DebugLevel))
}

func TestWithSubsystem(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(&Config{
		Level:  InfoLevel,
		JSON:   true,
		Output: &buf,
	})

	sub := log.WithSubsystem("roletoken")
	sub.Info("swept")
	assert.Contains(t, buf.String(), `"module":"roletoken"`)
}

func TestErrField(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(&Config{
		Level:  InfoLevel,
		JSON:   true,
		Output: &buf,
	})

	log.Error("sweep failed", Err(errors.New("store unreachable")))
	assert.Contains(t, buf.String(), "store unreachable")
}
