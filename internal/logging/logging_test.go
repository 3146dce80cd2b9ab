package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewSetsServiceField(t *testing.T) {
	logger := New(Config{Service: "test-svc", Level: "debug"})
	var buf bytes.Buffer
	l := logger.Output(&buf)
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"service":"test-svc"`) {
		t.Fatalf("output = %q, want service field", buf.String())
	}
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	New(Config{Level: "not-a-level"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("global level = %v, want InfoLevel", zerolog.GlobalLevel())
	}
}
