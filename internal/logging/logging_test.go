package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = New(&buf)
	defer func() { log.Logger = prev }()

	logger := WithComponent("engine")
	logger.Info().Int("classes", 101).Msg("model ready")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	if entry["component"] != "engine" || entry["message"] != "model ready" || entry["classes"] != float64(101) {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp")
	}
}
