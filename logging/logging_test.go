package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter("info", true, false, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Debugw("hidden")
	log.Named("crank").Infow("crank pass", "expired", 2)
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above debug level, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["logger"] != "crank" || entry["msg"] != "crank pass" || entry["expired"] != float64(2) {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewWriterBadLevel(t *testing.T) {
	if _, err := NewWriter("loud", false, false, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
