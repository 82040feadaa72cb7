package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"testing"
)

func TestSetup_RenamesKeysAndTagsService(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	logger := setup(&buf, "recurpay-api", "production")
	logger.Info("payment executed", "agreement_id", "a1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "payment executed" || line["severity"] != "INFO" {
		t.Fatalf("unexpected renamed keys %v", line)
	}
	if line["service"] != "recurpay-api" || line["env"] != "production" || line["agreement_id"] != "a1" {
		t.Fatalf("missing attributes %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", line)
	}

	logger.Debug("hidden")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("debug should be off outside development")
	}
}

func TestSetup_BridgesStdlibLog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	setup(&buf, "recurpay-api", "")
	log.Printf("legacy line")

	if !bytes.Contains(buf.Bytes(), []byte(`"message":"legacy line"`)) {
		t.Fatalf("expected stdlib log bridged to JSON, got %s", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte(`"env"`)) {
		t.Fatalf("empty env should be omitted, got %s", buf.String())
	}
}
