package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestProductionLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger("test", LoggingConfig{Level: "warn", Format: "text"})
	logger.SetOutput(&buf)

	logger.Debug("debug line", nil)
	logger.Info("info line", nil)
	logger.Warn("warn line", nil)

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("lines below warn should be suppressed, got: %s", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Errorf("warn line should be emitted, got: %s", out)
	}
}

func TestProductionLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger("orders", LoggingConfig{Level: "info", Format: "json"})
	logger.SetOutput(&buf)

	logger.Info("action completed", map[string]interface{}{
		"action_id": "a1",
		"platform":  "notion",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if entry["message"] != "action completed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["service"] != "orders" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["action_id"] != "a1" {
		t.Errorf("action_id = %v", entry["action_id"])
	}
	if entry["component"] != "orchestrator" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestProductionLoggerTextFieldOrdering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger("test", LoggingConfig{Level: "info", Format: "text"})
	logger.SetOutput(&buf)

	logger.Info("dispatch", map[string]interface{}{
		"zzz":       "last",
		"action_id": "a9",
		"platform":  "slack",
	})

	out := buf.String()
	actionIdx := strings.Index(out, "action_id=a9")
	platformIdx := strings.Index(out, "platform=slack")
	zzzIdx := strings.Index(out, "zzz=last")
	if actionIdx == -1 || platformIdx == -1 || zzzIdx == -1 {
		t.Fatalf("missing fields in output: %s", out)
	}
	if !(actionIdx < platformIdx && platformIdx < zzzIdx) {
		t.Errorf("common fields should lead: %s", out)
	}
}

func TestProductionLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger("test", LoggingConfig{Level: "info", Format: "text"})
	logger.SetOutput(&buf)

	logger.Debug("hidden", nil)
	logger.SetLevel("debug")
	logger.Debug("visible", nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug should be suppressed at info level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("debug should be emitted after SetLevel(debug)")
	}
}
