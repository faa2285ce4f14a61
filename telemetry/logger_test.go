package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestLogger(level, format string) (*TelemetryLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := &TelemetryLogger{
		level:        level,
		debug:        level == "DEBUG",
		serviceName:  "actionplane-test",
		format:       format,
		output:       buf,
		errorLimiter: NewRateLimiter(time.Hour),
	}
	return l, buf
}

func TestTelemetryLoggerLevelFiltering(t *testing.T) {
	l, buf := newTestLogger("WARN", "text")

	l.Debug("debug msg", nil)
	l.Info("info msg", nil)
	if buf.Len() != 0 {
		t.Errorf("below-threshold levels should be suppressed: %q", buf.String())
	}

	l.Warn("warn msg", nil)
	l.Error("error msg", nil)
	out := buf.String()
	if !strings.Contains(out, "warn msg") || !strings.Contains(out, "error msg") {
		t.Errorf("warn/error should be logged: %q", out)
	}
}

func TestTelemetryLoggerJSONFormat(t *testing.T) {
	l, buf := newTestLogger("INFO", "json")

	l.Info("collector reachable", map[string]interface{}{
		"endpoint": "localhost:4318",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}

	if entry["level"] != "INFO" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["component"] != "telemetry" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["service"] != "actionplane-test" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["message"] != "collector reachable" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["endpoint"] != "localhost:4318" {
		t.Errorf("endpoint = %v", entry["endpoint"])
	}
}

func TestTelemetryLoggerTextFieldOrdering(t *testing.T) {
	l, buf := newTestLogger("INFO", "text")

	l.Warn("emission failing", map[string]interface{}{
		"zz_extra": 1,
		"error":    "connection refused",
		"endpoint": "collector:4318",
	})

	out := buf.String()
	endpointIdx := strings.Index(out, "endpoint=")
	errorIdx := strings.Index(out, "error=")
	extraIdx := strings.Index(out, "zz_extra=")

	if endpointIdx == -1 || errorIdx == -1 || extraIdx == -1 {
		t.Fatalf("missing fields in output: %q", out)
	}
	if !(endpointIdx < errorIdx && errorIdx < extraIdx) {
		t.Errorf("priority fields should lead: %q", out)
	}
}

func TestTelemetryLoggerErrorRateLimit(t *testing.T) {
	l, buf := newTestLogger("INFO", "text")
	l.errorLimiter = NewRateLimiter(time.Hour)

	l.Error("first", nil)
	l.Error("second", nil)

	out := buf.String()
	if !strings.Contains(out, "first") {
		t.Errorf("first error should log: %q", out)
	}
	if strings.Contains(out, "second") {
		t.Errorf("second error within interval should be suppressed: %q", out)
	}
}

func TestTelemetryLoggerSetLevel(t *testing.T) {
	l, buf := newTestLogger("ERROR", "text")

	l.Info("hidden", nil)
	if buf.Len() != 0 {
		t.Fatal("info should be suppressed at ERROR level")
	}

	l.SetLevel("debug")
	l.Debug("now visible", nil)
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug should log after SetLevel: %q", buf.String())
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(50 * time.Millisecond)

	if !rl.Allow() {
		t.Error("first call should be allowed")
	}
	if rl.Allow() {
		t.Error("immediate second call should be denied")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow() {
		t.Error("call after interval should be allowed")
	}
}
