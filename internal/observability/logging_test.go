package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_JSONOutputWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := WithConnID(WithUserID(context.Background(), "100000000000000001"), "conn-1")
	logger.Info(ctx, "subscribed", "filters", "status")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "subscribed" {
		t.Errorf("unexpected message: %v", record["msg"])
	}
	if record["conn_id"] != "conn-1" {
		t.Errorf("conn_id not propagated from context: %v", record)
	}
	if record["user_id"] != "100000000000000001" {
		t.Errorf("user_id not propagated from context: %v", record)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info(context.Background(), "should be dropped")
	logger.Warn(context.Background(), "should be kept")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("info record logged at warn level")
	}
	if !strings.Contains(out, "should be kept") {
		t.Error("warn record missing")
	}
}

func TestLogger_RedactsBotToken(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "text", Output: &buf})

	token := "MTA5NzY1NDMyMTA5ODc2NTQzMjE.GabcDE.abcdefghijklmnopqrstuvwxyz0"
	logger.Error(context.Background(), "login failed", "detail", "token "+token+" rejected")

	if strings.Contains(buf.String(), token) {
		t.Error("bot token leaked into log output")
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Error("redaction marker missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	if LogLevelFromString("debug") != slog.LevelDebug {
		t.Error("debug level not parsed")
	}
	if LogLevelFromString("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
