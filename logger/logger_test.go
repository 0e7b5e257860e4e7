package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeKVs_RedactsCredentials(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.With("ci", "https://ci.example.org").Info("connect", "password", "hunter2", "api_token", "abc", "rule", "deploy")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["password"] != "[REDACTED]" {
		t.Fatalf("password not redacted: %v", fields["password"])
	}
	if fields["api_token"] != "[REDACTED]" {
		t.Fatalf("token not redacted: %v", fields["api_token"])
	}
	if fields["rule"] != "deploy" || fields["ci"] != "https://ci.example.org" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestSanitizeKVs_OddLength(t *testing.T) {
	out := sanitizeKVs([]interface{}{"a", 1, "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"dev", "prod"} {
		l, err := New(mode, true)
		if err != nil {
			t.Fatalf("mode %s: %v", mode, err)
		}
		l.Debug("hello", "mode", mode)
	}
}
