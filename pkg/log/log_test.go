package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func initBuffer() *bytes.Buffer {
	buf := &bytes.Buffer{}
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: buf})
	return buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("log output not JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestChildLoggersChain(t *testing.T) {
	tests := []struct {
		name  string
		emit  func()
		field string
		want  string
	}{
		{"component", func() { WithComponent("vault").Info().Msg("hello") }, "component", "vault"},
		{"cluster", func() { WithCluster("corp").Warn().Msg("hello") }, "cluster", "corp"},
		{"node", func() { WithNode("ldap1:389").Debug().Msg("hello") }, "node", "ldap1:389"},
		{"request id", func() { WithRequestID("req-1").Error().Msg("hello") }, "request_id", "req-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := initBuffer()
			// Level methods must chain directly off the constructor.
			tt.emit()
			out := lastLine(t, buf)
			if out[tt.field] != tt.want {
				t.Errorf("field %s = %v, want %v", tt.field, out[tt.field], tt.want)
			}
			if out["message"] != "hello" {
				t.Errorf("message = %v", out["message"])
			}
		})
	}
}

func TestChildLoggerReuse(t *testing.T) {
	buf := initBuffer()
	logger := WithComponent("pool")
	logger.Info().Msg("first")
	logger.Warn().Msg("second")

	if got := bytes.Count(buf.Bytes(), []byte("\n")); got != 2 {
		t.Errorf("emitted %d lines, want 2", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"WARN", WarnLevel},
		{"warning", WarnLevel},
		{"ERROR", ErrorLevel},
		{"", InfoLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
