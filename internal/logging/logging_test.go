package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"job submitted\"", "job=align"}},
		{"json", []string{`"msg":"job submitted"`, `"job":"align"`}},
		{"JSON", []string{`"msg":"job submitted"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf).Info("job submitted", "job", "align")
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	if strings.Contains(buf.String(), "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", buf.String())
	}
}

func TestNewLoggerWithWriter_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerWithWriter(slog.LevelDebug, "text", &buf).Debug("tick")
	if !strings.Contains(buf.String(), "source=") {
		t.Errorf("debug output should carry the source location, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCheckLevelAndFormat(t *testing.T) {
	if err := CheckLevel("warn"); err != nil {
		t.Errorf("CheckLevel(warn): %v", err)
	}
	if err := CheckLevel("loud"); err == nil {
		t.Error("CheckLevel(loud) should fail")
	}
	if err := CheckFormat("json"); err != nil {
		t.Errorf("CheckFormat(json): %v", err)
	}
	if err := CheckFormat("xml"); err == nil {
		t.Error("CheckFormat(xml) should fail")
	}
}
