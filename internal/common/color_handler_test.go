package common

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewColorHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewColorHandler(&buf, nil)

	if handler.writer != &buf {
		t.Error("Writer not set correctly")
	}
	if handler.masker == nil {
		t.Error("Masker not initialized")
	}
	if handler.useColor {
		t.Error("colors must be off for a non-terminal writer")
	}
}

func TestColorHandler_Enabled(t *testing.T) {
	var buf bytes.Buffer

	tests := []struct {
		name    string
		level   slog.Level
		opts    *slog.HandlerOptions
		enabled bool
	}{
		{"default level (info)", slog.LevelInfo, nil, true},
		{"debug level with info handler", slog.LevelDebug, nil, false},
		{"error level", slog.LevelError, nil, true},
		{"debug handler with debug level", slog.LevelDebug, &slog.HandlerOptions{Level: slog.LevelDebug}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewColorHandler(&buf, tt.opts)
			if got := handler.Enabled(context.Background(), tt.level); got != tt.enabled {
				t.Errorf("Enabled() = %t, want %t", got, tt.enabled)
			}
		})
	}
}

func TestColorHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	handler := NewColorHandler(&buf, nil)
	logger := slog.New(handler).With("component", "orchestrator")

	logger.Info("stage finished", "stage", "stage1", "status", "succeeded", "duration", 2*time.Second, "exit_code", 0)

	out := buf.String()
	for _, want := range []string{"[INFO ]", "stage finished", `component="orchestrator"`, `status="succeeded"`, "duration=2s", "exit_code=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("unexpected ANSI escapes in %q", out)
	}
}

func TestColorHandler_Colorized(t *testing.T) {
	var buf bytes.Buffer
	handler := NewColorHandler(&buf, nil)
	handler.SetColorEnabled(true)

	slog.New(handler).Error("stage failed", "status", "failed")

	out := buf.String()
	if !strings.Contains(out, Red+"[ERROR]"+Reset) {
		t.Errorf("expected red level in %q", out)
	}
	if !strings.Contains(out, Red+`"failed"`+Reset) {
		t.Errorf("expected red failure value in %q", out)
	}
}

func TestColorHandler_MasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	handler := NewColorHandler(&buf, nil)
	handler.SetMasker(NewMasker())

	slog.New(handler).Info("spawning",
		"command", "RELEASE_TOKEN=abc ./publish.sh",
		"github_token", "ghp_123",
		"error", errors.New("postgres://u:pw@h/db refused"))

	out := buf.String()
	for _, leaked := range []string{"abc", "ghp_123", ":pw@"} {
		if strings.Contains(out, leaked) {
			t.Errorf("output %q leaked %q", out, leaked)
		}
	}
}

func TestColorHandler_WithGroupAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := NewColorHandler(&buf, nil)

	h := base.WithGroup("executor").WithAttrs([]slog.Attr{slog.String("stage", "pd")})
	slog.New(h).Info("started")

	out := buf.String()
	if !strings.Contains(out, "[executor]") || !strings.Contains(out, `stage="pd"`) {
		t.Errorf("unexpected output %q", out)
	}
	if len(base.groups) != 0 || len(base.attrs) != 0 {
		t.Error("WithGroup/WithAttrs must not modify the parent handler")
	}
}
