package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// ANSI color codes
const (
	Reset   = "\033[0m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"
)

// ColorHandler implements a colorized text handler for slog
type ColorHandler struct {
	opts     *slog.HandlerOptions
	mu       *sync.Mutex
	writer   io.Writer
	attrs    []slog.Attr
	groups   []string
	masker   *Masker
	useColor bool
}

// NewColorHandler creates a new color handler
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ColorHandler{
		opts:     opts,
		mu:       &sync.Mutex{},
		writer:   w,
		useColor: shouldUseColor(w),
		masker:   GetGlobalMasker(),
	}
}

func shouldUseColor(w io.Writer) bool {
	if runtime.GOOS == "windows" || os.Getenv("NO_COLOR") != "" {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// Enabled reports whether the handler handles records at the given level
func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle handles the Record
func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 1024)

	if !r.Time.IsZero() {
		buf = append(buf, h.colorize(Gray, r.Time.Format(time.TimeOnly))...)
		buf = append(buf, ' ')
	}

	buf = append(buf, h.formatLevel(r.Level)...)
	buf = append(buf, ' ')

	if len(h.groups) > 0 {
		buf = append(buf, h.colorize(Cyan, "["+strings.Join(h.groups, ".")+"]")...)
		buf = append(buf, ' ')
	}

	buf = append(buf, h.colorize(White, h.maskMessage(r.Message))...)

	attrs := make([]slog.Attr, 0, r.NumAttrs()+len(h.attrs))
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	if len(attrs) > 0 {
		buf = append(buf, ' ')
		buf = h.formatAttributes(buf, h.maskAttributes(attrs))
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf)
	return err
}

func (h *ColorHandler) formatLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.colorize(Red, "[ERROR]")
	case level >= slog.LevelWarn:
		return h.colorize(Yellow, "[WARN ]")
	case level >= slog.LevelInfo:
		return h.colorize(Green, "[INFO ]")
	default:
		return h.colorize(Gray, "[DEBUG]")
	}
}

func (h *ColorHandler) formatAttributes(buf []byte, attrs []slog.Attr) []byte {
	for i, attr := range attrs {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, h.colorize(Cyan, attr.Key)...)
		buf = append(buf, '=')
		buf = append(buf, h.formatValue(attr.Value)...)
	}
	return buf
}

func (h *ColorHandler) formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		str := v.String()
		switch {
		case isFailureWord(str):
			return h.colorize(Red, fmt.Sprintf("%q", str))
		case isSuccessWord(str):
			return h.colorize(Green, fmt.Sprintf("%q", str))
		case str == "skipped":
			return h.colorize(Yellow, fmt.Sprintf("%q", str))
		default:
			return h.colorize(White, fmt.Sprintf("%q", str))
		}
	case slog.KindInt64:
		return h.colorize(Magenta, fmt.Sprintf("%d", v.Int64()))
	case slog.KindUint64:
		return h.colorize(Magenta, fmt.Sprintf("%d", v.Uint64()))
	case slog.KindFloat64:
		return h.colorize(Magenta, fmt.Sprintf("%g", v.Float64()))
	case slog.KindBool:
		if v.Bool() {
			return h.colorize(Green, "true")
		}
		return h.colorize(Red, "false")
	case slog.KindDuration:
		return h.colorize(Yellow, v.Duration().String())
	case slog.KindTime:
		return h.colorize(Gray, v.Time().Format(time.RFC3339))
	default:
		return h.colorize(White, v.String())
	}
}

func isFailureWord(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "error") || strings.Contains(s, "fail") || strings.Contains(s, "timeout")
}

func isSuccessWord(s string) bool {
	s = strings.ToLower(s)
	return s == "succeeded" || s == "ok" || strings.Contains(s, "success") || strings.Contains(s, "complete")
}

func (h *ColorHandler) colorize(color, text string) string {
	if !h.useColor {
		return text
	}
	return color + text + Reset
}

func (h *ColorHandler) maskMessage(msg string) string {
	if h.masker == nil {
		return msg
	}
	return h.masker.MaskString(msg)
}

func (h *ColorHandler) maskAttributes(attrs []slog.Attr) []slog.Attr {
	if h.masker == nil || !h.masker.IsEnabled() {
		return attrs
	}
	masked := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		masked[i] = attr
		if attr.Value.Kind() != slog.KindString && attr.Value.Kind() != slog.KindAny {
			if h.masker.IsSensitiveKey(attr.Key) {
				masked[i] = slog.String(attr.Key, MaskedValue)
			}
			continue
		}
		if s, ok := h.masker.MaskValue(attr.Key, attr.Value.Any()).(string); ok {
			masked[i] = slog.String(attr.Key, s)
		}
	}
	return masked
}

// WithAttrs returns a new ColorHandler with the given attributes added
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup returns a new ColorHandler with the given group name added
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

// SetMasker sets the masker for this handler
func (h *ColorHandler) SetMasker(masker *Masker) {
	h.masker = masker
}

// SetColorEnabled enables or disables colors
func (h *ColorHandler) SetColorEnabled(enabled bool) {
	h.useColor = enabled
}
