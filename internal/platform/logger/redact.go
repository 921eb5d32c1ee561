package logger

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// RedactingHandler masks sensitive log attributes.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps inner with redaction of the given keys.
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	keys := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: keys}
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	out.AddAttrs(h.sanitize(attrs)...)
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithAttrs(h.sanitize(attrs)), keys: h.keys}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) sanitize(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
			out = append(out, slog.String(a.Key, redacted))
			continue
		}
		v := a.Value.Resolve()
		switch {
		case v.Kind() == slog.KindGroup:
			out = append(out, slog.Attr{Key: a.Key, Value: slog.GroupValue(h.sanitize(v.Group())...)})
		case v.Kind() == slog.KindString && looksSensitive(v.String()):
			out = append(out, slog.String(a.Key, redacted))
		default:
			out = append(out, a)
		}
	}
	return out
}

// looksSensitive catches credentials leaked inside URLs and error texts.
// Values masked by httpclient.RedactQuery are left alone.
func looksSensitive(s string) bool {
	l := strings.ToLower(s)
	for _, marker := range []string{"api_key=", "token=", "password="} {
		i := strings.Index(l, marker)
		if i >= 0 && !strings.HasPrefix(l[i+len(marker):], "xxxxx") {
			return true
		}
	}
	return false
}
