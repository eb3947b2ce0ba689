// Package skribe defines loom-wide logging types and functions.
//
// Logging happens via slog.
package skribe

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

type attrsKey struct{}

// Redact replaces the values of API-key environment variables in arr.
func Redact(arr []string) []string {
	ret := make([]string, 0, len(arr))
	for _, s := range arr {
		name, _, ok := strings.Cut(s, "=")
		if ok && strings.HasSuffix(name, "_API_KEY") {
			ret = append(ret, name+"=[REDACTED]")
		} else {
			ret = append(ret, s)
		}
	}
	return ret
}

func ContextWithAttr(ctx context.Context, add ...slog.Attr) context.Context {
	attrs := slices.Clone(Attrs(ctx))
	attrs = append(attrs, add...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

// AttrsWrap returns a handler that augments every record with the
// attrs carried by the record's context.
func AttrsWrap(h slog.Handler) slog.Handler {
	return &augmentHandler{Handler: h}
}

type augmentHandler struct {
	slog.Handler
}

func (h *augmentHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := Attrs(ctx)
	r.AddAttrs(attrs...)
	return h.Handler.Handle(ctx, r)
}
