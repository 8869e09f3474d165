// Package skribe defines devonloop-wide logging types and functions.
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

// redactedPrefixes names environment variable prefixes whose values must
// never reach a log line, matching the prefixes the Shell Channel itself
// strips from a subprocess's environment before spawning it.
var redactedPrefixes = []string{
	"DEVONLOOP_",
}

// Redact scrubs the values of environment-variable-shaped strings
// ("KEY=value") in arr whose key starts with a redacted prefix, leaving
// everything else untouched.
func Redact(arr []string) []string {
	ret := make([]string, 0, len(arr))
	for _, s := range arr {
		redacted := s
		for _, prefix := range redactedPrefixes {
			if strings.HasPrefix(s, prefix) {
				key, _, ok := strings.Cut(s, "=")
				if ok {
					redacted = key + "=[REDACTED]"
				}
				break
			}
		}
		ret = append(ret, redacted)
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
