package log

import (
	"log/slog"
	"strings"
)

const redacted = "[redacted]"

// addressKeys hold recipient addresses. Values are masked with RedactEmail.
var addressKeys = map[string]bool{
	"email":     true,
	"recipient": true,
	"to":        true,
}

// secretKeys are never written, whatever their value.
var secretKeys = map[string]bool{
	"token":         true,
	"api_key":       true,
	"authorization": true,
}

// redactAttr is the handler ReplaceAttr. Call sites pass raw addresses.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	switch {
	case secretKeys[key]:
		return slog.String(a.Key, redacted)
	case addressKeys[key] || strings.HasSuffix(key, "_email"):
		if a.Value.Kind() == slog.KindString {
			return slog.String(a.Key, RedactEmail(a.Value.String()))
		}
		return slog.String(a.Key, redacted)
	}
	return a
}

// RedactEmail keeps the first character of the local part and the full domain,
// so logs can correlate recipients without carrying the address.
// "reader@example.com" -> "r***@example.com". Already masked values pass through unchanged.
func RedactEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
