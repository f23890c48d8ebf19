package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that identify redemption records and never carry secrets.
var plainKeys = map[string]struct{}{
	"service":        {},
	"env":            {},
	"error":          {},
	"component":      {},
	"session_id":     {},
	"shop_id":        {},
	"transaction_id": {},
	"status":         {},
	"outcome":        {},
	"operation":      {},
}

// IsAllowlisted reports whether key may be logged as is.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue hides value unless it is blank.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds an attribute whose value is hidden unless key is allowlisted.
// Approval proofs and bearer tokens go through here.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
