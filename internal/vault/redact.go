package vault

import (
	"fmt"
	"strings"
)

const redactKeepTail = 4

var sensitiveKeys = []string{"password", "token", "secret", "key", "auth"}

// Redact returns a copy of in safe for logging: values under sensitive keys
// (password, token, secret, key, auth*) are masked down to their last four
// characters, recursively through nested maps.
func Redact(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = Redact(nested)
		case map[string]string:
			m := make(map[string]any, len(nested))
			for nk, nv := range nested {
				m[nk] = nv
			}
			out[k] = Redact(m)
		default:
			if isSensitive(k) {
				out[k] = mask(fmt.Sprintf("%v", v))
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func isSensitive(key string) bool {
	lk := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}

func mask(value string) string {
	if len(value) <= redactKeepTail {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", 4) + value[len(value)-redactKeepTail:]
}
