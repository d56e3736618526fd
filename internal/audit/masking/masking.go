// Package masking redacts audit metadata before it is stored. Buyer
// identifiers keep a short suffix so operators can still correlate a
// complaint; credentials are dropped entirely.
package masking

import "strings"

const maskToken = "****"

type rule int

const (
	keepSuffix rule = iota + 1
	redact
)

var rules = map[string]rule{
	"requester_id":    keepSuffix,
	"member_id":       keepSuffix,
	"leader_id":       keepSuffix,
	"idempotency_key": keepSuffix,
	"token":           redact,
	"authorization":   redact,
}

// MaskID keeps the last four characters of an identifier.
func MaskID(value string) string {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return ""
	case len(value) <= 4:
		return maskToken
	default:
		return maskToken + value[len(value)-4:]
	}
}

// MaskSensitive returns a masked copy of metadata. Nested maps are walked.
func MaskSensitive(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		switch rules[strings.ToLower(key)] {
		case redact:
			out[key] = maskToken
		case keepSuffix:
			if s, ok := value.(string); ok {
				out[key] = MaskID(s)
			} else {
				out[key] = maskToken
			}
		default:
			if nested, ok := value.(map[string]any); ok {
				value = MaskSensitive(nested)
			}
			out[key] = value
		}
	}
	return out
}
