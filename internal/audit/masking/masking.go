package masking

import "strings"

const maskToken = "****"

var sensitiveKeys = map[string]struct{}{
	"receipt":       {},
	"token":         {},
	"signature":     {},
	"authorization": {},
	"secret":        {},
}

// MaskSecret redacts a secret while keeping a short suffix for dispute lookups.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 8 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskMetadata returns a copy of input where values under sensitive keys are
// redacted. Nested maps are walked; other values are kept as-is.
func MaskMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if isSensitive(trimmedKey) {
			masked[trimmedKey] = maskValue(value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			masked[trimmedKey] = MaskMetadata(nested)
			continue
		}
		masked[trimmedKey] = value
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	for suffix := range sensitiveKeys {
		if strings.HasSuffix(key, "_"+suffix) {
			return true
		}
	}
	return false
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case nil:
		return nil
	default:
		return maskToken
	}
}
