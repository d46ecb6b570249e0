package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultRedactLimit bounds the length of a rendered payload.
const DefaultRedactLimit = 2000

// bulkyKeys are fields that usually carry encoded audio.
var bulkyKeys = map[string]bool{
	"audio":   true,
	"pcm":     true,
	"base64":  true,
	"chunk":   true,
	"buffer":  true,
	"payload": true,
	"blob":    true,
}

// Redact renders v for logging. Audio-bearing string fields are replaced by
// their length and the result is truncated to limit characters.
func Redact(v any, limit int) string {
	if limit <= 0 {
		limit = DefaultRedactLimit
	}

	var s string
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case []byte:
		head := x
		if len(head) > 120 {
			head = head[:120]
		}
		return fmt.Sprintf("<bytes len=%d head=%q...>", len(x), string(head))
	case string:
		s = x
	case map[string]any:
		s = marshal(redactMap(x))
	case []any:
		s = marshal(x)
	default:
		s = fmt.Sprint(x)
	}

	if len(s) > limit {
		return s[:limit] + fmt.Sprintf("... <len=%d>", len(s))
	}
	return s
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if bulkyKeys[strings.ToLower(k)] {
			switch x := v.(type) {
			case string:
				out[k] = fmt.Sprintf("<%s len=%d redacted>", k, len(x))
				continue
			case []byte:
				out[k] = fmt.Sprintf("<%s len=%d redacted>", k, len(x))
				continue
			case map[string]any:
				out[k] = fmt.Sprintf("<%s chunks=%d redacted>", k, len(x))
				continue
			case []any:
				out[k] = fmt.Sprintf("<%s chunks=%d redacted>", k, len(x))
				continue
			}
		}
		if inner, ok := v.(map[string]any); ok {
			out[k] = redactMap(inner)
			continue
		}
		out[k] = v
	}
	return out
}

func marshal(v any) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("<fmt_err %v>", err)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
