// Package payload turns "play audio" event payloads into ordered, decoded
// audio fragments.
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fragment is one decoded, independently playable unit of audio.
type Fragment struct {
	Data       []byte
	FormatHint string
	Device     string
}

// ErrMalformedPayload is returned when no audio-bearing field is found.
var ErrMalformedPayload = errors.New("payload does not contain an audio field")

// DecodeError reports a chunk whose base64 content could not be decoded.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode audio chunk %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// matcher inspects a payload body and either returns its encoded audio chunks
// in playback order or declines.
type matcher struct {
	name  string
	match func(body map[string]any) ([]string, bool)
}

// matchers are tried in priority order.
var matchers = []matcher{
	{name: "keyed-chunks", match: matchKeyedChunks},
	{name: "chunk-list", match: matchChunkList},
	{name: "single-blob", match: matchSingleBlob},
}

// Normalize extracts the audio fragments from p in playback order and tags
// each with device. A body nested under "data" is unwrapped first. The
// "format" or "mime" field, when present, is used as the hint for every
// fragment.
func Normalize(p map[string]any, device string) ([]Fragment, error) {
	body := Unwrap(p)
	hint := Hint(body)

	for _, m := range matchers {
		chunks, ok := m.match(body)
		if !ok {
			continue
		}

		frags := make([]Fragment, 0, len(chunks))
		for i, c := range chunks {
			data, err := DecodeBase64(c)
			if err != nil {
				return nil, &DecodeError{Index: i, Err: err}
			}
			frags = append(frags, Fragment{Data: data, FormatHint: hint, Device: device})
		}
		return frags, nil
	}

	return nil, fmt.Errorf("%w (keys: %s)", ErrMalformedPayload, strings.Join(sortedKeys(body), ", "))
}

// Unwrap returns p["data"] when it is an object, otherwise p.
func Unwrap(p map[string]any) map[string]any {
	if inner, ok := p["data"].(map[string]any); ok {
		return inner
	}
	return p
}

// Hint returns the format hint carried by body, if any.
func Hint(body map[string]any) string {
	for _, key := range []string{"format", "mime"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func matchKeyedChunks(body map[string]any) ([]string, bool) {
	m, ok := body["audio"].(map[string]any)
	if !ok {
		return nil, false
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortChunkKeys(keys)

	chunks := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := chunkString(m[k]); ok {
			chunks = append(chunks, s)
		}
	}
	return chunks, len(chunks) > 0
}

// sortChunkKeys orders keys numerically when every key is an integer and
// lexicographically otherwise, so reassembly order is always deterministic.
func sortChunkKeys(keys []string) {
	nums := make(map[string]int, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			sort.Strings(keys)
			return
		}
		nums[k] = n
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if nums[keys[i]] != nums[keys[j]] {
			return nums[keys[i]] < nums[keys[j]]
		}
		return keys[i] < keys[j]
	})
}

func matchChunkList(body map[string]any) ([]string, bool) {
	list, ok := body["audio"].([]any)
	if !ok {
		return nil, false
	}

	chunks := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := chunkString(v); ok {
			chunks = append(chunks, s)
		}
	}
	return chunks, len(chunks) > 0
}

func matchSingleBlob(body map[string]any) ([]string, bool) {
	for _, key := range []string{"audio", "base64", "blob"} {
		if s, ok := chunkString(body[key]); ok {
			return []string{s}, true
		}
	}
	return nil, false
}

// chunkString accepts non-empty strings and byte slices.
func chunkString(v any) (string, bool) {
	switch c := v.(type) {
	case string:
		return c, c != ""
	case []byte:
		return string(c), len(c) > 0
	}
	return "", false
}

// DecodeBase64 decodes standard base64. When strict decoding fails and the
// input contains a comma, as in "data:audio/mpeg;base64,<data>", the part
// after the first comma is decoded permissively.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}

	i := strings.IndexByte(s, ',')
	if i < 0 {
		return nil, err
	}
	return decodeLenient(s[i+1:])
}

// decodeLenient discards characters outside the base64 alphabet and accepts
// missing padding.
func decodeLenient(s string) ([]byte, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
			b.WriteByte(c)
		case c == '-':
			b.WriteByte('+')
		case c == '_':
			b.WriteByte('/')
		}
	}
	return base64.RawStdEncoding.DecodeString(b.String())
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
