// Package format identifies the container format of raw audio bytes.
package format

import (
	"bytes"
	"strings"
)

// Tag is a resolved container format.
type Tag int

const (
	// MP3 is MPEG-1/2 layer III, with or without an ID3 tag.
	MP3 Tag = iota
	// WAV is RIFF/WAVE.
	WAV
	// FLAC is native FLAC.
	FLAC
	// OGG is an Ogg container (Vorbis).
	OGG
)

// Default is returned when neither the hint nor the content identify a format.
const Default = MP3

// String returns the short format name.
func (t Tag) String() string {
	switch t {
	case WAV:
		return "wav"
	case FLAC:
		return "flac"
	case OGG:
		return "ogg"
	default:
		return "mp3"
	}
}

// Ext returns the file extension used for artifacts of this format.
func (t Tag) Ext() string {
	return "." + t.String()
}

// hintNames maps lowercase hint spellings (short names and MIME types) to tags.
var hintNames = map[string]Tag{
	"mp3":            MP3,
	"mpeg":           MP3,
	"mpga":           MP3,
	"audio/mpeg":     MP3,
	"audio/mp3":      MP3,
	"audio/mpeg3":    MP3,
	"audio/x-mpeg-3": MP3,

	"wav":            WAV,
	"wave":           WAV,
	"audio/wav":      WAV,
	"audio/x-wav":    WAV,
	"audio/wave":     WAV,
	"audio/vnd.wave": WAV,

	"flac":         FLAC,
	"audio/flac":   FLAC,
	"audio/x-flac": FLAC,

	"ogg":             OGG,
	"oga":             OGG,
	"vorbis":          OGG,
	"audio/ogg":       OGG,
	"application/ogg": OGG,
}

// ParseHint resolves a format hint such as "mp3" or "audio/mpeg; codecs=mp3".
// Matching is case-insensitive and ignores MIME parameters.
func ParseHint(hint string) (Tag, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(h, ';'); i >= 0 {
		h = strings.TrimSpace(h[:i])
	}
	if h == "" {
		return Default, false
	}
	tag, ok := hintNames[h]
	return tag, ok
}

// Sniff determines the format of data. A recognized hint always wins over the
// content; otherwise magic bytes are checked in the order WAV, MP3, FLAC, OGG.
// Unrecognized input yields Default.
func Sniff(data []byte, hint string) Tag {
	if tag, ok := ParseHint(hint); ok {
		return tag
	}
	if tag, ok := Detect(data); ok {
		return tag
	}
	return Default
}

// Detect inspects the leading bytes of data only.
func Detect(data []byte) (Tag, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return WAV, true
	case bytes.HasPrefix(data, []byte("ID3")):
		return MP3, true
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MP3, true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FLAC, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return OGG, true
	}
	return Default, false
}
