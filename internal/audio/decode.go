package audio

import (
	"fmt"
	"os"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"github.com/jmylchreest/echolistener/internal/format"
)

// fileStreamer closes the underlying file together with the decoder.
type fileStreamer struct {
	beep.StreamSeekCloser
	f *os.File
}

func (s *fileStreamer) Close() error {
	err := s.StreamSeekCloser.Close()
	_ = s.f.Close()
	return err
}

// decodeFile opens path and decodes it according to tag.
func decodeFile(path string, tag format.Tag) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to open audio file: %w", err)
	}

	var streamer beep.StreamSeekCloser
	var fmtInfo beep.Format

	switch tag {
	case format.WAV:
		streamer, fmtInfo, err = wav.Decode(f)
	case format.MP3:
		streamer, fmtInfo, err = mp3.Decode(f)
	case format.OGG:
		streamer, fmtInfo, err = vorbis.Decode(f)
	case format.FLAC:
		streamer, fmtInfo, err = flac.Decode(f)
	default:
		_ = f.Close()
		return nil, beep.Format{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, tag)
	}

	if err != nil {
		_ = f.Close()
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s: %w", tag, err)
	}

	return &fileStreamer{StreamSeekCloser: streamer, f: f}, fmtInfo, nil
}
