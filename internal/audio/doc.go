// Package audio provides the playback backends used by the dispatch queue
// and enumerates the host's output devices. It decodes WAV, MP3, OGG and
// FLAC artifacts with the beep library and renders them through portaudio,
// the beep speaker, or an external player process.
package audio
