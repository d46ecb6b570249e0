package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFillInterleaved_Stereo(t *testing.T) {
	out := make([]float32, 8)
	for i := range out {
		out[i] = 9
	}
	fillInterleaved(out, [][2]float64{{0.5, -0.5}, {0.25, 0.75}}, 2)

	assert.Equal(t, []float32{0.5, -0.5, 0.25, 0.75, 0, 0, 0, 0}, out)
}

func TestFillInterleaved_Mono(t *testing.T) {
	out := make([]float32, 3)
	fillInterleaved(out, [][2]float64{{0.5, 0.25}, {-1, 1}}, 1)

	assert.Equal(t, []float32{0.375, 0, 0}, out)
}

func TestFillInterleaved_ExtraChannelsSilent(t *testing.T) {
	out := make([]float32, 4)
	for i := range out {
		out[i] = 9
	}
	fillInterleaved(out, [][2]float64{{0.5, 0.25}}, 4)

	assert.Equal(t, []float32{0.5, 0.25, 0, 0}, out)
}
