package wsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameTypeIsDataAndIsControl(t *testing.T) {
	assert.True(t, FrameText.IsData())
	assert.True(t, FrameBinary.IsData())
	assert.False(t, FrameClose.IsData())
	assert.False(t, FramePing.IsData())
	assert.False(t, FramePong.IsData())

	assert.True(t, FrameClose.IsControl())
	assert.True(t, FramePing.IsControl())
	assert.True(t, FramePong.IsControl())
	assert.False(t, FrameText.IsControl())
	assert.False(t, FrameBinary.IsControl())
	assert.False(t, FrameContinuation.IsControl())
}
