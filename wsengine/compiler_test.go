package wsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCompilerControlFrameRejectsDataOpcode(t *testing.T) {
	c := NewFrameCompiler(true, nil, 0, 0)
	_, err := c.CompileControl(FrameText, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestFrameCompilerControlFrameRejectsOversizedPayload(t *testing.T) {
	c := NewFrameCompiler(true, nil, 0, 0)
	_, err := c.CompileControl(FramePing, make([]byte, 126))
	require.ErrorIs(t, err, ErrControlTooLarge)
}

func TestFrameCompilerBeginRejectsFragmentationOrderViolation(t *testing.T) {
	c := NewFrameCompiler(true, nil, 0, 0)
	require.NoError(t, c.Begin(FrameText, true, 0))
	err := c.Begin(FrameText, true, 0)
	require.ErrorIs(t, err, ErrFragmentationOrder)
}

func TestFrameCompilerWriteFragmentWithoutBeginFails(t *testing.T) {
	c := NewFrameCompiler(true, nil, 0, 0)
	_, err := c.WriteFragment([]byte("x"), true)
	require.ErrorIs(t, err, ErrFragmentationOrder)
}

func TestFrameCompilerAbortAllowsRestart(t *testing.T) {
	c := NewFrameCompiler(true, nil, 0, 0)
	require.NoError(t, c.Begin(FrameText, true, 0))
	c.Abort()
	require.NoError(t, c.Begin(FrameBinary, true, 0))
}

func TestFrameCompilerServerFramesAreUnmasked(t *testing.T) {
	c := NewFrameCompiler(false, nil, 0, 0)
	frame, err := c.CompileMessage(FrameText, []byte("hi"))
	require.NoError(t, err)
	// byte 1's mask bit must be unset for a server-compiled frame.
	assert.Equal(t, byte(0), frame[1]&0x80)
}

func TestFrameCompilerClientFramesAreMasked(t *testing.T) {
	c := NewFrameCompiler(true, nil, 0, 0)
	frame, err := c.CompileMessage(FrameText, []byte("hi"))
	require.NoError(t, err)
	assert.NotEqual(t, byte(0), frame[1]&0x80)
}

func TestFrameCompilerLongMessageUses64BitLength(t *testing.T) {
	c := NewFrameCompiler(false, nil, 0, 0)
	payload := make([]byte, 70000)
	frame, err := c.CompileMessage(FrameBinary, payload)
	require.NoError(t, err)
	assert.Equal(t, byte(127), frame[1]&0x7F)
}

func TestFrameCompilerRoundTripsThroughParser(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 3)
	frame, err := compiler.CompileMessage(FrameText, []byte("round-trip-me"))
	require.NoError(t, err)

	var got []byte
	parser := NewParser(true, ParserLimits{}, false, true, nil, func(_ FrameType, payload []byte, final bool) error {
		got = append(got, payload...)
		return nil
	})
	require.NoError(t, parser.Push(frame))
	assert.Equal(t, "round-trip-me", string(got))
}
