package wsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedFrame struct {
	t       FrameType
	payload []byte
	final   bool
}

func collectingHandler(out *[]capturedFrame) FrameHandler {
	return func(t FrameType, payload []byte, final bool) error {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		*out = append(*out, capturedFrame{t: t, payload: cp, final: final})
		return nil
	}
}

func TestParserRoundTripUnfragmentedText(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 0)
	frame, err := compiler.CompileMessage(FrameText, []byte("hello"))
	require.NoError(t, err)

	var got []capturedFrame
	parser := NewParser(true, ParserLimits{}, false, true, nil, collectingHandler(&got))
	require.NoError(t, parser.Push(frame))

	require.Len(t, got, 1)
	assert.Equal(t, FrameText, got[0].t)
	assert.Equal(t, "hello", string(got[0].payload))
	assert.True(t, got[0].final)
}

func TestParserRoundTripFragmentedBinary(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 4)
	frame, err := compiler.CompileMessage(FrameBinary, []byte("abcdefghij"))
	require.NoError(t, err)

	var got []capturedFrame
	parser := NewParser(true, ParserLimits{}, false, true, nil, collectingHandler(&got))
	require.NoError(t, parser.Push(frame))

	require.GreaterOrEqual(t, len(got), 2)
	var combined []byte
	for i, f := range got {
		assert.Equal(t, FrameBinary, f.t)
		combined = append(combined, f.payload...)
		if i < len(got)-1 {
			assert.False(t, f.final)
		}
	}
	assert.True(t, got[len(got)-1].final)
	assert.Equal(t, "abcdefghij", string(combined))
}

func TestParserFeedsByteAtATime(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 0)
	frame, err := compiler.CompileMessage(FrameText, []byte("streamed"))
	require.NoError(t, err)

	var got []capturedFrame
	parser := NewParser(true, ParserLimits{}, false, true, nil, collectingHandler(&got))
	for _, b := range frame {
		require.NoError(t, parser.Push([]byte{b}))
	}

	require.Len(t, got, 1)
	assert.Equal(t, "streamed", string(got[0].payload))
}

func TestParserRejectsUnmaskedClientFrame(t *testing.T) {
	compiler := NewFrameCompiler(false, nil, 0, 0) // server compiler, never masks
	frame, err := compiler.CompileMessage(FrameText, []byte("hi"))
	require.NoError(t, err)

	var got []capturedFrame
	parser := NewParser(true, ParserLimits{}, false, true, nil, collectingHandler(&got)) // expects masked
	err = parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, closeCodeOf(err))
}

func TestParserRejectsOversizedFrame(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 0)
	frame, err := compiler.CompileMessage(FrameBinary, make([]byte, 100))
	require.NoError(t, err)

	parser := NewParser(true, ParserLimits{FrameSizeLimit: 10}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err = parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseMessageTooBig, closeCodeOf(err))
}

func TestParserRejectsOversizedMessage(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 4)
	frame, err := compiler.CompileMessage(FrameBinary, make([]byte, 20))
	require.NoError(t, err)

	parser := NewParser(true, ParserLimits{MessageSizeLimit: 10}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err = parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseMessageTooBig, closeCodeOf(err))
}

func TestParserRejectsOversizedControlFrame(t *testing.T) {
	frame := []byte{0x89, 126, 0, 126} // FramePing, masked bit unset, 16-bit length 126 > 125
	parser := NewParser(true, ParserLimits{}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err := parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, closeCodeOf(err))
}

func TestParserRejectsInvalidCloseCode(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 0)
	payload := FormatCloseMessage(CloseCode(5000), "")
	frame, err := compiler.CompileControl(FrameClose, payload)
	require.NoError(t, err)

	parser := NewParser(true, ParserLimits{}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err = parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, closeCodeOf(err))
}

func TestParserRejectsSplitUTF8ThatNeverCompletes(t *testing.T) {
	// 0xE2 0x82 is the truncated first two bytes of the 3-byte sequence for U+20AC.
	compiler := NewFrameCompiler(true, nil, 0, 0)
	frame, err := compiler.CompileMessage(FrameText, []byte{0xE2, 0x82})
	require.NoError(t, err)

	parser := NewParser(true, ParserLimits{}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err = parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseInvalidFramePayloadData, closeCodeOf(err))
}

func TestParserAcceptsUTF8SplitAcrossFragments(t *testing.T) {
	euroSign := []byte{0xE2, 0x82, 0xAC} // U+20AC split as [0xE2, 0x82] | [0xAC]
	compiler := NewFrameCompiler(true, nil, 0, 2)
	frame, err := compiler.CompileMessage(FrameText, euroSign)
	require.NoError(t, err)

	var got []capturedFrame
	parser := NewParser(true, ParserLimits{}, false, true, nil, collectingHandler(&got))
	require.NoError(t, parser.Push(frame))

	var combined []byte
	for _, f := range got {
		combined = append(combined, f.payload...)
	}
	assert.Equal(t, euroSign, combined)
}

func TestParserRejectsTextOnlyBinaryMessage(t *testing.T) {
	compiler := NewFrameCompiler(true, nil, 0, 0)
	frame, err := compiler.CompileMessage(FrameBinary, []byte("x"))
	require.NoError(t, err)

	parser := NewParser(true, ParserLimits{}, true, true, nil, func(FrameType, []byte, bool) error { return nil })
	err = parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseUnsupportedData, closeCodeOf(err))
}

func TestParserRejectsUnexpectedContinuation(t *testing.T) {
	frame := []byte{0x80, 0x80, 0, 0, 0, 0} // final continuation frame, masked, zero length
	parser := NewParser(true, ParserLimits{}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err := parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, closeCodeOf(err))
}

func TestParserRejectsReservedBitsWithoutCompression(t *testing.T) {
	frame := []byte{0xC1, 0x80, 0, 0, 0, 0} // FIN+RSV1, Text, masked, zero length
	parser := NewParser(true, ParserLimits{}, false, true, nil, func(FrameType, []byte, bool) error { return nil })
	err := parser.Push(frame)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, closeCodeOf(err))
}

func TestSplitTrailingIncompleteRune(t *testing.T) {
	valid, pending := splitTrailingIncompleteRune([]byte("ab" + string([]byte{0xE2, 0x82})))
	assert.Equal(t, "ab", string(valid))
	assert.Equal(t, []byte{0xE2, 0x82}, pending)

	valid, pending = splitTrailingIncompleteRune([]byte("complete"))
	assert.Equal(t, "complete", string(valid))
	assert.Nil(t, pending)
}
