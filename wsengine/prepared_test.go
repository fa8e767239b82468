package wsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPreparedMessageRejectsControlType(t *testing.T) {
	_, err := NewPreparedMessage(FramePing, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestPreparedMessageFrameRoundTripsThroughParser(t *testing.T) {
	pm, err := NewPreparedMessage(FrameText, []byte("broadcast payload"))
	require.NoError(t, err)

	frame, err := pm.Frame(false, nil)
	require.NoError(t, err)

	var got []byte
	parser := NewParser(false, ParserLimits{}, false, true, nil, func(_ FrameType, payload []byte, final bool) error {
		got = append(got, payload...)
		return nil
	})
	require.NoError(t, parser.Push(frame))
	assert.Equal(t, "broadcast payload", string(got))
}

func TestPreparedMessageCompressionIsCachedAcrossCalls(t *testing.T) {
	pm, err := NewPreparedMessage(FrameText, []byte("same payload every time"))
	require.NoError(t, err)

	factory := PermessageDeflateFactory{}
	ctx, _, ok := factory.FromClientHeader(factory.CreateRequestHeader())
	require.True(t, ok)
	defer ctx.Close()

	first, err := pm.Frame(false, ctx)
	require.NoError(t, err)
	second, err := pm.Frame(false, ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestClientSendPreparedReachesReceiver(t *testing.T) {
	server, client := newClientPair(t, testConfig())

	pm, err := NewPreparedMessage(FrameText, []byte("prepared broadcast"))
	require.NoError(t, err)

	require.NoError(t, server.SendPrepared(pm))

	msg, err := client.Receive()
	require.NoError(t, err)
	data, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "prepared broadcast", string(data))
}
