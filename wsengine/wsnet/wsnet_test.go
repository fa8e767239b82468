package wsnet

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayframe/wsengine/wsengine"
)

// newEchoServer brings up an httptest server that upgrades every request
// and echoes back whatever text message it receives, closing the
// connection once the client closes.
func newEchoServer(t *testing.T, upgrader *Upgrader) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer client.Close(wsengine.CloseNormalClosure, "")
			client.Run()
		}()
		for {
			msg, err := client.Receive()
			if err != nil {
				return
			}
			data, _ := msg.Bytes()
			if err := client.Send(wsengine.FrameText, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialerUpgraderEchoRoundTrip(t *testing.T) {
	cfg := wsengine.DefaultConfig()
	cfg.ClosePeriod = 0

	upgrader := &Upgrader{Config: cfg}
	srv := newEchoServer(t, upgrader)

	dialer := &Dialer{Config: cfg}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	defer client.Close(wsengine.CloseNormalClosure, "bye")

	go client.Run()

	require.NoError(t, client.SendText("ping"))
	msg, err := client.Receive()
	require.NoError(t, err)
	data, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
}

func TestIsWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	assert.True(t, IsWebSocketUpgrade(req))

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsWebSocketUpgrade(plain))
}

func TestSubprotocols(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "chat, superchat")
	assert.Equal(t, []string{"chat", "superchat"}, Subprotocols(req))
}

func TestUpgradeRejectsNonUpgradeRequest(t *testing.T) {
	upgrader := &Upgrader{Config: wsengine.DefaultConfig()}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, _, err := upgrader.Upgrade(rr, req, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
