package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedws/internal/echoserver"
	"sharedws/internal/protocol"
)

const (
	testReconnectDelay = 20 * time.Millisecond
	waitFor            = 5 * time.Second
	tick               = 10 * time.Millisecond
)

// gatedUpstream is an echo server that can refuse new connections
type gatedUpstream struct {
	echo     *echoserver.Server
	srv      *httptest.Server
	accept   atomic.Bool
	lastAuth atomic.Value
}

func newGatedUpstream(t *testing.T) *gatedUpstream {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g := &gatedUpstream{echo: echoserver.New(discardLogger())}
	g.accept.Store(true)
	router := g.echo.Router()
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.accept.Load() {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		g.lastAuth.Store(r.Header.Get("Authorization"))
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gatedUpstream) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
}

// outage drops every connection and refuses new ones
func (g *gatedUpstream) outage() {
	g.accept.Store(false)
	g.echo.DropAll()
}

func voidFrame(n int) []byte {
	return []byte(fmt.Sprintf(`{"type":"void","data":{"n":%d}}`, n))
}

func newTestTransport(t *testing.T, url string, clients Broadcaster, receive func([]byte)) *Transport {
	t.Helper()
	if receive == nil {
		receive = func([]byte) {}
	}
	tr := NewTransport(TransportOptions{
		URL:            url,
		ReconnectDelay: testReconnectDelay,
	}, clients, receive, discardLogger())
	t.Cleanup(tr.Close)
	return tr
}

func assertFramesInOrder(t *testing.T, got []protocol.Message, want int) {
	t.Helper()
	require.Len(t, got, want)
	for i, msg := range got {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(msg.Data))
	}
}

func TestTransport_QueuesUntilFirstConnection(t *testing.T) {
	up := newGatedUpstream(t)
	clients := &recordingBroadcaster{}
	tr := newTestTransport(t, up.URL(), clients, nil)

	for i := range 3 {
		require.NoError(t, tr.Send(voidFrame(i)))
	}
	assert.Equal(t, 3, tr.Queued())
	assert.False(t, tr.Connected())

	tr.Start(context.Background())

	require.Eventually(t, tr.Connected, waitFor, tick)
	require.Eventually(t, func() bool { return len(up.echo.Received()) == 3 }, waitFor, tick)
	assertFramesInOrder(t, up.echo.Received(), 3)
	assert.Equal(t, 0, tr.Queued())
	assert.Equal(t, 0, clients.Count(protocol.EventReconnect), "first connection is not a reconnect")
}

func TestTransport_DeliversUpstreamFrames(t *testing.T) {
	up := newGatedUpstream(t)
	frames := make(chan []byte, 1)
	tr := newTestTransport(t, up.URL(), &recordingBroadcaster{}, func(frame []byte) { frames <- frame })

	require.NoError(t, tr.Send([]byte(`{"type":"ping","id":"4:0"}`)))
	tr.Start(context.Background())

	select {
	case frame := <-frames:
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, "4:0", msg.ID)
		assert.Equal(t, protocol.StatusOK, msg.Status)
		assert.JSONEq(t, `"pong"`, string(msg.Data))
	case <-time.After(waitFor):
		t.Fatal("no upstream frame received")
	}
}

func TestTransport_SendsAuthorizationHeader(t *testing.T) {
	up := newGatedUpstream(t)
	tr := NewTransport(TransportOptions{
		URL:            up.URL(),
		Header:         http.Header{"Authorization": []string{"Bearer secret"}},
		ReconnectDelay: testReconnectDelay,
	}, &recordingBroadcaster{}, func([]byte) {}, discardLogger())
	t.Cleanup(tr.Close)

	tr.Start(context.Background())
	require.Eventually(t, tr.Connected, waitFor, tick)
	assert.Equal(t, "Bearer secret", up.lastAuth.Load())
}

func TestTransport_ReconnectFlushesQueueOnce(t *testing.T) {
	up := newGatedUpstream(t)
	clients := &recordingBroadcaster{}
	tr := newTestTransport(t, up.URL(), clients, nil)

	tr.Start(context.Background())
	require.Eventually(t, tr.Connected, waitFor, tick)

	up.outage()
	require.Eventually(t, func() bool {
		return !tr.Connected() && clients.Count(protocol.EventToast) > 0
	}, waitFor, tick)

	for i := range 3 {
		require.NoError(t, tr.Send(voidFrame(i)))
	}
	assert.Equal(t, 3, tr.Queued())

	up.accept.Store(true)
	require.Eventually(t, tr.Connected, waitFor, tick)
	require.Eventually(t, func() bool { return len(up.echo.Received()) == 3 }, waitFor, tick)

	// nothing is sent twice and the reconnect is announced exactly once
	time.Sleep(5 * testReconnectDelay)
	assertFramesInOrder(t, up.echo.Received(), 3)
	assert.Equal(t, 1, clients.Count(protocol.EventReconnect))
	assert.Equal(t, 0, tr.Queued())
}

func TestTransport_ToastOnConnectionLoss(t *testing.T) {
	up := newGatedUpstream(t)
	clients := &recordingBroadcaster{}
	tr := newTestTransport(t, up.URL(), clients, nil)

	tr.Start(context.Background())
	require.Eventually(t, tr.Connected, waitFor, tick)
	up.outage()

	require.Eventually(t, func() bool { return clients.Count(protocol.EventToast) > 0 }, waitFor, tick)

	clients.mu.Lock()
	toast := clients.msgs[0]
	clients.mu.Unlock()

	var payload protocol.Toast
	require.NoError(t, json.Unmarshal(toast.Data, &payload))
	assert.Equal(t, protocol.Toast{
		Type:    "error",
		Summary: "Connection lost",
		Details: "Trying to reconnect...",
		Life:    int(testReconnectDelay / time.Millisecond),
	}, payload)
}

func TestTransport_CloseIsSilent(t *testing.T) {
	up := newGatedUpstream(t)
	clients := &recordingBroadcaster{}
	tr := newTestTransport(t, up.URL(), clients, nil)

	tr.Start(context.Background())
	require.Eventually(t, tr.Connected, waitFor, tick)

	tr.Close()

	assert.False(t, tr.Connected())
	assert.ErrorIs(t, tr.Send(voidFrame(0)), protocol.ErrClosed)
	assert.Equal(t, 0, clients.Count(protocol.EventToast))
	require.Eventually(t, func() bool { return up.echo.Connections() == 0 }, waitFor, tick)
}
