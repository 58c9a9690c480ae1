package echoserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedws/internal/protocol"
)

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := New(slog.New(slog.DiscardHandler))
	hs := httptest.NewServer(s.Router())
	t.Cleanup(hs.Close)
	return s, hs
}

func connect(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req string) protocol.Message {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)))
	return readMessage(t, conn)
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_Replies(t *testing.T) {
	_, hs := setupServer(t)
	conn := connect(t, hs)

	pong := roundTrip(t, conn, `{"type":"ping","id":"0:0"}`)
	assert.Equal(t, "0:0", pong.ID)
	assert.Equal(t, protocol.StatusOK, pong.Status)
	assert.JSONEq(t, `"pong"`, string(pong.Data))
	assert.Nil(t, pong.TTL)

	echo := roundTrip(t, conn, `{"type":"echo","id":"0:1","data":{"a":[1,2]}}`)
	assert.JSONEq(t, `{"a":[1,2]}`, string(echo.Data))
	require.NotNil(t, echo.TTL)
	assert.Equal(t, float64(DefaultEchoTTL), *echo.TTL)

	now := roundTrip(t, conn, `{"type":"time","id":"0:2"}`)
	var stamp string
	require.NoError(t, json.Unmarshal(now.Data, &stamp))
	_, err := time.Parse(time.RFC3339Nano, stamp)
	assert.NoError(t, err)

	unknown := roundTrip(t, conn, `{"type":"nope","id":"0:3"}`)
	assert.Equal(t, protocol.StatusError, unknown.Status)
	assert.Equal(t, `unknown message type "nope"`, unknown.Error)
	assert.JSONEq(t, `{"type":"nope"}`, string(unknown.Data))
}

func TestServer_SilentFrames(t *testing.T) {
	s, hs := setupServer(t)
	conn := connect(t, hs)

	// neither of these is answered, the ping after them is the next reply
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"void","id":"0:0"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	pong := roundTrip(t, conn, `{"type":"ping","id":"0:1"}`)
	assert.Equal(t, "0:1", pong.ID)

	received := s.Received()
	require.Len(t, received, 3, "malformed frames are not recorded")
	assert.Equal(t, TypeVoid, received[0].Type)
}

func TestServer_Broadcast(t *testing.T) {
	s, hs := setupServer(t)
	sender := connect(t, hs)
	other := connect(t, hs)
	require.Eventually(t, func() bool { return s.Connections() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(`{"type":"broadcast","id":"1:0","data":"hi"}`)))

	// the sender sees the event first, then its own response
	event := readMessage(t, sender)
	assert.Equal(t, EventNotice, event.Type)
	assert.JSONEq(t, `"hi"`, string(event.Data))
	resp := readMessage(t, sender)
	assert.Equal(t, "1:0", resp.ID)

	event = readMessage(t, other)
	assert.Equal(t, EventNotice, event.Type)
}

func TestServer_DropAll(t *testing.T) {
	s, hs := setupServer(t)
	conn := connect(t, hs)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)

	s.DropAll()
	assert.Equal(t, 0, s.Connections())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_CheckConn(t *testing.T) {
	_, hs := setupServer(t)

	resp, err := http.Get(hs.URL + "/check-conn")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "upstream is alive", body["message"])
	assert.EqualValues(t, 0, body["connections"])
}
