package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/room"
	"roomchat/pkg/types"
)

func newHandlerServer(t *testing.T) (*httptest.Server, *room.Manager) {
	t.Helper()
	rooms := room.NewManager(room.ManagerOptions{Logger: zerolog.Nop()})
	h := NewHandler(rooms, HandlerOptions{PingInterval: time.Second}, zerolog.Nop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/"), types.RoomKindNamed, r.RemoteAddr)
	}))
	t.Cleanup(func() {
		rooms.Stop()
		server.Close()
	})
	return server, rooms
}

func dial(t *testing.T, server *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/"+key, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestHandler_HandshakeAndChat(t *testing.T) {
	server, rooms := newHandlerServer(t)

	alice := dial(t, server, "lobby")
	require.NoError(t, alice.WriteJSON(map[string]string{"user": "alice", "joined": "lobby"}))
	assert.Equal(t, map[string]interface{}{"ready": true}, readFrame(t, alice))

	require.NoError(t, alice.WriteJSON(map[string]string{"message": "hi"}))
	frame := readFrame(t, alice)
	assert.Equal(t, "alice", frame["name"])
	assert.Equal(t, "hi", frame["message"])
	assert.Greater(t, frame["timestamp"].(float64), float64(0))

	assert.Equal(t, 1, rooms.Count())
}

func TestHandler_PeerCloseBroadcastsQuit(t *testing.T) {
	server, _ := newHandlerServer(t)

	alice := dial(t, server, "lobby")
	require.NoError(t, alice.WriteJSON(map[string]string{"user": "alice"}))
	readFrame(t, alice)

	bob := dial(t, server, "lobby")
	require.NoError(t, bob.WriteJSON(map[string]string{"user": "bob"}))
	assert.Equal(t, map[string]interface{}{"joined": "alice"}, readFrame(t, bob))
	assert.Equal(t, map[string]interface{}{"ready": true}, readFrame(t, bob))
	assert.Equal(t, map[string]interface{}{"joined": "bob"}, readFrame(t, alice))

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, map[string]interface{}{"quit": "bob"}, readFrame(t, alice))
}

func TestHandler_NameTooLongCloses1009(t *testing.T) {
	server, _ := newHandlerServer(t)

	ws := dial(t, server, "lobby")
	require.NoError(t, ws.WriteJSON(map[string]string{"user": strings.Repeat("n", 40)}))
	assert.Equal(t, map[string]interface{}{"error": types.ErrorTextNameTooLong}, readFrame(t, ws))

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, types.CloseCodeMessageTooBig, closeErr.Code)
}

func TestHandler_JoinAfterStopReportsError(t *testing.T) {
	server, rooms := newHandlerServer(t)
	rooms.Stop()

	ws := dial(t, server, "lobby")
	assert.Equal(t, map[string]interface{}{"error": types.ErrorTextRoomUnavailable}, readFrame(t, ws))

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, types.CloseCodeInternalError, closeErr.Code)
}
