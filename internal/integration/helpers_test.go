package integration

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"roomchat/internal/app"
	"roomchat/internal/config"
)

const frameTimeout = 5 * time.Second

// startApp runs a full application on an ephemeral port
func startApp(t *testing.T, mutate func(cfg *config.Config)) *app.Application {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "roomchat.db")
	cfg.Throttle.RequestsPerSecond = 1000
	cfg.Throttle.Burst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

func baseURL(a *app.Application) string {
	return "http://" + a.GetAddr()
}

func mintRoom(t *testing.T, a *app.Application) string {
	t.Helper()
	resp, err := http.Post(baseURL(a)+"/api/room", "text/plain", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

type chatClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialRoom(t *testing.T, a *app.Application, name string) *chatClient {
	t.Helper()
	url := "ws://" + a.GetAddr() + "/api/room/" + name + "/websocket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &chatClient{t: t, ws: ws}
}

// join dials and completes the handshake, consuming frames up to ready
func join(t *testing.T, a *app.Application, name, identity string) (*chatClient, []map[string]interface{}) {
	t.Helper()
	c := dialRoom(t, a, name)
	c.send(map[string]interface{}{"user": identity, "joined": name})

	var before []map[string]interface{}
	for {
		frame := c.next()
		if frame["ready"] == true {
			return c, before
		}
		before = append(before, frame)
	}
}

func (c *chatClient) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *chatClient) say(body string) {
	c.send(map[string]string{"message": body})
}

func (c *chatClient) next() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(frameTimeout)))
	var frame map[string]interface{}
	require.NoError(c.t, c.ws.ReadJSON(&frame))
	return frame
}

// closeCode reads until the server closes and returns the close frame
func (c *chatClient) closeCode() (int, string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(frameTimeout)))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		if ce, ok := err.(*websocket.CloseError); ok {
			return ce.Code, ce.Text
		}
		c.t.Fatalf("expected close frame, got %v", err)
		return 0, ""
	}
}

func (c *chatClient) leave() {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func wsURLFor(a *app.Application, name string) string {
	return "ws://" + a.GetAddr() + "/api/room/" + strings.TrimSpace(name) + "/websocket"
}
