package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/store/memory"
)

func dialWS(t *testing.T, srv *httptest.Server, clientToken, bearer string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	header := http.Header{}
	header.Set("Cookie", "ct="+clientToken)
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func TestWebsocketCommandRoundTrip(t *testing.T) {
	s := memory.New()
	g, r := testGateway(s)
	defer g.Shutdown(context.Background())

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv, "ws-client", signToken(t, "u-host", "Hope"))
	defer conn.Close()

	// The connection must outlive the upgrade request.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ping"}))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "pong", ev.Type)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "create", "title": "ws room"}))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "created", ev.Type)
	created, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u-host", created["hostId"])
}

func TestWebsocketDeliversSessionEvents(t *testing.T) {
	s := memory.New()
	g, r := testGateway(s)
	defer g.Shutdown(context.Background())

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv, "ws-host", signToken(t, "u-host", "Hope"))
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(gin.H{"type": "create", "title": "feed"}))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "created", ev.Type)
	created := ev.Data.(map[string]any)
	meetingID, _ := created["id"].(string)
	require.NotEmpty(t, meetingID)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "join", "meetingId": meetingID}))

	// Host bypass: the admission event arrives over the same socket.
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no admission event over ws")
		require.NoError(t, conn.SetReadDeadline(deadline))
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "admission" {
			assert.Equal(t, true, ev.Data)
			return
		}
	}
}
