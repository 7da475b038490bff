package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/datasetcurator/logging"
)

type event struct {
	Type    string `json:"type"`
	Percent int    `json:"percent"`
}

func TestHubRelaysForwardedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, logging.Discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ch := make(chan event, 2)
	ch <- event{Type: "progress", Percent: 50}
	ch <- event{Type: "progress", Percent: 100}
	close(ch)
	Forward(hub, ch)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 50, got.Percent)
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 100, got.Percent)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173"})

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, check(r))
	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(r))

	assert.True(t, originChecker(nil)(r))
}
