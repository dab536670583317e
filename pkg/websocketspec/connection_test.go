package websocketspec

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

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
)

// newTestServerPair upgrades one real WebSocket connection and returns the
// server-side *Connection plus the client dialer conn used to drive it.
func newTestServerPair(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	connCh := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConnection("sub-1", ws)
		connCh <- c
		go c.Run(context.Background())
		c.ReadLoop()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-connCh
	return server, client
}

func TestConnectionDeliverWritesFrame(t *testing.T) {
	server, client := newTestServerPair(t)

	event, err := eventbroker.NewEvent("order.created", map[string]string{"region": "EU"})
	require.NoError(t, err)

	result := server.Deliver(context.Background(), event)
	assert.Equal(t, eventbroker.DeliveryOK, result)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), event.ID)
}

func TestConnectionIDMatchesSubscriberID(t *testing.T) {
	server, _ := newTestServerPair(t)
	assert.Equal(t, "sub-1", server.ID())
}

func TestConnectionWatchFiresOnClientClose(t *testing.T) {
	server, client := newTestServerPair(t)

	fired := make(chan eventbroker.LivenessToken, 1)
	server.Watch(func(tok eventbroker.LivenessToken) { fired <- tok })

	client.Close()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected liveness watcher to fire after client closed the connection")
	}
}

func TestConnectionDeliverAfterCloseIsDead(t *testing.T) {
	server, client := newTestServerPair(t)
	client.Close()

	// Give the read pump a moment to observe the close and mark dead.
	time.Sleep(100 * time.Millisecond)

	event, err := eventbroker.NewEvent("order.created", map[string]string{})
	require.NoError(t, err)
	result := server.Deliver(context.Background(), event)
	assert.Equal(t, eventbroker.DeliveryDead, result)
}
