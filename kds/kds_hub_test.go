package kds

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn, r.URL.Query().Get("role"))
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, time.Second, 5*time.Millisecond)
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	hub := NewHub()
	url := newHubServer(t, hub)

	waiter := dial(t, url+"?role=staff")
	manager := dial(t, url+"?role=manager")
	waitForClients(t, hub, 2)

	hub.Broadcast(EventSessionPaid, map[string]string{"session_id": "s-1"})

	for _, conn := range []*websocket.Conn{waiter, manager} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Event string            `json:"event"`
			Data  map[string]string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, EventSessionPaid, msg.Event)
		assert.Equal(t, "s-1", msg.Data["session_id"])
	}
}

func TestUnregisterClosesConnection(t *testing.T) {
	hub := NewHub()
	url := newHubServer(t, hub)

	client := dial(t, url)
	waitForClients(t, hub, 1)

	hub.mutex.Lock()
	var server *Client
	for c := range hub.clients {
		server = c
	}
	hub.mutex.Unlock()

	hub.Unregister(server)
	hub.Unregister(server)
	assert.Equal(t, 0, hub.ClientCount())

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcastSkipsUnencodableData(t *testing.T) {
	hub := NewHub()
	url := newHubServer(t, hub)
	dial(t, url)
	waitForClients(t, hub, 1)

	hub.Broadcast(EventOrderAttached, make(chan int))
	assert.Equal(t, 1, hub.ClientCount())
}

func TestBroadcastDoesNotWaitOnStalledClient(t *testing.T) {
	hub := NewHub()
	hub.sendBuffer = 4
	url := newHubServer(t, hub)

	// never reads, so its socket and queue fill up
	dial(t, url+"?role=staff")
	waitForClients(t, hub, 1)

	bulk := strings.Repeat("x", 1<<20)
	start := time.Now()
	for i := 0; i < 64; i++ {
		hub.Broadcast(EventOrderAttached, bulk)
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	done := make(chan time.Duration, 1)
	go func() {
		begin := time.Now()
		hub.Broadcast(EventSessionPaid, map[string]string{"session_id": "s-2"})
		done <- time.Since(begin)
	}()
	select {
	case elapsed := <-done:
		assert.Less(t, elapsed, 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind a stalled client")
	}

	waitForClients(t, hub, 0)
}

func TestWriterSendsPings(t *testing.T) {
	hub := NewHub()
	hub.pingPeriod = 20 * time.Millisecond
	url := newHubServer(t, hub)

	conn := dial(t, url)
	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("no ping received")
	}
}
