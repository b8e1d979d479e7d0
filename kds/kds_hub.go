package kds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/table-sessions/utils"
)

// Event types
const (
	EventSessionOpened       = "session_opened"
	EventOrderAttached       = "order_attached"
	EventOrderAdvanced       = "order_advanced"
	EventPaymentApplied      = "payment_applied"
	EventSessionPaid         = "session_paid"
	EventSessionClosed       = "session_closed"
	EventReconciliationAlert = "reconciliation_alert"
)

const (
	writeWait = 5 * time.Second

	// PongWait is how long a terminal may stay silent before its read
	// deadline expires. Pings go out well inside it.
	PongWait   = 60 * time.Second
	pingPeriod = (PongWait * 9) / 10

	sendBuffer = 64
)

type Message struct {
	Event  string      `json:"event"`
	Data   interface{} `json:"data"`
	SentAt time.Time   `json:"sent_at"`
}

// Client is one connected floor terminal. Only its writer goroutine writes
// to the connection.
type Client struct {
	conn *websocket.Conn
	role string
	send chan []byte
}

// Hub holds every connected floor terminal with the staff role that opened it.
type Hub struct {
	clients map[*Client]struct{}
	mutex   sync.Mutex

	pingPeriod time.Duration
	sendBuffer int
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		pingPeriod: pingPeriod,
		sendBuffer: sendBuffer,
	}
}

// Register -> adds a connection with its role and starts its writer
func (h *Hub) Register(conn *websocket.Conn, role string) *Client {
	client := &Client{conn: conn, role: role, send: make(chan []byte, h.sendBuffer)}

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	h.mutex.Unlock()

	go h.writePump(client)
	return client
}

// Unregister -> drops a client; its writer closes the connection
func (h *Hub) Unregister(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.drop(client)
}

// drop must be called with h.mutex held.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// ClientCount reports how many terminals are connected.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Broadcast queues an event for every connected terminal and never waits on
// a connection. A terminal whose queue is full is dropped.
func (h *Hub) Broadcast(event string, data interface{}) {
	msg := Message{Event: event, Data: data, SentAt: time.Now()}
	payload, err := json.Marshal(msg)
	if err != nil {
		utils.ErrorLogger.WithField("event", event).Errorf("failed to marshal hub message: %v", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	utils.InfoLogger.WithFields(logrus.Fields{
		"event":   event,
		"clients": len(h.clients),
	}).Debug("broadcasting floor event")

	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			utils.ErrorLogger.WithFields(logrus.Fields{
				"event": event,
				"role":  client.role,
			}).Warn("dropping floor client: send queue full")
			h.drop(client)
		}
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				utils.ErrorLogger.WithField("role", client.role).Warnf("floor client write failed: %v", err)
				h.Unregister(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unregister(client)
				return
			}
		}
	}
}
