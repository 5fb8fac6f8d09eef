package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultWriteWait bounds a single message write to a client.
const DefaultWriteWait = 10 * time.Second

type client struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mutex     sync.Mutex
}

// send fails once the client stops reading for longer than writeWait.
func (c *client) send(message []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Broadcaster serves a websocket endpoint and pushes every event to the
// connected clients as JSON. A new client first receives the last sample.
type Broadcaster struct {
	log       logrus.FieldLogger
	upgrader  websocket.Upgrader
	writeWait time.Duration

	mutex   sync.RWMutex
	clients map[*websocket.Conn]*client
	last    []byte
}

func NewBroadcaster(log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeWait: DefaultWriteWait,
		clients:   make(map[*websocket.Conn]*client),
	}
}

func (b *Broadcaster) Name() string { return "websocket" }

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Handle(e Event) error {
	message, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	b.mutex.Lock()
	if e.Type == EventSample || e.Type == EventStatus {
		b.last = message
	}
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mutex.Unlock()

	// a failed write leaves the connection unusable, the client is dropped
	for _, c := range clients {
		if err := c.send(message); err != nil {
			if !isConnectionClosedError(err) {
				b.log.WithError(err).WithField("remote_addr", c.conn.RemoteAddr().String()).
					Warn("websocket client not reading, disconnected")
			}
			b.remove(c)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
// Messages sent by clients are ignored.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, writeWait: b.writeWait}

	b.mutex.Lock()
	last := b.last
	b.clients[conn] = c
	b.mutex.Unlock()
	defer b.remove(c)

	b.log.WithField("remote_addr", r.RemoteAddr).Debug("websocket client connected")

	if last != nil {
		if err := c.send(last); err != nil {
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				b.log.WithError(err).Warn("unexpected websocket close")
			}
			return
		}
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mutex.Lock()
	clients := b.clients
	b.clients = make(map[*websocket.Conn]*client)
	b.mutex.Unlock()

	for conn := range clients {
		message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (b *Broadcaster) remove(c *client) {
	b.mutex.Lock()
	_, ok := b.clients[c.conn]
	delete(b.clients, c.conn)
	b.mutex.Unlock()

	if ok {
		_ = c.conn.Close()
		b.log.Debug("websocket client removed")
	}
}

func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "close sent") ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
