package shellcache

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Broadcast message types sent to clients.
const (
	MessageTypeNetworkStatus    = "NETWORK_STATUS"
	MessageTypeControllerChange = "CONTROLLER_CHANGE"
	MessageTypeNotification     = "NOTIFICATION"
	MessageTypeOpenWindow       = "OPEN_WINDOW"
)

type NetworkStatusMessage struct {
	Type      string `json:"type"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

func newNetworkStatusMessage(online bool) NetworkStatusMessage {
	return NetworkStatusMessage{
		Type:      MessageTypeNetworkStatus,
		Online:    online,
		Timestamp: time.Now().UnixMilli(),
	}
}

type ControllerChangeMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

type NotificationMessage struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

type OpenWindowMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Client is a connected application instance that receives broadcasts.
type Client struct {
	ID         string
	messages   chan any
	controller string
}

// Messages returns the channel broadcasts are delivered on.
// It is closed when the client is unregistered.
func (c *Client) Messages() <-chan any {
	return c.messages
}

// Clients is the registry of connected clients.
// Delivery never blocks: a client whose buffer is full misses the message.
type Clients struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     zerolog.Logger
}

func NewClients(logger zerolog.Logger) *Clients {
	return &Clients{
		clients: make(map[string]*Client),
		log:     logger,
	}
}

// Register adds a client with the given message buffer size.
// A client registered under an existing ID replaces the previous one.
func (cs *Clients) Register(id string, buffer int) *Client {
	c := &Client{ID: id, messages: make(chan any, buffer)}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if old, ok := cs.clients[id]; ok {
		close(old.messages)
	}
	cs.clients[id] = c
	return c
}

// Unregister removes the client and closes its message channel.
func (cs *Clients) Unregister(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cur, ok := cs.clients[c.ID]; ok && cur == c {
		delete(cs.clients, c.ID)
		close(c.messages)
	}
}

// CloseAll unregisters every client.
func (cs *Clients) CloseAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for id, c := range cs.clients {
		delete(cs.clients, id)
		close(c.messages)
	}
}

// MatchAll returns the IDs of all connected clients, sorted.
func (cs *Clients) MatchAll() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ids := make([]string, 0, len(cs.clients))
	for id := range cs.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Controller returns the version controlling the client, empty if unclaimed.
func (cs *Clients) Controller(id string) string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if c, ok := cs.clients[id]; ok {
		return c.controller
	}
	return ""
}

// Broadcast posts msg to every client except the one with the given ID.
// It returns the number of clients the message was delivered to.
func (cs *Clients) Broadcast(msg any, except string) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	delivered := 0
	for id, c := range cs.clients {
		if id == except {
			continue
		}
		if c.post(msg) {
			delivered++
		} else {
			cs.log.Warn().Str("client", id).Msg("Client buffer full, dropping message")
		}
	}
	return delivered
}

// Claim makes the given version the controller of every connected client
// and notifies them. It returns the number of claimed clients.
func (cs *Clients) Claim(version string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	msg := ControllerChangeMessage{Type: MessageTypeControllerChange, Version: version}
	for _, c := range cs.clients {
		c.controller = version
		c.post(msg)
	}
	return len(cs.clients)
}

func (c *Client) post(msg any) bool {
	select {
	case c.messages <- msg:
		return true
	default:
		return false
	}
}

// Connect registers a client. A client connecting to an activated worker is
// controlled by it right away.
func (w *Worker) Connect(id string, buffer int) *Client {
	c := w.clients.Register(id, buffer)
	if w.State() == StateActivated {
		w.clients.mu.Lock()
		c.controller = w.cfg.Version
		w.clients.mu.Unlock()
	}
	w.log.Debug().Str("client", id).Msg("Client connected")
	return c
}
