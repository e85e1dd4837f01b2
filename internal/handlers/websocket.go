package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/middleware"
	"github.com/mossy-p/watchparty/internal/models"
	"github.com/mossy-p/watchparty/internal/room"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	sendBuffer   = 256
	busTimeout   = 5 * time.Second
	echoWindow   = 5 * time.Second
	eventStatus  = "status"
	topicPresent = "presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub bridges browser WebSocket clients onto the realtime bus. Every room
// with at least one local client holds one bus subscription per room topic.
type Hub struct {
	bus    bus.Bus
	rooms  *room.Store
	logger *logrus.Entry

	mu     sync.Mutex
	relays map[string]*relayRoom
	echoes *echoFilter
}

// relayRoom is the set of local clients of one room. ready is closed once
// the room's bus subscriptions are attached or have failed with err.
type relayRoom struct {
	id      string
	mu      sync.RWMutex
	clients map[string]*Client
	subs    []bus.Subscription
	ready   chan struct{}
	err     error
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
}

func NewHub(b bus.Bus, rooms *room.Store, logger *logrus.Entry) *Hub {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		bus:    b,
		rooms:  rooms,
		logger: logger.WithField("component", "relay"),
		relays: make(map[string]*relayRoom),
		echoes: newEchoFilter(echoWindow),
	}
}

// HandleRelay upgrades a room member's connection and relays frames both ways.
func (h *Hub) HandleRelay() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		rm, err := h.rooms.Get(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			roomError(c, h.logger, err)
			return
		}
		if !rm.IsMember(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Join the room before connecting"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.WithError(err).Warn("failed to upgrade connection")
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			UserID: userID,
			RoomID: rm.ID,
			Conn:   conn,
			Send:   make(chan []byte, sendBuffer),
		}
		log := h.logger.WithFields(logrus.Fields{"room_id": rm.ID, "user_id": userID, "client_id": client.ID})

		relay, err := h.join(client)
		if err != nil {
			log.WithError(err).Error("failed to attach room to bus")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bus unavailable"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		client.sendMessage(models.RelayMessage{
			Type:     models.RelayTypeWelcome,
			From:     userID,
			RoomID:   rm.ID,
			ClientID: client.ID,
		})
		h.track(client, bus.StatusIdle)
		log.Info("relay client connected")

		go client.writePump()
		go h.readPump(client, relay)
	}
}

// join registers the client with its room. The first client of a room
// attaches the bus subscriptions without holding the hub lock; later
// clients wait for that to finish.
func (h *Hub) join(client *Client) (*relayRoom, error) {
	h.mu.Lock()
	relay, ok := h.relays[client.RoomID]
	if !ok {
		relay = &relayRoom{id: client.RoomID, clients: make(map[string]*Client), ready: make(chan struct{})}
		h.relays[client.RoomID] = relay
	}
	relay.mu.Lock()
	relay.clients[client.ID] = client
	relay.mu.Unlock()
	h.mu.Unlock()

	if !ok {
		relay.err = h.subscribe(relay)
		if relay.err != nil {
			h.mu.Lock()
			if h.relays[relay.id] == relay {
				delete(h.relays, relay.id)
			}
			h.mu.Unlock()
			relay.close()
		}
		close(relay.ready)
	}
	<-relay.ready
	if relay.err != nil {
		return nil, relay.err
	}
	return relay, nil
}

func (h *Hub) subscribe(relay *relayRoom) error {
	for _, topic := range bus.RoomTopics(relay.id) {
		ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
		sub, err := h.bus.Subscribe(ctx, topic, func(m bus.Message) { h.forward(relay, m) })
		cancel()
		if err != nil {
			return err
		}
		relay.mu.Lock()
		relay.subs = append(relay.subs, sub)
		relay.mu.Unlock()
	}
	return nil
}

// leave detaches the client; the last client of a room drops its bus
// subscriptions. The client's user is untracked once none of its
// connections remain.
func (h *Hub) leave(client *Client, relay *relayRoom) {
	h.mu.Lock()
	relay.mu.Lock()
	delete(relay.clients, client.ID)
	close(client.Send)
	stillHere := false
	for _, other := range relay.clients {
		if other.UserID == client.UserID {
			stillHere = true
			break
		}
	}
	empty := len(relay.clients) == 0
	relay.mu.Unlock()
	if empty {
		delete(h.relays, relay.id)
	}
	h.mu.Unlock()

	if !stillHere {
		ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
		if err := h.bus.Untrack(ctx, bus.PresenceTopic(client.RoomID), client.UserID); err != nil {
			h.logger.WithError(err).WithField("room_id", client.RoomID).Warn("failed to untrack presence")
		}
		cancel()
	}
	if empty {
		relay.close()
	}
}

func (h *Hub) track(client *Client, status bus.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	meta := bus.PresenceMeta{UserID: client.UserID, Status: status, OnlineAt: time.Now().UTC()}
	if err := h.bus.Track(ctx, bus.PresenceTopic(client.RoomID), meta); err != nil {
		h.logger.WithError(err).WithField("room_id", client.RoomID).Warn("failed to track presence")
	}
}

// forward fans a bus message out to the room's clients, skipping the
// client that published it through this hub.
func (h *Hub) forward(relay *relayRoom, m bus.Message) {
	short, ok := shortTopic(relay.id, m.Topic)
	if !ok {
		return
	}
	author := h.echoes.take(echoKey(m.Topic, m.Event, m.Payload))

	sentAt := m.SentAt
	data, err := json.Marshal(models.RelayMessage{
		Type:    models.RelayTypeMessage,
		Topic:   short,
		Event:   m.Event,
		RoomID:  relay.id,
		Payload: m.Payload,
		SentAt:  &sentAt,
	})
	if err != nil {
		h.logger.WithError(err).Warn("failed to marshal relay message")
		return
	}

	relay.mu.RLock()
	defer relay.mu.RUnlock()
	for id, client := range relay.clients {
		if id == author {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.WithField("client_id", id).Warn("relay client buffer full, dropping message")
		}
	}
}

func (h *Hub) readPump(c *Client, relay *relayRoom) {
	log := h.logger.WithFields(logrus.Fields{"room_id": c.RoomID, "client_id": c.ID})
	defer func() {
		h.leave(c, relay)
		_ = c.Conn.Close()
		log.Info("relay client disconnected")
	}()

	c.Conn.SetReadLimit(64 << 10)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("websocket error")
			}
			return
		}

		var msg models.RelayMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("malformed frame")
			continue
		}
		if err := h.publish(c, msg); err != nil {
			log.WithError(err).Debug("rejected relay frame")
			c.sendError(err.Error())
		}
	}
}

var (
	errUnknownTopic = errors.New("unknown topic")
	errNoEvent      = errors.New("event is required")
)

func (h *Hub) publish(c *Client, msg models.RelayMessage) error {
	if msg.Type != "" && msg.Type != models.RelayTypePublish {
		return errors.New("unsupported frame type")
	}
	if msg.Event == "" {
		return errNoEvent
	}

	if msg.Topic == topicPresent && msg.Event == eventStatus {
		var p models.StatusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || !validStatus(bus.Status(p.Status)) {
			return errors.New("invalid status")
		}
		h.track(c, bus.Status(p.Status))
		return nil
	}

	topic, ok := fullTopic(c.RoomID, msg.Topic)
	if !ok {
		return errUnknownTopic
	}

	var payload json.RawMessage
	if len(msg.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg.Payload); err != nil {
			return errors.New("payload is not valid JSON")
		}
		payload = buf.Bytes()
	}

	h.echoes.put(echoKey(topic, msg.Event, payload), c.ID)
	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	return h.bus.Send(ctx, topic, msg.Event, payload)
}

// Close disconnects every relay client.
func (h *Hub) Close() {
	h.mu.Lock()
	var conns []*websocket.Conn
	for _, relay := range h.relays {
		relay.mu.RLock()
		for _, c := range relay.clients {
			conns = append(conns, c.Conn)
		}
		relay.mu.RUnlock()
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

func (r *relayRoom) close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.RelayMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (c *Client) sendError(reason string) {
	c.sendMessage(models.RelayMessage{Type: models.RelayTypeError, Error: reason})
}

func validStatus(s bus.Status) bool {
	switch s {
	case bus.StatusWatching, bus.StatusBuffering, bus.StatusPaused, bus.StatusIdle:
		return true
	}
	return false
}

func fullTopic(roomID, short string) (string, bool) {
	switch short {
	case "call":
		return bus.CallTopic(roomID), true
	case "signal":
		return bus.SignalTopic(roomID), true
	case "playback":
		return bus.PlaybackTopic(roomID), true
	case topicPresent:
		return bus.PresenceTopic(roomID), true
	}
	return "", false
}

func shortTopic(roomID, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "room:"+roomID+":")
	if !ok {
		return "", false
	}
	_, known := fullTopic(roomID, rest)
	return rest, known
}

func echoKey(topic, event string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(topic)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(event)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(payload)
	return d.Sum64()
}

// echoFilter remembers which local client published a frame so the bus
// copy is not sent back to it.
type echoFilter struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[uint64]echoEntry
}

type echoEntry struct {
	clientID string
	expires  time.Time
}

func newEchoFilter(ttl time.Duration) *echoFilter {
	return &echoFilter{ttl: ttl, entries: make(map[uint64]echoEntry)}
}

func (f *echoFilter) put(key uint64, clientID string) {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, e := range f.entries {
		if now.After(e.expires) {
			delete(f.entries, k)
		}
	}
	f.entries[key] = echoEntry{clientID: clientID, expires: now.Add(f.ttl)}
}

func (f *echoFilter) take(key uint64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return ""
	}
	delete(f.entries, key)
	if time.Now().After(e.expires) {
		return ""
	}
	return e.clientID
}
