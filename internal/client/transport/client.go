// Package transport владеет одним логическим соединением процесса с
// сервером коллаборации: установка и автоматическое восстановление
// WebSocket, (де)сериализация сообщений, повторный вход в активную
// комнату после каждого reconnect.
//
// Ошибки соединения никогда не бросаются синхронно - они доставляются
// через те же callbacks, что и успешные события, поэтому движок
// синхронизации остается чистой event-driven машиной состояний.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/sketchsync/pkg/api"
)

const (
	// Параметры reconnect: экспоненциальная задержка с потолком,
	// ограниченное число попыток
	initialReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
	maxReconnectAttempts  = 10

	writeTimeout = 10 * time.Second
)

// Handlers callbacks транспорта. Незаданные поля просто не вызываются.
type Handlers struct {
	OnConnected      func()
	OnDisconnected   func(err error)
	OnStoreState     func(api.StoreStatePayload)
	OnStoreUpdated   func(api.StoreUpdatedPayload)
	OnStoreConfirmed func(api.StoreConfirmedPayload)
	OnPresence       func(api.PresencePayload)
	OnProtocolError  func(api.ErrorPayload)
}

// Client клиент постоянного соединения с сервером коллаборации
type Client struct {
	url       string
	authToken string
	logger    *slog.Logger
	dialer    *websocket.Dialer

	// writeMu сериализует записи в сокет: у gorilla/websocket не более
	// одного конкурентного писателя, а flush движка и троттлер presence
	// живут в разных goroutines
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	handlers   Handlers
	activeRoom string
	connected  bool
	connecting bool
	closed     bool
	attempts   int
	generation int // отсекает события read loop'а умершего соединения
}

// NewClient creates a new transport client
// url is the websocket endpoint, authToken is the shared room credential
func NewClient(url, authToken string, logger *slog.Logger) *Client {
	return &Client{
		url:       url,
		authToken: authToken,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
	}
}

// SetHandlers registers event callbacks. Must be called before Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect opens the connection. Idempotent: no-op if already connected
// or connecting. Failures are reported via OnDisconnected and retried
// automatically with capped exponential backoff.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.connected || c.connecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go c.dial()
}

// Close tears down the connection and disables reconnection
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether the socket is currently open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Join marks roomID as the active room. Отправляется немедленно, если
// соединение открыто, и автоматически повторяется после каждого
// успешного (re)connect.
func (c *Client) Join(roomID string) {
	c.mu.Lock()
	c.activeRoom = roomID
	connected := c.connected
	auth := c.authToken
	c.mu.Unlock()

	if connected {
		c.send(api.EventJoin, api.JoinPayload{RoomID: roomID, Auth: auth})
	}
}

// RequestFull asks the server for the authoritative snapshot of the room
func (c *Client) RequestFull(roomID string) {
	c.send(api.EventStoreGet, api.StoreGetPayload{RoomID: roomID})
}

// SendPatch ships an incremental batch tagged with a client-generated
// updateID used for echo detection
func (c *Client) SendPatch(roomID string, baseVersion int64, changes api.Changes, updateID string) {
	c.send(api.EventStorePatch, api.StorePatchPayload{
		RoomID:      roomID,
		BaseVersion: baseVersion,
		Changes:     changes,
		UpdateID:    updateID,
	})
}

// SendFull ships a whole-document replace (редкий путь, первая публикация)
func (c *Client) SendFull(roomID string, version int64, store api.Store) {
	c.send(api.EventStoreSet, api.StoreSetPayload{
		RoomID:  roomID,
		Version: version,
		Store:   store,
	})
}

// SendPresence is fire-and-forget: silently dropped if disconnected
func (c *Client) SendPresence(p api.PresencePayload) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}
	c.send(api.EventPresenceUpdate, p)
}

// dial устанавливает соединение и запускает read loop
func (c *Client) dial() {
	conn, resp, err := c.dialer.Dial(c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.logger.Warn("connection attempt failed", "url", c.url, "error", err)
		c.mu.Lock()
		c.connecting = false
		h := c.handlers
		c.mu.Unlock()
		if h.OnDisconnected != nil {
			h.OnDisconnected(fmt.Errorf("dial failed: %w", err))
		}
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.attempts = 0
	c.generation++
	generation := c.generation
	room := c.activeRoom
	auth := c.authToken
	h := c.handlers
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)

	// Повторяем join активной комнаты до уведомления подписчика:
	// к моменту OnConnected комната уже заявлена серверу
	if room != "" {
		c.send(api.EventJoin, api.JoinPayload{RoomID: room, Auth: auth})
	}
	if h.OnConnected != nil {
		h.OnConnected()
	}

	go c.readLoop(conn, generation)
}

// readLoop читает и диспатчит сообщения до ошибки чтения
func (c *Client) readLoop(conn *websocket.Conn, generation int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(generation, err)
			return
		}
		c.dispatch(raw)
	}
}

// handleDisconnect переводит клиент в disconnected и планирует reconnect
func (c *Client) handleDisconnect(generation int, err error) {
	c.mu.Lock()
	if c.closed || generation != c.generation {
		// Событие от устаревшего соединения
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	h := c.handlers
	c.mu.Unlock()

	c.logger.Warn("connection lost", "error", err)

	// Callback уходит в отдельной goroutine: send вызывается и под
	// mutex'ом движка, синхронная доставка из write-пути дала бы
	// deadlock на повторном захвате
	if h.OnDisconnected != nil {
		go h.OnDisconnected(err)
	}
	c.scheduleReconnect()
}

// scheduleReconnect планирует следующую попытку соединения
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.connected || c.connecting {
		return
	}

	c.attempts++
	if c.attempts > maxReconnectAttempts {
		c.logger.Error("giving up reconnecting", "attempts", c.attempts-1)
		return
	}

	// Экспоненциальная задержка с потолком
	delay := initialReconnectDelay << (c.attempts - 1)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}

	c.connecting = true
	c.logger.Info("reconnecting", "attempt", c.attempts, "delay", delay)

	time.AfterFunc(delay, c.dial)
}

// send сериализует и пишет сообщение. Ошибка записи трактуется как
// потеря соединения и доставляется через OnDisconnected.
func (c *Client) send(event string, payload any) {
	raw, err := api.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error("failed to encode message", "event", event, "error", err)
		return
	}

	c.mu.Lock()
	conn := c.conn
	generation := c.generation
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debug("dropping message while disconnected", "event", event)
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()

	if err != nil {
		c.handleDisconnect(generation, fmt.Errorf("write failed: %w", err))
	}
}

// dispatch разбирает конверт и вызывает соответствующий handler.
// Неизвестные события пропускаются, битые payload'ы логируются.
func (c *Client) dispatch(raw []byte) {
	var envelope api.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Warn("failed to decode envelope", "error", err)
		return
	}

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch envelope.Event {
	case api.EventConnected:
		// Handshake ack, состояние уже выставлено в dial

	case api.EventStoreState:
		var p api.StoreStatePayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			c.logger.Warn("malformed store:state payload", "error", err)
			return
		}
		if h.OnStoreState != nil {
			h.OnStoreState(p)
		}

	case api.EventStoreUpdated:
		var p api.StoreUpdatedPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			c.logger.Warn("malformed store:updated payload", "error", err)
			return
		}
		if h.OnStoreUpdated != nil {
			h.OnStoreUpdated(p)
		}

	case api.EventStoreConfirmed:
		var p api.StoreConfirmedPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			c.logger.Warn("malformed store:confirmed payload", "error", err)
			return
		}
		if h.OnStoreConfirmed != nil {
			h.OnStoreConfirmed(p)
		}

	case api.EventPresenceUpdated:
		var p api.PresencePayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			c.logger.Warn("malformed presence payload", "error", err)
			return
		}
		if h.OnPresence != nil {
			h.OnPresence(p)
		}

	case api.EventError:
		var p api.ErrorPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			c.logger.Warn("malformed error payload", "error", err)
			return
		}
		if h.OnProtocolError != nil {
			h.OnProtocolError(p)
		}

	default:
		c.logger.Debug("ignoring unknown event", "event", envelope.Event)
	}
}
