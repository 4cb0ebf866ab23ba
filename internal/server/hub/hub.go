// Package hub реализует референсный сервер коллаборации для разработки
// и интеграционных тестов: комнаты с server-owned версиями, валидация
// patch'ей против baseVersion, broadcast изменений и presence.
//
// Версия комнаты монотонно растет и меняется только здесь - клиент
// никогда не придумывает ее сам.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/sketchsync/internal/server/storage"
	"github.com/iudanet/sketchsync/pkg/api"
)

// sendBufferSize емкость исходящей очереди клиента; переполнение
// означает безнадежно медленного читателя - сообщение отбрасывается
const sendBufferSize = 64

// TokenVerifier проверяет общий credential комнаты при входе
type TokenVerifier interface {
	Verify(token, roomID string) error
}

// room состояние одной комнаты в памяти
type room struct {
	version       int64
	schemaVersion int
	records       map[string]api.Record
	clients       map[*client]bool
}

// client одно WebSocket-соединение
type client struct {
	conn *websocket.Conn
	send chan []byte
	room string
}

// Hub сервер коллаборации
type Hub struct {
	logger   *slog.Logger
	verifier TokenVerifier       // nil = аутентификация выключена
	store    storage.RoomStorage // nil = без персистентности
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// New creates a hub. store and verifier may be nil (disabled).
func New(store storage.RoomStorage, verifier TokenVerifier, logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		verifier: verifier,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		rooms: make(map[string]*room),
	}
}

// ServeHTTP upgrades the connection and runs the client until EOF
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	go cl.writeLoop()

	// Handshake ack
	h.sendTo(cl, api.EventConnected, api.ConnectedPayload{OK: true})

	h.readLoop(cl)

	// Читатель умер - выписываем клиента
	h.mu.Lock()
	if cl.room != "" {
		if r, ok := h.rooms[cl.room]; ok {
			delete(r.clients, cl)
		}
	}
	h.mu.Unlock()

	close(cl.send)
	conn.Close()
}

// writeLoop качает исходящую очередь клиента в сокет
func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
}

// readLoop читает и обрабатывает сообщения до ошибки чтения
func (h *Hub) readLoop(cl *client) {
	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope api.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			h.logger.Warn("malformed envelope", "error", err)
			continue
		}

		switch envelope.Event {
		case api.EventJoin:
			h.handleJoin(cl, envelope.Data)
		case api.EventStoreGet:
			h.handleStoreGet(cl, envelope.Data)
		case api.EventStorePatch:
			h.handleStorePatch(cl, envelope.Data)
		case api.EventStoreSet:
			h.handleStoreSet(cl, envelope.Data)
		case api.EventPresenceUpdate:
			h.handlePresence(cl, envelope.Data)
		default:
			h.logger.Debug("ignoring unknown event", "event", envelope.Event)
		}
	}
}

// handleJoin проверяет credential и вписывает клиента в комнату,
// отвечая авторитетным snapshot'ом
func (h *Hub) handleJoin(cl *client, data json.RawMessage) {
	var p api.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		h.sendError(cl, api.ErrCodeBadRequest, "malformed join payload")
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(p.Auth, p.RoomID); err != nil {
			h.logger.Warn("join rejected", "room", p.RoomID, "error", err)
			h.sendError(cl, api.ErrCodeUnauthenticated, "room credential rejected")
			return
		}
	}

	h.mu.Lock()
	// Выписываем из прежней комнаты
	if cl.room != "" && cl.room != p.RoomID {
		if old, ok := h.rooms[cl.room]; ok {
			delete(old.clients, cl)
		}
	}

	r := h.getOrLoadRoomLocked(p.RoomID)
	r.clients[cl] = true
	cl.room = p.RoomID
	state := h.statePayloadLocked(p.RoomID, r)
	h.mu.Unlock()

	h.logger.Info("client joined", "room", p.RoomID)
	h.sendTo(cl, api.EventStoreState, state)
}

// handleStoreGet отвечает полным snapshot'ом комнаты
func (h *Hub) handleStoreGet(cl *client, data json.RawMessage) {
	var p api.StoreGetPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		h.sendError(cl, api.ErrCodeBadRequest, "malformed store:get payload")
		return
	}

	h.mu.Lock()
	r := h.getOrLoadRoomLocked(p.RoomID)
	state := h.statePayloadLocked(p.RoomID, r)
	h.mu.Unlock()

	h.sendTo(cl, api.EventStoreState, state)
}

// handleStorePatch валидирует patch против версии комнаты и применяет его.
// Устаревший baseVersion отклоняется с VERSION_CONFLICT - клиент обязан
// сначала принять пропущенные изменения.
func (h *Hub) handleStorePatch(cl *client, data json.RawMessage) {
	var p api.StorePatchPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		h.sendError(cl, api.ErrCodeBadRequest, "malformed store:patch payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		h.mu.Unlock()
		h.sendError(cl, api.ErrCodeBadRequest, "room not joined")
		return
	}

	if p.BaseVersion != r.version {
		h.mu.Unlock()
		h.logger.Info("rejecting stale patch",
			"room", p.RoomID,
			"base_version", p.BaseVersion,
			"version", r.version)
		h.sendError(cl, api.ErrCodeVersionConflict, "baseVersion is stale")
		return
	}

	// Применяем изменения record-by-record, пропуская битые записи
	for _, rec := range p.Changes.Put {
		if rec.ID == "" || rec.Fields == nil {
			h.logger.Warn("skipping malformed put record", "room", p.RoomID)
			continue
		}
		r.records[rec.ID] = rec
	}
	for _, upd := range p.Changes.Update {
		if upd.ID == "" || upd.After == nil {
			h.logger.Warn("skipping malformed update record", "room", p.RoomID)
			continue
		}
		r.records[upd.ID] = api.Record{ID: upd.ID, Fields: upd.After}
	}
	for _, id := range p.Changes.Remove {
		delete(r.records, id)
	}

	r.version++
	version := r.version
	h.persistLocked(p.RoomID, r)
	state := h.statePayloadLocked(p.RoomID, r)
	h.mu.Unlock()

	// Подтверждение отправителю, broadcast всем (включая отправителя -
	// его эхо отфильтрует updateId на клиенте)
	h.sendTo(cl, api.EventStoreConfirmed, api.StoreConfirmedPayload{
		RoomID:  p.RoomID,
		Version: version,
	})
	h.broadcast(p.RoomID, api.EventStoreUpdated, api.StoreUpdatedPayload{
		RoomID:   p.RoomID,
		Version:  version,
		Store:    state.Store,
		UpdateID: p.UpdateID,
	})
}

// handleStoreSet замещает документ целиком (первая публикация)
func (h *Hub) handleStoreSet(cl *client, data json.RawMessage) {
	var p api.StoreSetPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		h.sendError(cl, api.ErrCodeBadRequest, "malformed store:set payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		h.mu.Unlock()
		h.sendError(cl, api.ErrCodeBadRequest, "room not joined")
		return
	}

	r.records = make(map[string]api.Record, len(p.Store.Records))
	for id, rec := range p.Store.Records {
		if id == "" || rec.Fields == nil {
			continue
		}
		r.records[id] = rec
	}
	r.schemaVersion = p.Store.SchemaVersion
	r.version++
	version := r.version
	h.persistLocked(p.RoomID, r)
	state := h.statePayloadLocked(p.RoomID, r)
	h.mu.Unlock()

	h.sendTo(cl, api.EventStoreConfirmed, api.StoreConfirmedPayload{
		RoomID:  p.RoomID,
		Version: version,
	})
	h.broadcast(p.RoomID, api.EventStoreUpdated, api.StoreUpdatedPayload{
		RoomID:  p.RoomID,
		Version: version,
		Store:   state.Store,
	})
}

// handlePresence пере-broadcast'ит курсор всем, кроме отправителя.
// Presence нигде не хранится: потерянный пакет замещается следующим.
func (h *Hub) handlePresence(cl *client, data json.RawMessage) {
	var p api.PresencePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return
	}

	raw, err := api.NewEnvelope(api.EventPresenceUpdated, p)
	if err != nil {
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for other := range r.clients {
		if other == cl {
			continue
		}
		select {
		case other.send <- raw:
		default:
			// Медленный читатель - presence не жалко
		}
	}
	h.mu.Unlock()
}

// getOrLoadRoomLocked возвращает комнату, поднимая ее из хранилища
// при первом обращении
func (h *Hub) getOrLoadRoomLocked(roomID string) *room {
	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	r := &room{
		schemaVersion: 1,
		records:       make(map[string]api.Record),
		clients:       make(map[*client]bool),
	}

	if h.store != nil {
		snapshot, err := h.store.GetRoom(context.Background(), roomID)
		switch {
		case err == nil:
			r.version = snapshot.Version
			r.schemaVersion = snapshot.SchemaVersion
			r.records = snapshot.Records
			h.logger.Info("room loaded from storage", "room", roomID, "version", r.version)
		case !errors.Is(err, storage.ErrRoomNotFound):
			h.logger.Warn("failed to load room", "room", roomID, "error", err)
		}
	}

	h.rooms[roomID] = r
	return r
}

// persistLocked сохраняет snapshot комнаты в хранилище
func (h *Hub) persistLocked(roomID string, r *room) {
	if h.store == nil {
		return
	}

	records := make(map[string]api.Record, len(r.records))
	for id, rec := range r.records {
		records[id] = rec
	}

	snapshot := &storage.RoomSnapshot{
		RoomID:        roomID,
		Version:       r.version,
		SchemaVersion: r.schemaVersion,
		Records:       records,
		UpdatedAt:     time.Now().UnixMilli(),
	}
	if err := h.store.SaveRoom(context.Background(), snapshot); err != nil {
		h.logger.Warn("failed to persist room", "room", roomID, "error", err)
	}
}

// statePayloadLocked собирает snapshot-payload комнаты
func (h *Hub) statePayloadLocked(roomID string, r *room) api.StoreStatePayload {
	records := make(map[string]api.Record, len(r.records))
	for id, rec := range r.records {
		records[id] = rec
	}
	return api.StoreStatePayload{
		RoomID:  roomID,
		Version: r.version,
		Store: api.Store{
			SchemaVersion: r.schemaVersion,
			Records:       records,
		},
	}
}

// sendTo кладет сообщение в очередь одного клиента
func (h *Hub) sendTo(cl *client, event string, payload any) {
	raw, err := api.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to encode message", "event", event, "error", err)
		return
	}
	select {
	case cl.send <- raw:
	default:
		h.logger.Warn("dropping message for slow client", "event", event)
	}
}

// sendError отправляет протокольную ошибку одному клиенту
func (h *Hub) sendError(cl *client, code, message string) {
	h.sendTo(cl, api.EventError, api.ErrorPayload{Code: code, Message: message})
}

// broadcast рассылает сообщение всем клиентам комнаты
func (h *Hub) broadcast(roomID, event string, payload any) {
	raw, err := api.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for cl := range r.clients {
		select {
		case cl.send <- raw:
		default:
			h.logger.Warn("dropping broadcast for slow client", "room", roomID)
		}
	}
	h.mu.Unlock()
}
