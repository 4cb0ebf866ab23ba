// Package presence реализует параллельный best-effort канал эфемерного
// состояния участников: broadcast курсора с троттлингом и карту живых
// участников со сборкой устаревших записей.
//
// Канал независим от документной синхронизации: broadcast'ы не
// ставятся в offline-очередь и не подчиняются outbox-замку движка -
// потерянный пакет просто замещается следующим.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/sketchsync/internal/models"
	"github.com/iudanet/sketchsync/pkg/api"
)

const (
	// ThrottleInterval минимальный интервал между broadcast'ами курсора
	ThrottleInterval = 50 * time.Millisecond
	// StaleAfter возраст, после которого запись участника считается мертвой
	StaleAfter = 10 * time.Second
	// sweepInterval период сборки устаревших записей
	sweepInterval = 2 * time.Second
)

// Transport определяет единственную операцию транспорта, нужную каналу
type Transport interface {
	SendPresence(p api.PresencePayload)
}

// Channel presence-канал одной комнаты
type Channel struct {
	transport Transport
	logger    *slog.Logger

	roomID        string
	participantID string
	name          string
	color         string

	mu            sync.Mutex
	entries       map[string]*models.PresenceEntry
	lastSent      time.Time
	pendingCursor *models.Cursor
	pendingClear  bool
	trailingTimer *time.Timer

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewChannel creates a presence channel for one participant in one room
func NewChannel(tr Transport, roomID, participantID, name, color string, logger *slog.Logger) *Channel {
	return &Channel{
		transport:     tr,
		logger:        logger,
		roomID:        roomID,
		participantID: participantID,
		name:          name,
		color:         color,
		entries:       make(map[string]*models.PresenceEntry),
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

// Start запускает сборщик устаревших записей
func (c *Channel) Start() {
	go c.sweepLoop()
}

// Stop останавливает сборщик
func (c *Channel) Stop() {
	c.once.Do(func() { close(c.done) })
}

// SetCursor broadcast'ит позицию курсора с троттлингом: не чаще одного
// пакета в ThrottleInterval, промежуточные позиции замещаются последней
// (trailing send по таймеру).
func (c *Channel) SetCursor(x, y float64) {
	c.broadcast(&models.Cursor{X: x, Y: y}, false)
}

// ClearCursor сообщает, что курсор покинул холст
func (c *Channel) ClearCursor() {
	c.broadcast(nil, true)
}

// broadcast общий путь отправки с троттлингом
func (c *Channel) broadcast(cursor *models.Cursor, clear bool) {
	c.mu.Lock()

	now := c.now()
	if now.Sub(c.lastSent) >= ThrottleInterval {
		c.lastSent = now
		c.pendingCursor = nil
		c.pendingClear = false
		payload := c.payloadLocked(cursor, clear)
		c.mu.Unlock()

		c.transport.SendPresence(payload)
		return
	}

	// Внутри окна троттлинга: запоминаем последнее состояние и ставим
	// trailing-таймер на остаток окна
	c.pendingCursor = cursor
	c.pendingClear = clear
	if c.trailingTimer == nil {
		remaining := ThrottleInterval - now.Sub(c.lastSent)
		c.trailingTimer = time.AfterFunc(remaining, c.flushPending)
	}
	c.mu.Unlock()
}

// flushPending отправляет отложенное состояние курсора
func (c *Channel) flushPending() {
	c.mu.Lock()
	c.trailingTimer = nil
	cursor := c.pendingCursor
	clear := c.pendingClear
	if cursor == nil && !clear {
		c.mu.Unlock()
		return
	}
	c.lastSent = c.now()
	c.pendingCursor = nil
	c.pendingClear = false
	payload := c.payloadLocked(cursor, clear)
	c.mu.Unlock()

	c.transport.SendPresence(payload)
}

// payloadLocked собирает wire-payload текущего участника
func (c *Channel) payloadLocked(cursor *models.Cursor, clear bool) api.PresencePayload {
	payload := api.PresencePayload{
		RoomID:        c.roomID,
		ParticipantID: c.participantID,
		Name:          c.name,
		Color:         c.color,
	}
	if !clear && cursor != nil {
		payload.Cursor = &api.Cursor{X: cursor.X, Y: cursor.Y}
	}
	return payload
}

// HandleUpdate принимает presence-broadcast другого участника
func (c *Channel) HandleUpdate(p api.PresencePayload) {
	if p.RoomID != c.roomID || p.ParticipantID == c.participantID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &models.PresenceEntry{
		ParticipantID: p.ParticipantID,
		Name:          p.Name,
		Color:         p.Color,
		LastUpdated:   c.now().UnixMilli(),
	}
	if p.Cursor != nil {
		entry.Cursor = &models.Cursor{X: p.Cursor.X, Y: p.Cursor.Y}
	}
	c.entries[p.ParticipantID] = entry
}

// Participants возвращает копию живых presence-записей.
// Записи старше StaleAfter не возвращаются, даже если сборщик
// до них еще не дошел.
func (c *Channel) Participants() []*models.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().UnixMilli() - StaleAfter.Milliseconds()
	result := make([]*models.PresenceEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.LastUpdated < cutoff {
			continue
		}
		result = append(result, entry.Clone())
	}
	return result
}

// sweepLoop периодически выбрасывает устаревшие записи
func (c *Channel) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep удаляет записи старше StaleAfter
func (c *Channel) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().UnixMilli() - StaleAfter.Milliseconds()
	for id, entry := range c.entries {
		if entry.LastUpdated < cutoff {
			c.logger.Debug("dropping stale presence entry", "participant", id)
			delete(c.entries, id)
		}
	}
}

// SetNowFunc подменяет источник времени. Только для тестов.
func (c *Channel) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
