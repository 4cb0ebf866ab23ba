// Package sync реализует ядро синхронизации: батчинг локальных правок,
// протокол send/acknowledge/conflict поверх транспорта, применение
// удаленных правок через LWW-merge, offline-очередь и наблюдаемый
// статус соединения для поверхности редактирования.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/sketchsync/internal/client/docstore"
	"github.com/iudanet/sketchsync/internal/client/storage"
	"github.com/iudanet/sketchsync/internal/crdt"
	"github.com/iudanet/sketchsync/internal/models"
	"github.com/iudanet/sketchsync/pkg/api"
)

// State состояние машины синхронизации
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoining
	StateSyncedIdle
	StateSending
	StateRecovering
)

// String возвращает читаемое имя состояния
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateSyncedIdle:
		return "synced-idle"
	case StateSending:
		return "sending"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Transport определяет интерфейс транспорта, который потребляет движок.
// Реализации не должны вызывать handlers движка синхронно из этих
// методов - события доставляются асинхронно.
type Transport interface {
	Connect()
	Join(roomID string)
	RequestFull(roomID string)
	SendPatch(roomID string, baseVersion int64, changes api.Changes, updateID string)
	SendFull(roomID string, version int64, store api.Store)
}

// Status наблюдаемое состояние движка для поверхности редактирования
type Status struct {
	State             State
	Connected         bool
	Syncing           bool
	HasPendingChanges bool
	Version           int64
	LastError         string
}

// Config параметры движка
type Config struct {
	DocumentID string
	RoomID     string

	// DebounceInterval окно коалесценции локальных правок перед отправкой
	DebounceInterval time.Duration
	// SendTimeout страховочный таймер на потерянное подтверждение
	SendTimeout time.Duration
	// RetryBaseDelay база экспоненциального backoff при конфликте версий
	RetryBaseDelay time.Duration
	// RetryMaxDelay потолок backoff
	RetryMaxDelay time.Duration
	// EchoWindow окно подавления эха только что отправленных записей
	EchoWindow time.Duration
}

// Значения по умолчанию
const (
	DefaultDebounceInterval = 30 * time.Millisecond
	DefaultSendTimeout      = 5 * time.Second
	DefaultRetryBaseDelay   = 50 * time.Millisecond
	DefaultRetryMaxDelay    = 5 * time.Second
	DefaultEchoWindow       = time.Second
)

// withDefaults подставляет значения по умолчанию вместо нулевых
func (c Config) withDefaults() Config {
	if c.DebounceInterval == 0 {
		c.DebounceInterval = DefaultDebounceInterval
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = DefaultEchoWindow
	}
	return c
}

// localOnlyPrefixes виды записей, представляющие чисто локальное состояние
// просмотра (камера, per-instance UI, сырая позиция указателя). Такие
// записи никогда не синхронизируются: фильтруются и перед исходящим
// diff'ом, и при применении входящих данных.
var localOnlyPrefixes = []string{"camera:", "instance:", "pointer:"}

// isLocalOnly возвращает true для записей, не подлежащих синхронизации
func isLocalOnly(id string) bool {
	for _, prefix := range localOnlyPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// Engine движок синхронизации одной комнаты одного документа.
// Все сетевые сбои приходят через те же callbacks, что и успешные
// события; наружу ошибки не бросаются.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	clock     *crdt.Clock
	transport Transport
	store     *docstore.Store
	offline   storage.OfflineStorage

	mu      stdsync.Mutex
	state   State
	session *models.DocumentSession

	// haveSnapshot true после загрузки первого snapshot'а комнаты в этой сессии
	haveSnapshot bool
	connected    bool
	lastError    string
	hasOffline   bool

	pending    *models.ChangeBatch
	inflight   *models.ChangeBatch
	inflightID string

	// timestamps логические timestamp всех известных записей
	timestamps models.TimestampMap
	// justSent время отправки записей для окна подавления эха
	justSent map[string]time.Time

	retryAttempts int

	debounceTimer *time.Timer
	safetyTimer   *time.Timer
	backoffTimer  *time.Timer

	onStatus func(Status)
}

// NewEngine creates a sync engine bound to one (document, room) pair.
// Подписывается на change-события document store немедленно.
func NewEngine(
	cfg Config,
	tr Transport,
	store *docstore.Store,
	offline storage.OfflineStorage,
	clock *crdt.Clock,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		clock:      clock,
		transport:  tr,
		store:      store,
		offline:    offline,
		state:      StateDisconnected,
		session:    models.NewDocumentSession(cfg.RoomID),
		pending:    models.NewChangeBatch(),
		timestamps: make(models.TimestampMap),
		justSent:   make(map[string]time.Time),
	}

	store.Subscribe(e.onStoreChange)

	return e
}

// OnStatusChange регистрирует callback на смену наблюдаемого статуса
func (e *Engine) OnStatusChange(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = fn
}

// Status возвращает текущий наблюдаемый статус
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	return Status{
		State:             e.state,
		Connected:         e.connected,
		Syncing:           e.state == StateSending || e.state == StateRecovering,
		HasPendingChanges: !e.pending.IsEmpty() || e.inflight != nil || e.hasOffline,
		Version:           e.session.Version,
		LastError:         e.lastError,
	}
}

// notifyStatus доставляет статус подписчику. Вызывается без mutex.
func (e *Engine) notifyStatus() {
	e.mu.Lock()
	fn := e.onStatus
	status := e.statusLocked()
	e.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}

// Start запускает движок: проверяет offline-очередь, открывает соединение
// и заявляет комнату. Handlers транспорта должны быть привязаны к движку
// до вызова (см. Handlers поверх transport.Client в cmd/client).
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	// Восстанавливаем признак offline-очереди после рестарта процесса
	if _, err := e.offline.GetEntry(ctx, e.cfg.DocumentID, e.cfg.RoomID); err == nil {
		e.hasOffline = true
	} else if !errors.Is(err, storage.ErrEntryNotFound) {
		e.logger.Warn("failed to read offline queue", "error", err)
	}
	e.state = StateConnecting
	e.mu.Unlock()

	e.transport.Connect()
	e.transport.Join(e.cfg.RoomID)
	e.notifyStatus()
}

// Stop останавливает таймеры движка. Pending batch сохраняется в
// offline-очередь, чтобы правки пережили перезапуск.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.stopTimersLocked()
	if e.inflight != nil {
		e.restoreInflightLocked()
	}
	if !e.pending.IsEmpty() {
		e.captureOfflineLocked(ctx)
	}
	e.state = StateDisconnected
	e.mu.Unlock()
}

// onStoreChange слушатель change-событий document store.
// Программные записи (применение удаленных данных) отсечены re-entrancy
// guard'ом по Origin до захвата mutex - иначе remote-apply был бы
// принят за новую локальную правку и поставлен в очередь отправки.
func (e *Engine) onStoreChange(ev docstore.ChangeEvent) {
	if ev.Origin != docstore.OriginUser {
		return
	}

	e.mu.Lock()

	delta := models.NewChangeBatch()
	for _, rec := range ev.Changed {
		if isLocalOnly(rec.ID) {
			continue
		}
		// Каждая мутация получает timestamp до попадания в очередь
		e.timestamps[rec.ID] = e.clock.Now()
		if e.session.IsSynced(rec.ID) {
			delta.Update = append(delta.Update, models.RecordUpdate{
				ID:    rec.ID,
				After: rec.Clone().Fields,
			})
		} else {
			delta.Put = append(delta.Put, rec.Clone())
		}
	}
	for _, id := range ev.Removed {
		if isLocalOnly(id) {
			continue
		}
		e.timestamps[id] = e.clock.Now()
		delta.Remove = append(delta.Remove, id)
	}

	if delta.IsEmpty() {
		e.mu.Unlock()
		return
	}

	e.pending = models.MergeBatches(e.pending, delta)

	if !e.connected || !e.haveSnapshot {
		// Нет соединения - фиксируем состояние в offline-очередь
		e.captureOfflineLocked(context.Background())
		e.mu.Unlock()
		e.notifyStatus()
		return
	}

	e.scheduleFlushLocked()
	e.mu.Unlock()
	e.notifyStatus()
}

// scheduleFlushLocked перезапускает debounce-таймер: flush срабатывает,
// когда правки прекращаются, коалесцируя burst (например, drag-жест)
// в один сетевой round trip.
func (e *Engine) scheduleFlushLocked() {
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.cfg.DebounceInterval, e.flush)
}

// flush отправляет накопленный batch, если отправка возможна
func (e *Engine) flush() {
	e.mu.Lock()
	e.flushLocked()
	e.mu.Unlock()
	e.notifyStatus()
}

// flushLocked реализует outbox: не более одного patch в полете на
// комнату. Pending batch перемещается в in-flight слот, получает свежий
// updateID и уходит в transport; страховочный таймер защищает от
// потерянного подтверждения.
func (e *Engine) flushLocked() {
	if e.pending.IsEmpty() || e.inflight != nil {
		return
	}
	if !e.connected || !e.haveSnapshot || e.state == StateRecovering {
		return
	}

	e.inflight = e.pending
	e.pending = models.NewChangeBatch()
	e.inflightID = uuid.New().String()

	// Запоминаем отправленные записи для окна подавления эха
	now := time.Now()
	for _, rec := range e.inflight.Put {
		e.justSent[rec.ID] = now
	}
	for _, upd := range e.inflight.Update {
		e.justSent[upd.ID] = now
	}
	for _, id := range e.inflight.Remove {
		e.justSent[id] = now
	}

	e.state = StateSending
	if e.safetyTimer != nil {
		e.safetyTimer.Stop()
	}
	e.safetyTimer = time.AfterFunc(e.cfg.SendTimeout, e.onSendTimeout)

	e.logger.Debug("sending patch",
		"room", e.cfg.RoomID,
		"base_version", e.session.Version,
		"update_id", e.inflightID,
		"mutations", e.inflight.Size())

	e.transport.SendPatch(e.cfg.RoomID, e.session.Version, toWireChanges(e.inflight), e.inflightID)
}

// onSendTimeout срабатывает при потерянном подтверждении: in-flight
// batch возвращается в начало pending, замок отправителя снимается,
// повтор планируется с backoff - так же, как при конфликте версий.
func (e *Engine) onSendTimeout() {
	e.mu.Lock()
	if e.inflight == nil {
		e.mu.Unlock()
		return
	}
	e.logger.Warn("send confirmation timed out", "update_id", e.inflightID)
	e.restoreInflightLocked()
	e.scheduleRetryLocked()
	e.mu.Unlock()
	e.notifyStatus()
}

// restoreInflightLocked возвращает in-flight batch в начало pending
// и снимает замок отправителя
func (e *Engine) restoreInflightLocked() {
	if e.inflight == nil {
		return
	}
	e.pending = models.MergeBatches(e.inflight, e.pending)
	e.inflight = nil
	e.inflightID = ""
	if e.safetyTimer != nil {
		e.safetyTimer.Stop()
		e.safetyTimer = nil
	}
}

// scheduleRetryLocked планирует повторную отправку с экспоненциальной
// задержкой base * 2^attempt (с потолком) - защита от retry storm
// между двумя клиентами, дерущимися за одну запись.
func (e *Engine) scheduleRetryLocked() {
	e.retryAttempts++
	delay := e.cfg.RetryBaseDelay << (e.retryAttempts - 1)
	if delay > e.cfg.RetryMaxDelay || delay <= 0 {
		delay = e.cfg.RetryMaxDelay
	}

	e.state = StateRecovering
	e.logger.Info("scheduling retry", "attempt", e.retryAttempts, "delay", delay)

	if e.backoffTimer != nil {
		e.backoffTimer.Stop()
	}
	e.backoffTimer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.backoffTimer = nil
		if e.state == StateRecovering {
			e.state = StateSyncedIdle
		}
		e.flushLocked()
		e.mu.Unlock()
		e.notifyStatus()
	})
}

// captureOfflineLocked персистит текущее состояние документа в
// offline-очередь. На (document, room) хранится одна запись - каждая
// следующая правка перезаписывает предыдущую.
func (e *Engine) captureOfflineLocked(ctx context.Context) {
	entry := &models.OfflineChangeEntry{
		DocumentID: e.cfg.DocumentID,
		RoomID:     e.cfg.RoomID,
		CapturedAt: time.Now().UnixMilli(),
		Snapshot:   filterLocalOnly(e.store.GetRecords()),
		Timestamps: e.timestamps.Clone(),
	}
	if err := e.offline.SaveEntry(ctx, entry); err != nil {
		e.logger.Warn("failed to persist offline changes", "error", err)
		return
	}
	e.hasOffline = true
}

// stopTimersLocked останавливает все таймеры движка
func (e *Engine) stopTimersLocked() {
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	if e.safetyTimer != nil {
		e.safetyTimer.Stop()
		e.safetyTimer = nil
	}
	if e.backoffTimer != nil {
		e.backoffTimer.Stop()
		e.backoffTimer = nil
	}
}

// pruneJustSentLocked выбрасывает устаревшие записи окна эха
func (e *Engine) pruneJustSentLocked(now time.Time) {
	for id, sentAt := range e.justSent {
		if now.Sub(sentAt) >= e.cfg.EchoWindow {
			delete(e.justSent, id)
		}
	}
}

// filterLocalOnly возвращает копию карты без локальных view-записей
func filterLocalOnly(m models.RecordMap) models.RecordMap {
	result := make(models.RecordMap, len(m))
	for id, rec := range m {
		if isLocalOnly(id) {
			continue
		}
		result[id] = rec
	}
	return result
}
