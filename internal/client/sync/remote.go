package sync

import (
	"context"
	"errors"
	"time"

	"github.com/iudanet/sketchsync/internal/client/storage"
	"github.com/iudanet/sketchsync/internal/crdt"
	"github.com/iudanet/sketchsync/internal/models"
	"github.com/iudanet/sketchsync/pkg/api"
)

// HandleConnected вызывается транспортом после успешного (re)connect.
// Прежнее соединение могло умереть mid-send, поэтому все in-flight
// бухгалтерия сбрасывается защитно: замок отправителя снимается,
// batch возвращается в pending, таймеры останавливаются.
func (e *Engine) HandleConnected() {
	e.mu.Lock()
	e.connected = true
	e.lastError = ""
	e.stopTimersLocked()
	e.restoreInflightLocked()
	e.retryAttempts = 0
	e.state = StateJoining
	room := e.cfg.RoomID
	e.mu.Unlock()

	e.logger.Info("joined room, requesting snapshot", "room", room)

	// Запрашиваем авторитетный snapshot: и при первом входе, и после
	// разрыва (сервер мог уйти вперед, пока нас не было)
	e.transport.RequestFull(room)
	e.notifyStatus()
}

// HandleDisconnected вызывается транспортом при потере соединения.
// Таймеры очищаются, pending batch сохраняется - правки не теряются,
// reconnect продолжит с того же места.
func (e *Engine) HandleDisconnected(err error) {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.state = StateDisconnected
	e.stopTimersLocked()
	e.restoreInflightLocked()
	if !e.pending.IsEmpty() {
		e.captureOfflineLocked(context.Background())
	}
	e.mu.Unlock()

	if wasConnected {
		e.logger.Warn("disconnected", "error", err)
	}
	e.notifyStatus()
}

// HandleStoreState применяет авторитетный snapshot комнаты.
//
// Если существует offline-очередь (или несохраненное локальное
// состояние), выполняется LWW-merge между локальным snapshot'ом и
// серверным. Сервер не ведет логических часов, поэтому его записи
// штампуются timestamp'ом вызывающей стороны на момент получения:
// для записей, существующих с обеих сторон, побеждает серверная копия,
// записи, известные только локально, сохраняются как локальные
// добавления и доотправляются patch'ем.
func (e *Engine) HandleStoreState(p api.StoreStatePayload) {
	e.mu.Lock()
	if p.RoomID != e.cfg.RoomID {
		e.mu.Unlock()
		return
	}

	local := filterLocalOnly(e.store.GetRecords())
	localTS := e.timestamps

	// После рестарта процесса document store пуст, а offline-очередь
	// хранит snapshot последней offline-правки - восстанавливаемся из нее
	if e.hasOffline && len(local) == 0 {
		entry, err := e.offline.GetEntry(context.Background(), e.cfg.DocumentID, e.cfg.RoomID)
		switch {
		case err == nil:
			local = entry.Snapshot
			localTS = entry.Timestamps
		case !errors.Is(err, storage.ErrEntryNotFound):
			e.logger.Warn("failed to load offline entry", "error", err)
		}
	}

	remote := fromWireStore(p.Store)
	remoteTS := make(models.TimestampMap, len(remote))
	stamp := e.clock.Now()
	for id := range remote {
		remoteTS[id] = stamp
	}

	merged, mergedTS := crdt.MergeWithLWW(local, localTS, remote, remoteTS, e.clock.ClientID())

	// Загружаем результат merge в document store, сохранив локальные
	// view-записи (камера и т.п.), которых в merge нет
	full := merged.Clone()
	for id, rec := range e.store.GetRecords() {
		if isLocalOnly(id) {
			full[id] = rec
		}
	}
	e.store.ReplaceAll(full)

	e.session.Version = p.Version
	e.session.SyncedIDs = make(map[string]bool, len(remote))
	for id := range remote {
		e.session.SyncedIDs[id] = true
	}
	e.timestamps = mergedTS
	e.haveSnapshot = true
	e.retryAttempts = 0

	// Все расхождения merge-результата с сервером становятся новой
	// pending-очередью (прежний pending уже отражен в merged)
	e.pending = crdt.DiffRecords(remote, merged)
	e.inflight = nil
	e.inflightID = ""

	// Очищаем offline-очередь: ее содержимое учтено в merge
	if e.hasOffline {
		if err := e.offline.DeleteEntry(context.Background(), e.cfg.DocumentID, e.cfg.RoomID); err != nil {
			e.logger.Warn("failed to clear offline entry", "error", err)
		}
		e.hasOffline = false
	}

	e.state = StateSyncedIdle
	e.logger.Info("snapshot applied",
		"room", p.RoomID,
		"version", p.Version,
		"records", len(merged),
		"pending", e.pending.Size())

	e.flushLocked()
	e.mu.Unlock()
	e.notifyStatus()
}

// HandleStoreConfirmed обрабатывает подтверждение собственного patch:
// версия продвигается, in-flight слот и страховочный таймер очищаются,
// замок отправителя снимается. Если за время отправки накопились новые
// правки - следующий batch уходит немедленно, без debounce-окна.
func (e *Engine) HandleStoreConfirmed(p api.StoreConfirmedPayload) {
	e.mu.Lock()
	if p.RoomID != e.cfg.RoomID {
		e.mu.Unlock()
		return
	}
	e.confirmLocked(p.Version)
	e.mu.Unlock()
	e.notifyStatus()
}

// confirmLocked общий путь подтверждения: store:confirmed или эхо
// собственного updateID в store:updated
func (e *Engine) confirmLocked(version int64) {
	e.session.Version = version

	if e.inflight != nil {
		// Подтвержденные записи становятся известными серверу
		for _, rec := range e.inflight.Put {
			e.session.MarkSynced(rec.ID)
		}
		for _, upd := range e.inflight.Update {
			e.session.MarkSynced(upd.ID)
		}
		e.session.MarkRemoved(e.inflight.Remove...)

		e.inflight = nil
		e.inflightID = ""
	}

	if e.safetyTimer != nil {
		e.safetyTimer.Stop()
		e.safetyTimer = nil
	}

	e.retryAttempts = 0
	e.state = StateSyncedIdle

	e.logger.Debug("patch confirmed", "version", version)

	// Накопившиеся правки уходят немедленно
	e.flushLocked()
}

// HandleStoreUpdated обрабатывает broadcast изменения комнаты.
// Эхо собственного patch (совпадающий updateID) трактуется как
// подтверждение, а не как чужая правка. Остальное применяется
// record-by-record через LWW против локальных timestamp.
func (e *Engine) HandleStoreUpdated(p api.StoreUpdatedPayload) {
	e.mu.Lock()
	if p.RoomID != e.cfg.RoomID {
		e.mu.Unlock()
		return
	}

	// Эхо собственной правки = подтверждение
	if p.UpdateID != "" && p.UpdateID == e.inflightID {
		e.confirmLocked(p.Version)
		e.mu.Unlock()
		e.notifyStatus()
		return
	}

	// Версия не новее известной - дубликат или устаревший broadcast
	if p.Version <= e.session.Version || !e.haveSnapshot {
		e.mu.Unlock()
		return
	}

	e.session.Version = p.Version

	remote := fromWireStore(p.Store)
	stamp := e.clock.Now()
	now := time.Now()
	current := e.store.GetRecords()

	toApply := make(models.RecordMap)
	for id, rec := range remote {
		// Изолируем битые записи: пропускаем, остальной batch применяется
		if id == "" || rec.Fields == nil {
			e.logger.Warn("skipping malformed remote record", "id", id)
			continue
		}
		// Окно подавления эха: только что отправленные нами записи
		// не перезатираются их же broadcast'ом
		if sentAt, ok := e.justSent[id]; ok && now.Sub(sentAt) < e.cfg.EchoWindow {
			continue
		}

		_, exists := current[id]
		if !exists {
			// Добавление с удаленной стороны
			toApply[id] = rec
			e.timestamps[id] = stamp
			e.session.MarkSynced(id)
			continue
		}

		localTS := e.timestamps[id]
		if crdt.Compare(localTS, stamp) >= 0 {
			// Локальная правка новее - оставляем свою копию
			continue
		}
		toApply[id] = rec
		e.timestamps[id] = stamp
		e.session.MarkSynced(id)
	}

	// Удаления: запись есть локально, известна серверу, отсутствует
	// в удаленном snapshot'е и удаленные часы новее локальных
	var toRemove []string
	for id := range current {
		if isLocalOnly(id) {
			continue
		}
		if _, ok := remote[id]; ok {
			continue
		}
		if !e.session.IsSynced(id) {
			// Локальное добавление, еще не известное серверу
			continue
		}
		if sentAt, ok := e.justSent[id]; ok && now.Sub(sentAt) < e.cfg.EchoWindow {
			continue
		}
		if crdt.Compare(e.timestamps[id], stamp) >= 0 {
			continue
		}
		toRemove = append(toRemove, id)
		delete(e.timestamps, id)
		e.session.MarkRemoved(id)
	}

	e.pruneJustSentLocked(now)

	e.logger.Debug("applying remote update",
		"version", p.Version,
		"applied", len(toApply),
		"removed", len(toRemove))

	// Запись в document store обернута re-entrancy guard'ом:
	// события получат OriginRemote и не попадут в очередь отправки
	e.store.ApplyRecords(toApply)
	e.store.RemoveRecords(toRemove)

	e.mu.Unlock()
	e.notifyStatus()
}

// HandleProtocolError обрабатывает протокольную ошибку сервера.
// VERSION_CONFLICT восстанавливает batch и планирует повтор с backoff;
// UNAUTHENTICATED фатальна для сессии и не повторяется.
func (e *Engine) HandleProtocolError(p api.ErrorPayload) {
	e.mu.Lock()
	switch p.Code {
	case api.ErrCodeVersionConflict:
		e.logger.Warn("version conflict, restoring batch", "message", p.Message)
		e.restoreInflightLocked()
		e.scheduleRetryLocked()

	case api.ErrCodeUnauthenticated:
		e.logger.Error("authentication rejected", "message", p.Message)
		e.lastError = "authentication failed: " + p.Message
		e.stopTimersLocked()
		e.restoreInflightLocked()

	default:
		e.logger.Error("protocol error", "code", p.Code, "message", p.Message)
		e.lastError = p.Message
	}
	e.mu.Unlock()
	e.notifyStatus()
}
