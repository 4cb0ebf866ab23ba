package sync

import (
	"github.com/iudanet/sketchsync/internal/client/transport"
	"github.com/iudanet/sketchsync/internal/models"
	"github.com/iudanet/sketchsync/pkg/api"
)

// Handlers связывает callbacks транспорта с обработчиками движка.
// Presence-события сюда не входят - их обрабатывает presence.Channel
// независимо от outbox-замка движка.
func (e *Engine) Handlers() transport.Handlers {
	return transport.Handlers{
		OnConnected:      e.HandleConnected,
		OnDisconnected:   e.HandleDisconnected,
		OnStoreState:     e.HandleStoreState,
		OnStoreUpdated:   e.HandleStoreUpdated,
		OnStoreConfirmed: e.HandleStoreConfirmed,
		OnProtocolError:  e.HandleProtocolError,
	}
}

// toWireChanges конвертирует ChangeBatch в wire-представление
func toWireChanges(b *models.ChangeBatch) api.Changes {
	changes := api.Changes{
		Put:    make([]api.Record, 0, len(b.Put)),
		Update: make([]api.UpdateChange, 0, len(b.Update)),
		Remove: make([]string, 0, len(b.Remove)),
	}
	for _, rec := range b.Put {
		clone := rec.Clone()
		changes.Put = append(changes.Put, api.Record{ID: clone.ID, Fields: clone.Fields})
	}
	for _, upd := range b.Update {
		changes.Update = append(changes.Update, api.UpdateChange{ID: upd.ID, After: upd.After})
	}
	changes.Remove = append(changes.Remove, b.Remove...)
	return changes
}

// fromWireStore конвертирует wire-snapshot в карту записей,
// отфильтровывая локальные view-записи
func fromWireStore(s api.Store) models.RecordMap {
	result := make(models.RecordMap, len(s.Records))
	for id, rec := range s.Records {
		if isLocalOnly(id) {
			continue
		}
		recordID := rec.ID
		if recordID == "" {
			recordID = id
		}
		result[id] = &models.Record{ID: recordID, Fields: rec.Fields}
	}
	return result
}

// toWireStore конвертирует карту записей в wire-snapshot
func toWireStore(m models.RecordMap, schemaVersion int) api.Store {
	store := api.Store{
		SchemaVersion: schemaVersion,
		Records:       make(map[string]api.Record, len(m)),
	}
	for id, rec := range m {
		clone := rec.Clone()
		store.Records[id] = api.Record{ID: clone.ID, Fields: clone.Fields}
	}
	return store
}

// PublishFull отправляет полную замену документа (редкий путь,
// например первая публикация локального файла в комнату)
func (e *Engine) PublishFull(schemaVersion int) {
	e.mu.Lock()
	records := filterLocalOnly(e.store.GetRecords())
	room := e.cfg.RoomID
	version := e.session.Version
	connected := e.connected
	e.mu.Unlock()

	if !connected {
		e.logger.Warn("cannot publish full document while disconnected")
		return
	}

	e.transport.SendFull(room, version, toWireStore(records, schemaVersion))
}
