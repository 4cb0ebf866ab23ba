// Package docstore реализует интерфейс document store, который движок
// синхронизации потребляет у поверхности редактирования: карта записей
// плюс поток change-событий, различимых по происхождению
// (пользовательская правка или программная запись).
package docstore

import (
	"sync"

	"github.com/iudanet/sketchsync/internal/models"
)

// Origin происхождение изменения в документе
type Origin int

const (
	// OriginUser изменение сделано пользователем через поверхность редактирования
	OriginUser Origin = iota
	// OriginRemote изменение записано движком синхронизации (применение
	// удаленных данных); такие события не должны попадать обратно в очередь
	// отправки
	OriginRemote
)

// ChangeEvent одно изменение документа
type ChangeEvent struct {
	Origin  Origin
	Changed []*models.Record // добавленные или замещенные записи (состояние после изменения)
	Removed []string         // идентификаторы удаленных записей
}

// Listener получатель change-событий
type Listener func(ChangeEvent)

// Store document store, разделяемый двумя писателями: поверхностью
// редактирования (пользовательские правки) и движком синхронизации
// (применение удаленных данных). Писатели живут в разных goroutines,
// поэтому карта защищена mutex'ом. Они различаются re-entrancy
// guard'ом: программные записи идут через ApplyRecords/RemoveRecords
// и помечаются OriginRemote, поэтому слушатель локальных правок их
// игнорирует и feedback loop не возникает.
//
// Слушатели вызываются без mutex'а - слушатель может re-entrant'но
// писать в store из обработки события.
type Store struct {
	mu        sync.Mutex
	records   models.RecordMap
	listeners []Listener
	applying  bool // re-entrancy guard: true во время программной записи
}

// NewStore создает пустой document store
func NewStore() *Store {
	return &Store{
		records: make(models.RecordMap),
	}
}

// Subscribe регистрирует слушателя change-событий
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// GetRecords возвращает глубокую копию всех записей
func (s *Store) GetRecords() models.RecordMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Clone()
}

// Get возвращает копию записи или nil, если записи нет
func (s *Store) Get(id string) *models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Len возвращает количество записей
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Put добавляет или замещает запись от имени пользователя
func (s *Store) Put(rec *models.Record) {
	s.mu.Lock()
	s.records[rec.ID] = rec.Clone()
	ev := ChangeEvent{
		Origin:  s.originLocked(),
		Changed: []*models.Record{rec.Clone()},
	}
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, ev)
}

// Update замещает поля существующей записи от имени пользователя.
// Несуществующий ID трактуется как добавление (whole-record replace).
func (s *Store) Update(id string, after map[string]any) {
	s.Put(&models.Record{ID: id, Fields: after})
}

// Delete удаляет запись от имени пользователя
func (s *Store) Delete(id string) {
	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.records, id)
	ev := ChangeEvent{
		Origin:  s.originLocked(),
		Removed: []string{id},
	}
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, ev)
}

// ApplyRecords программно записывает (добавляет или замещает) записи.
// Вызывается движком при применении удаленных данных; события помечаются
// OriginRemote.
func (s *Store) ApplyRecords(records models.RecordMap) {
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	s.applying = true
	changed := make([]*models.Record, 0, len(records))
	for id, rec := range records {
		clone := rec.Clone()
		s.records[id] = clone
		changed = append(changed, clone.Clone())
	}
	listeners := s.listeners
	s.mu.Unlock()

	// Guard держится до конца доставки: re-entrant'ная запись
	// слушателя тоже получит OriginRemote
	notify(listeners, ChangeEvent{
		Origin:  OriginRemote,
		Changed: changed,
	})
	s.clearApplying()
}

// RemoveRecords программно удаляет записи по ID
func (s *Store) RemoveRecords(ids []string) {
	s.mu.Lock()
	s.applying = true
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	listeners := s.listeners
	s.mu.Unlock()

	if len(removed) == 0 {
		s.clearApplying()
		return
	}

	notify(listeners, ChangeEvent{
		Origin:  OriginRemote,
		Removed: removed,
	})
	s.clearApplying()
}

// ReplaceAll программно замещает все содержимое документа.
// Используется при загрузке snapshot'а или результата offline-merge.
func (s *Store) ReplaceAll(records models.RecordMap) {
	s.mu.Lock()
	s.applying = true

	removed := make([]string, 0)
	for id := range s.records {
		if _, ok := records[id]; !ok {
			removed = append(removed, id)
		}
	}

	changed := make([]*models.Record, 0, len(records))
	for _, rec := range records {
		changed = append(changed, rec.Clone())
	}

	s.records = records.Clone()
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, ChangeEvent{
		Origin:  OriginRemote,
		Changed: changed,
		Removed: removed,
	})
	s.clearApplying()
}

// originLocked возвращает происхождение текущей записи с учетом guard'а:
// пользовательский API, вызванный re-entrant'но изнутри программной
// записи, все равно дает OriginRemote.
func (s *Store) originLocked() Origin {
	if s.applying {
		return OriginRemote
	}
	return OriginUser
}

// clearApplying снимает re-entrancy guard после доставки события
func (s *Store) clearApplying() {
	s.mu.Lock()
	s.applying = false
	s.mu.Unlock()
}

// notify рассылает событие снятому под mutex'ом срезу слушателей
func notify(listeners []Listener, ev ChangeEvent) {
	for _, l := range listeners {
		l(ev)
	}
}
