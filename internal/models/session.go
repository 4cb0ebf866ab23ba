package models

// DocumentSession хранит состояние синхронизации одной комнаты.
// Version принадлежит серверу: клиент никогда не уменьшает и не
// придумывает ее - только принимает из подтверждений и snapshot'ов.
type DocumentSession struct {
	RoomID    string
	Version   int64
	SyncedIDs map[string]bool // ID записей, которые сервер уже подтвердил
}

// NewDocumentSession создает сессию для комнаты с нулевой версией
func NewDocumentSession(roomID string) *DocumentSession {
	return &DocumentSession{
		RoomID:    roomID,
		SyncedIDs: make(map[string]bool),
	}
}

// MarkSynced помечает записи как известные серверу
func (s *DocumentSession) MarkSynced(ids ...string) {
	for _, id := range ids {
		s.SyncedIDs[id] = true
	}
}

// MarkRemoved убирает записи из множества синхронизированных
func (s *DocumentSession) MarkRemoved(ids ...string) {
	for _, id := range ids {
		delete(s.SyncedIDs, id)
	}
}

// IsSynced возвращает true, если запись уже известна серверу
func (s *DocumentSession) IsSynced(id string) bool {
	return s.SyncedIDs[id]
}
