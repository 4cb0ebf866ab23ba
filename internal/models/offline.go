package models

// OfflineChangeEntry фиксирует состояние документа на момент локальной
// правки без соединения. На пару (DocumentID, RoomID) существует не более
// одной записи - каждая следующая правка перезаписывает предыдущую.
type OfflineChangeEntry struct {
	DocumentID string       `json:"document_id"`
	RoomID     string       `json:"room_id"`
	CapturedAt int64        `json:"captured_at"` // CapturedAt unix-миллисекунды последней offline-правки
	Snapshot   RecordMap    `json:"snapshot"`
	Timestamps TimestampMap `json:"timestamps"`
}
