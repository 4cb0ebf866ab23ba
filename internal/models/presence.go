package models

// Cursor позиция курсора участника на холсте
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceEntry эфемерное состояние одного участника комнаты.
// Никогда не персистится; запись без обновлений устаревает и
// удаляется сборщиком (см. presence.Channel).
type PresenceEntry struct {
	ParticipantID string  `json:"participantId"`
	Name          string  `json:"name"`
	Color         string  `json:"color"`
	Cursor        *Cursor `json:"cursor"`      // nil = курсор вне холста
	LastUpdated   int64   `json:"lastUpdated"` // LastUpdated unix-миллисекунды последнего обновления
}

// Clone создает копию presence-записи
func (e *PresenceEntry) Clone() *PresenceEntry {
	clone := *e
	if e.Cursor != nil {
		cursor := *e.Cursor
		clone.Cursor = &cursor
	}
	return &clone
}
