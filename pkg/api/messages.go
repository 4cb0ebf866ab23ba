// Package api определяет wire-протокол коллаборации: JSON сообщения
// поверх постоянного message-oriented соединения (WebSocket).
// Каждое сообщение - конверт {event, data} с закрытым множеством
// имен событий; неизвестные события получатель пропускает.
package api

import (
	"encoding/json"
	"fmt"
)

// Имена событий клиент -> сервер
const (
	EventJoin           = "join"
	EventStoreGet       = "store:get"
	EventStoreSet       = "store:set"
	EventStorePatch     = "store:patch"
	EventPresenceUpdate = "presence:update"
)

// Имена событий сервер -> клиент
const (
	EventConnected       = "connected"
	EventStoreState      = "store:state"
	EventStoreUpdated    = "store:updated"
	EventStoreConfirmed  = "store:confirmed"
	EventPresenceUpdated = "presence:updated"
	EventError           = "error"
)

// Коды протокольных ошибок
const (
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeBadRequest      = "BAD_REQUEST"
)

// Envelope конверт любого сообщения протокола
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope сериализует payload в конверт с заданным событием
func NewEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	envelope := Envelope{Event: event, Data: data}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return raw, nil
}

// Record запись документа в wire-представлении
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Store полное содержимое документа комнаты
type Store struct {
	SchemaVersion int               `json:"schemaVersion"`
	Records       map[string]Record `json:"records"`
}

// UpdateChange замена полей существующей записи
type UpdateChange struct {
	ID    string         `json:"id"`
	After map[string]any `json:"after"`
}

// Changes инкрементальный набор изменений
type Changes struct {
	Put    []Record       `json:"put"`
	Update []UpdateChange `json:"update"`
	Remove []string       `json:"remove"`
}

// JoinPayload вход в комнату. Auth - общий credential комнаты
// (подписанный токен), проверяется сервером при входе.
type JoinPayload struct {
	RoomID string `json:"roomId"`
	Auth   string `json:"auth,omitempty"`
}

// StoreGetPayload запрос полного snapshot комнаты
type StoreGetPayload struct {
	RoomID string `json:"roomId"`
}

// StoreSetPayload полная замена документа (редкий путь, первая публикация)
type StoreSetPayload struct {
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
	Store   Store  `json:"store"`
}

// StorePatchPayload инкрементальная правка против известной версии.
// UpdateID генерируется клиентом и используется для подавления эха.
type StorePatchPayload struct {
	RoomID      string  `json:"roomId"`
	BaseVersion int64   `json:"baseVersion"`
	Changes     Changes `json:"changes"`
	UpdateID    string  `json:"updateId"`
}

// PresencePayload broadcast курсора участника.
// Используется в обоих направлениях: presence:update и presence:updated.
type PresencePayload struct {
	RoomID        string  `json:"roomId"`
	ParticipantID string  `json:"participantId"`
	Name          string  `json:"name"`
	Color         string  `json:"color"`
	Cursor        *Cursor `json:"cursor"` // nil = курсор вне холста
}

// Cursor позиция курсора на холсте
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ConnectedPayload подтверждение handshake
type ConnectedPayload struct {
	OK bool `json:"ok"`
}

// StoreStatePayload авторитетный snapshot комнаты (ответ на join/store:get)
type StoreStatePayload struct {
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
	Store   Store  `json:"store"`
}

// StoreUpdatedPayload broadcast любого patch/replace. UpdateID присутствует,
// если изменение пришло из store:patch - по нему отправитель отличает
// эхо собственной правки от чужих изменений.
type StoreUpdatedPayload struct {
	RoomID   string `json:"roomId"`
	Version  int64  `json:"version"`
	Store    Store  `json:"store"`
	UpdateID string `json:"updateId,omitempty"`
}

// StoreConfirmedPayload подтверждение собственного patch отправителя
type StoreConfirmedPayload struct {
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
}

// ErrorPayload протокольная ошибка
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
