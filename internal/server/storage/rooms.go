package storage

import (
	"context"

	"github.com/iudanet/sketchsync/pkg/api"
)

// RoomSnapshot персистентное состояние одной комнаты
type RoomSnapshot struct {
	RoomID        string
	Version       int64
	SchemaVersion int
	Records       map[string]api.Record
	UpdatedAt     int64 // unix-миллисекунды последнего изменения
}

// RoomStorage defines interface for durable room snapshot persistence
type RoomStorage interface {
	// GetRoom retrieves the snapshot for roomID
	// Returns ErrRoomNotFound if the room has never been persisted
	GetRoom(ctx context.Context, roomID string) (*RoomSnapshot, error)

	// SaveRoom stores or overwrites the room snapshot
	SaveRoom(ctx context.Context, snapshot *RoomSnapshot) error
}
