package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/sketchsync/internal/server/storage"
	"github.com/iudanet/sketchsync/pkg/api"
)

// GetRoom retrieves the snapshot for roomID
func (s *Storage) GetRoom(ctx context.Context, roomID string) (*storage.RoomSnapshot, error) {
	query := `
		SELECT room_id, version, schema_version, records, updated_at
		FROM rooms
		WHERE room_id = ?
	`

	var snapshot storage.RoomSnapshot
	var recordsJSON string

	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&snapshot.RoomID,
		&snapshot.Version,
		&snapshot.SchemaVersion,
		&recordsJSON,
		&snapshot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}

	// Десериализуем записи
	snapshot.Records = make(map[string]api.Record)
	if err := json.Unmarshal([]byte(recordsJSON), &snapshot.Records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room records: %w", err)
	}

	return &snapshot, nil
}

// SaveRoom stores or overwrites the room snapshot
func (s *Storage) SaveRoom(ctx context.Context, snapshot *storage.RoomSnapshot) error {
	recordsJSON, err := json.Marshal(snapshot.Records)
	if err != nil {
		return fmt.Errorf("failed to marshal room records: %w", err)
	}

	query := `
		INSERT INTO rooms (room_id, version, schema_version, records, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			version = excluded.version,
			schema_version = excluded.schema_version,
			records = excluded.records,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.RoomID,
		snapshot.Version,
		snapshot.SchemaVersion,
		string(recordsJSON),
		snapshot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}

	return nil
}
