package storage

import (
	"context"

	"github.com/iudanet/sketchsync/internal/models"
)

// OfflineStorage defines interface for durable offline change persistence.
// Ключ - пара (documentID, roomID); на ключ хранится не более одной
// записи, поздние правки перезаписывают раннюю.
type OfflineStorage interface {
	// SaveEntry stores or overwrites the offline entry for its (document, room) key
	SaveEntry(ctx context.Context, entry *models.OfflineChangeEntry) error

	// GetEntry retrieves the offline entry for (documentID, roomID)
	// Returns ErrEntryNotFound if no entry exists
	GetEntry(ctx context.Context, documentID, roomID string) (*models.OfflineChangeEntry, error)

	// DeleteEntry removes the offline entry for (documentID, roomID)
	// Deleting a missing entry is not an error
	DeleteEntry(ctx context.Context, documentID, roomID string) error
}
