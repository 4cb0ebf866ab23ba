package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/sketchsync/internal/client/storage"
	"github.com/iudanet/sketchsync/internal/models"
)

// offlineKey строит ключ bucket'а из пары (documentID, roomID)
func offlineKey(documentID, roomID string) []byte {
	return []byte(documentID + "|" + roomID)
}

// SaveEntry stores or overwrites the offline entry for its (document, room) key
func (s *Storage) SaveEntry(ctx context.Context, entry *models.OfflineChangeEntry) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	// Сериализуем entry в JSON
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal offline entry: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketOffline)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		// Одна запись на (documentID, roomID): Put перезаписывает предыдущую
		if err := bucket.Put(offlineKey(entry.DocumentID, entry.RoomID), data); err != nil {
			return fmt.Errorf("failed to save entry: %w", err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// GetEntry retrieves the offline entry for (documentID, roomID)
func (s *Storage) GetEntry(ctx context.Context, documentID, roomID string) (*models.OfflineChangeEntry, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entry *models.OfflineChangeEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOffline)
		if bucket == nil {
			return storage.ErrEntryNotFound
		}

		data := bucket.Get(offlineKey(documentID, roomID))
		if data == nil {
			return storage.ErrEntryNotFound
		}

		// Десериализуем
		entry = &models.OfflineChangeEntry{}
		if err := json.Unmarshal(data, entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return entry, nil
}

// DeleteEntry removes the offline entry for (documentID, roomID)
func (s *Storage) DeleteEntry(ctx context.Context, documentID, roomID string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOffline)
		if bucket == nil {
			// Нет bucket - нечего удалять
			return nil
		}

		if err := bucket.Delete(offlineKey(documentID, roomID)); err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("delete transaction failed: %w", err)
	}

	return nil
}
