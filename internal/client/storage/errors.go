package storage

import "errors"

var (
	// ErrEntryNotFound offline-запись для (documentID, roomID) не найдена
	ErrEntryNotFound = errors.New("offline entry not found")

	// ErrStorageClosed хранилище закрыто
	ErrStorageClosed = errors.New("storage is closed")
)
