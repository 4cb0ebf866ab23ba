package storage

import "errors"

var (
	// ErrRoomNotFound комната не найдена в хранилище
	ErrRoomNotFound = errors.New("room not found")
)
