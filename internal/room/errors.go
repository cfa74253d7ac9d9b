package room

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidToken = errors.New("invalid token")
	ErrRoomFull     = errors.New("room full")
	// ErrTooManyRooms is returned when MAX_ROOMS is configured and the global
	// room quota is exhausted.
	ErrTooManyRooms = errors.New("too many rooms")
)
