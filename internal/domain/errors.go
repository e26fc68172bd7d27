package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrParticipantNotFound = errors.New("participant not in the room")
	ErrAlreadyJoined       = errors.New("participant already joined the room")
	ErrNameRequired        = errors.New("display name is required")
	ErrNameTooLong         = errors.New("display name too long")
	ErrRateLimited         = errors.New("message rate limit exceeded")
	ErrInvalidToken        = errors.New("invalid join token")
	ErrTokenExpired        = errors.New("join token expired or not valid yet")
)
