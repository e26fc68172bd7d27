package domain

import "time"

type Room struct {
	ID           string
	PasswordHash string // empty means open room
	Capacity     int
	Participants map[string]*Participant
	AdminID      string
	CreatedAt    time.Time
	LastActivity time.Time

	// EmptyAt is the deadline after which an emptied room may be
	// reaped. Zero while the room has participants.
	EmptyAt time.Time

	Chat []ChatMessage
}

func (r *Room) Protected() bool { return r.PasswordHash != "" }

// Admin returns the participant holding the admin role, nil if the
// room is empty.
func (r *Room) Admin() *Participant {
	return r.Participants[r.AdminID]
}
