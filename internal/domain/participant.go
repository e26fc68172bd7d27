package domain

import "time"

type Participant struct {
	ID            string
	DisplayName   string
	IsAdmin       bool
	JoinedAt      time.Time
	LastHeartbeat time.Time
}
