package domain

import "time"

type ChatMessage struct {
	ID          string    `json:"msg_id"`
	RoomID      string    `json:"room_id"`
	From        string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"message"`
	CreatedAt   time.Time `json:"-"`
	TSUnix      int64     `json:"ts_unix"`
}
