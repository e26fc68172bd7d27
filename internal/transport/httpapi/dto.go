package httpapi

type CreateRoomRequest struct {
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty"`
}

type JoinRoomRequest struct {
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty"`
}

type TokenResponse struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type ParticipantItem struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type RoomResponse struct {
	RoomID       string            `json:"roomId"`
	Capacity     int               `json:"capacity"`
	Protected    bool              `json:"protected"`
	AdminID      string            `json:"adminId,omitempty"`
	Participants []ParticipantItem `json:"participants"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
