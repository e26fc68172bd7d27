package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/domain"
	"github.com/cwrk-planet/signaling-service/internal/registry"
	"github.com/cwrk-planet/signaling-service/internal/security"
	"github.com/cwrk-planet/signaling-service/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler is the REST collaborator surface: it creates rooms and
// issues short-lived join tokens that the WS gateway redeems. It never
// seats sessions itself.
type Handler struct {
	registry *registry.Registry
	signer   *security.JoinSigner
}

func NewHandler(reg *registry.Registry, signer *security.JoinSigner) *Handler {
	return &Handler{registry: reg, signer: signer}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
	case errors.Is(err, domain.ErrRoomFull):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "room full"})
	case errors.Is(err, domain.ErrInvalidPassword):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "invalid password"})
	case errors.Is(err, domain.ErrNameRequired), errors.Is(err, domain.ErrNameTooLong):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		slog.Error("httpapi:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeErr(w, domain.ErrNameRequired)
		return
	}

	room, err := h.registry.CreateReserved(req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}

	userID := uuid.NewString()
	token, err := h.signer.Sign(userID, room.ID, strings.TrimSpace(req.DisplayName), true, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}

	// trace-коррелированный лог, как в остальных сервисах
	attrs := append(logger.AttrsFromCtx(r.Context()),
		slog.String("room", room.ID), slog.String("user", userID))
	slog.LogAttrs(r.Context(), slog.LevelInfo, "room reserved", attrs...)

	writeJSON(w, http.StatusCreated, TokenResponse{
		RoomID: room.ID,
		UserID: userID,
		Token:  token,
	})
}

// POST /rooms/{id}/join
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeErr(w, domain.ErrNameRequired)
		return
	}

	if err := h.registry.ValidateJoin(roomID, req.Password); err != nil {
		writeErr(w, err)
		return
	}

	userID := uuid.NewString()
	token, err := h.signer.Sign(userID, roomID, strings.TrimSpace(req.DisplayName), false, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}

	attrs := append(logger.AttrsFromCtx(r.Context()),
		slog.String("room", roomID), slog.String("user", userID))
	slog.LogAttrs(r.Context(), slog.LevelInfo, "join token issued", attrs...)

	writeJSON(w, http.StatusOK, TokenResponse{
		RoomID: roomID,
		UserID: userID,
		Token:  token,
	})
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	items := make([]ParticipantItem, 0, len(room.Participants))
	for _, p := range room.Participants {
		items = append(items, ParticipantItem{
			UserID:      p.ID,
			DisplayName: p.DisplayName,
			IsAdmin:     p.IsAdmin,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })

	resp := RoomResponse{
		RoomID:       room.ID,
		Capacity:     room.Capacity,
		Protected:    room.Protected(),
		Participants: items,
	}
	if admin := room.Admin(); admin != nil {
		resp.AdminID = admin.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
