// Package registry owns the in-memory room/participant state. It is
// the only shared mutable resource in the service; every
// check-then-act sequence (capacity, password, admin hand-off) runs
// under one mutex so concurrent joins cannot overshoot capacity and a
// leave-during-join cannot promote a departed participant.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/domain"
	"github.com/cwrk-planet/signaling-service/internal/security"

	"github.com/google/uuid"
)

const maxDisplayName = 32

type Options struct {
	Capacity    int           // max participants per room
	IDLength    int           // room code length
	EmptyGrace  time.Duration // 0 = delete emptied rooms immediately
	ClaimWindow time.Duration // TTL for reserved rooms nobody connected to
	ChatHistory int           // retained chat messages per room
}

func (o *Options) withDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 6
	}
	if o.IDLength <= 0 {
		o.IDLength = 6
	}
	if o.ClaimWindow <= 0 {
		o.ClaimWindow = 60 * time.Second
	}
	if o.ChatHistory <= 0 {
		o.ChatHistory = 50
	}
}

type Registry struct {
	mu    sync.Mutex
	rooms map[string]*domain.Room // keyed by lowercased id
	opts  Options

	now func() time.Time // injectable clock for tests
}

func New(opts Options) *Registry {
	opts.withDefaults()
	return &Registry{
		rooms: make(map[string]*domain.Room),
		opts:  opts,
		now:   time.Now,
	}
}

// LeaveResult reports what Leave did besides removing the session.
type LeaveResult struct {
	RoomDeleted bool
	PromotedID  string // non-empty when the admin role moved
	DisplayName string // name of the departed participant
}

// SessionRef addresses a session for the heartbeat sweep.
type SessionRef struct {
	RoomID        string
	ParticipantID string
}

func normalize(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.ErrNameRequired
	}
	if len([]rune(name)) > maxDisplayName {
		return "", domain.ErrNameTooLong
	}
	return name, nil
}

// newRoomLocked allocates a room under a collision-checked fresh id.
// Collisions retry rather than fail; with a 31-char alphabet and short
// live-room counts a retry is already rare.
func (r *Registry) newRoomLocked(passwordHash string) (*domain.Room, error) {
	for {
		id, err := security.RandomRoomID(r.opts.IDLength)
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := r.rooms[normalize(id)]; taken {
			continue
		}
		now := r.now()
		room := &domain.Room{
			ID:           id,
			PasswordHash: passwordHash,
			Capacity:     r.opts.Capacity,
			Participants: make(map[string]*domain.Participant),
			CreatedAt:    now,
			LastActivity: now,
		}
		r.rooms[normalize(id)] = room
		return room, nil
	}
}

// CreateWithCreator makes a room and seats its creator as admin in one
// critical section (the direct WS create-room path).
func (r *Registry) CreateWithCreator(displayName, password string) (*domain.Room, *domain.Participant, error) {
	displayName, err := validName(displayName)
	if err != nil {
		return nil, nil, err
	}
	// bcrypt is deliberately slow; never inside the lock.
	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.newRoomLocked(hash)
	if err != nil {
		return nil, nil, err
	}

	p := r.insertLocked(room, uuid.NewString(), displayName)
	room.AdminID = p.ID
	p.IsAdmin = true

	return snapshotRoom(room), snapshotParticipant(p), nil
}

// CreateReserved makes an empty room for the REST flow. Nobody is
// seated yet, so the claim window doubles as the empty-room deadline:
// if no WS connect redeems the token in time, the reaper takes it.
func (r *Registry) CreateReserved(password string) (*domain.Room, error) {
	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.newRoomLocked(hash)
	if err != nil {
		return nil, err
	}
	room.EmptyAt = r.now().Add(r.opts.ClaimWindow)

	return snapshotRoom(room), nil
}

// Get returns a snapshot of a live room, case-insensitive.
func (r *Registry) Get(roomID string) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[normalize(roomID)]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return snapshotRoom(room), nil
}

// Join validates existence, capacity and password, then seats a new
// session. The password compare happens between two critical sections;
// the capacity check and the insert share one.
func (r *Registry) Join(roomID, displayName, password string) (*domain.Participant, *domain.Room, error) {
	return r.join(roomID, uuid.NewString(), displayName, password, true, false)
}

// JoinWithClaims seats a session whose identity and role were fixed by
// a verified join token. The password was already proven at token
// issue time, so it is skipped here; admin mirrors the token claim, so
// a plain joiner redeeming before the creator never takes the seat.
func (r *Registry) JoinWithClaims(roomID, participantID, displayName string, admin bool) (*domain.Participant, *domain.Room, error) {
	return r.join(roomID, participantID, displayName, "", false, admin)
}

func (r *Registry) join(roomID, participantID, displayName, password string, checkPassword, admin bool) (*domain.Participant, *domain.Room, error) {
	displayName, err := validName(displayName)
	if err != nil {
		return nil, nil, err
	}
	key := normalize(roomID)

	if checkPassword {
		r.mu.Lock()
		room, ok := r.rooms[key]
		if !ok {
			r.mu.Unlock()
			return nil, nil, domain.ErrRoomNotFound
		}
		if room.Capacity > 0 && len(room.Participants) >= room.Capacity {
			r.mu.Unlock()
			return nil, nil, domain.ErrRoomFull
		}
		hash := room.PasswordHash
		r.mu.Unlock()

		// bcrypt compare outside the lock; a failed compare mutates
		// nothing, so nothing to undo.
		if err := security.CheckPassword(hash, password); err != nil {
			return nil, nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// re-validate: the room may have filled or died during the compare
	room, ok := r.rooms[key]
	if !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	if _, dup := room.Participants[participantID]; dup {
		return nil, nil, domain.ErrAlreadyJoined
	}
	if room.Capacity > 0 && len(room.Participants) >= room.Capacity {
		return nil, nil, domain.ErrRoomFull
	}

	p := r.insertLocked(room, participantID, displayName)
	// Admin seat: token joins carry the role in the claim; the direct
	// flow falls back to first-seated (create-room and grace-window
	// rejoin both enter here creator-first).
	if room.AdminID == "" && (checkPassword || admin) {
		room.AdminID = p.ID
		p.IsAdmin = true
	}
	room.EmptyAt = time.Time{} // a live member cancels any pending reap

	return snapshotParticipant(p), snapshotRoom(room), nil
}

func (r *Registry) insertLocked(room *domain.Room, id, displayName string) *domain.Participant {
	now := r.now()
	p := &domain.Participant{
		ID:            id,
		DisplayName:   displayName,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	room.Participants[p.ID] = p
	room.LastActivity = now
	return p
}

// ValidateJoin runs the join checks without seating anyone. The REST
// surface uses it before issuing a token; capacity is enforced again
// when the token is redeemed.
func (r *Registry) ValidateJoin(roomID, password string) error {
	r.mu.Lock()
	room, ok := r.rooms[normalize(roomID)]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	if room.Capacity > 0 && len(room.Participants) >= room.Capacity {
		r.mu.Unlock()
		return domain.ErrRoomFull
	}
	hash := room.PasswordHash
	r.mu.Unlock()

	return security.CheckPassword(hash, password)
}

// Leave removes a session. The room is deleted the moment it empties
// (or marked for the grace reaper when a grace window is configured);
// otherwise a departing admin hands the role to the earliest joiner.
func (r *Registry) Leave(roomID, participantID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalize(roomID)
	room, ok := r.rooms[key]
	if !ok {
		return LeaveResult{}, domain.ErrRoomNotFound
	}
	p, ok := room.Participants[participantID]
	if !ok {
		return LeaveResult{}, domain.ErrParticipantNotFound
	}

	delete(room.Participants, participantID)
	room.LastActivity = r.now()
	res := LeaveResult{DisplayName: p.DisplayName}

	if len(room.Participants) == 0 {
		if r.opts.EmptyGrace <= 0 {
			delete(r.rooms, key)
			res.RoomDeleted = true
		} else {
			room.AdminID = ""
			room.EmptyAt = r.now().Add(r.opts.EmptyGrace)
		}
		return res, nil
	}

	if room.AdminID == participantID {
		next := earliestJoiner(room)
		next.IsAdmin = true
		room.AdminID = next.ID
		res.PromotedID = next.ID
	}

	return res, nil
}

// earliestJoiner picks the deterministic promotion target: earliest
// JoinedAt, ties broken by id.
func earliestJoiner(room *domain.Room) *domain.Participant {
	var best *domain.Participant
	for _, p := range room.Participants {
		if best == nil {
			best = p
			continue
		}
		if p.JoinedAt.Before(best.JoinedAt) ||
			(p.JoinedAt.Equal(best.JoinedAt) && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

// Heartbeat marks a session alive.
func (r *Registry) Heartbeat(roomID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[normalize(roomID)]
	if !ok {
		return domain.ErrRoomNotFound
	}
	p, ok := room.Participants[participantID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	now := r.now()
	p.LastHeartbeat = now
	room.LastActivity = now
	return nil
}

// Touch bumps a room's activity clock (relayed signaling counts).
func (r *Registry) Touch(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[normalize(roomID)]; ok {
		room.LastActivity = r.now()
	}
}

// AppendChat stores a message in the bounded per-room history.
func (r *Registry) AppendChat(roomID, from, displayName, text string) (domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[normalize(roomID)]
	if !ok {
		return domain.ChatMessage{}, domain.ErrRoomNotFound
	}
	if _, ok := room.Participants[from]; !ok {
		return domain.ChatMessage{}, domain.ErrParticipantNotFound
	}

	now := r.now()
	msg := domain.ChatMessage{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		From:        from,
		DisplayName: displayName,
		Text:        text,
		CreatedAt:   now,
		TSUnix:      now.Unix(),
	}
	room.Chat = append(room.Chat, msg)
	if n := len(room.Chat); n > r.opts.ChatHistory {
		room.Chat = append(room.Chat[:0:0], room.Chat[n-r.opts.ChatHistory:]...)
	}
	room.LastActivity = now

	return msg, nil
}

// StaleSessions lists sessions whose last heartbeat is older than
// timeout. The caller disconnects them through the normal leave path.
func (r *Registry) StaleSessions(timeout time.Duration) []SessionRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var out []SessionRef
	for _, room := range r.rooms {
		for _, p := range room.Participants {
			if p.LastHeartbeat.Before(cutoff) {
				out = append(out, SessionRef{RoomID: room.ID, ParticipantID: p.ID})
			}
		}
	}
	return out
}

// SweepIdle deletes rooms that are empty AND idle past ttl. Non-empty
// rooms are never touched regardless of idleness.
func (r *Registry) SweepIdle(ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var deleted []string
	for key, room := range r.rooms {
		if len(room.Participants) == 0 && room.LastActivity.Before(cutoff) {
			delete(r.rooms, key)
			deleted = append(deleted, room.ID)
		}
	}
	return deleted
}

// SweepEmpty reaps empty rooms whose grace or claim deadline passed.
func (r *Registry) SweepEmpty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var deleted []string
	for key, room := range r.rooms {
		if len(room.Participants) == 0 && !room.EmptyAt.IsZero() && room.EmptyAt.Before(now) {
			delete(r.rooms, key)
			deleted = append(deleted, room.ID)
		}
	}
	return deleted
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// snapshotRoom copies a room so callers never alias registry-owned
// state. Participant pointers are copied too.
func snapshotRoom(room *domain.Room) *domain.Room {
	cp := *room
	cp.Participants = make(map[string]*domain.Participant, len(room.Participants))
	for id, p := range room.Participants {
		cp.Participants[id] = snapshotParticipant(p)
	}
	cp.Chat = append([]domain.ChatMessage(nil), room.Chat...)
	return &cp
}

func snapshotParticipant(p *domain.Participant) *domain.Participant {
	cp := *p
	return &cp
}
