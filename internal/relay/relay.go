// Package relay routes signaling between participants and coordinates
// offer/answer negotiation for the full-mesh topology. It only ever
// sees opaque Peer handles; the websocket objects stay with the
// gateway.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/protocol"

	"golang.org/x/time/rate"
)

// Peer is the opaque transport handle registered by the gateway.
type Peer interface {
	ID() string
	RoomID() string
	Send(msg protocol.Envelope) error
	Close() error
}

type Options struct {
	// MessagesPerMinute caps inbound messages per connection
	// (default 600). Over-limit messages are dropped with an error
	// notification; the connection stays up.
	MessagesPerMinute int
	// OfferFallback is how long the expected-offer side waits before
	// the larger id is nudged to create the offer itself (default 2s).
	OfferFallback time.Duration
}

func (o *Options) withDefaults() {
	if o.MessagesPerMinute <= 0 {
		o.MessagesPerMinute = 600
	}
	if o.OfferFallback <= 0 {
		o.OfferFallback = 2 * time.Second
	}
}

type Relay struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]Peer // roomID -> participantID -> handle
	limiters map[string]*rate.Limiter   // participantID -> inbound limiter
	pairs    map[pairKey]*pairState

	opts Options

	// onSendFailure is invoked (on its own goroutine) when delivery to
	// a peer fails; the gateway wires it to the disconnect path.
	onSendFailure func(Peer)
}

func New(opts Options) *Relay {
	opts.withDefaults()
	return &Relay{
		rooms:    make(map[string]map[string]Peer),
		limiters: make(map[string]*rate.Limiter),
		pairs:    make(map[pairKey]*pairState),
		opts:     opts,
	}
}

// OnSendFailure registers the gateway's dead-peer callback. Set once
// during wiring, before any peer attaches.
func (r *Relay) OnSendFailure(fn func(Peer)) { r.onSendFailure = fn }

// Attach registers a peer and arms a negotiation fallback timer
// against every peer already in the room.
func (r *Relay) Attach(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[p.RoomID()]
	if !ok {
		room = make(map[string]Peer)
		r.rooms[p.RoomID()] = room
	}

	for _, other := range room {
		r.armFallbackLocked(p.RoomID(), p.ID(), other.ID())
	}
	room[p.ID()] = p

	r.limiters[p.ID()] = rate.NewLimiter(
		rate.Every(time.Minute/time.Duration(r.opts.MessagesPerMinute)),
		r.opts.MessagesPerMinute,
	)
}

// Detach drops a peer's handle, limiter and all of its pair state.
func (r *Relay) Detach(roomID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		delete(room, participantID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.limiters, participantID)

	for key, ps := range r.pairs {
		if key.lo == participantID || key.hi == participantID {
			ps.cancelFallback()
			delete(r.pairs, key)
		}
	}
}

// Allow charges one inbound message against the sender's rate budget.
func (r *Relay) Allow(participantID string) bool {
	r.mu.RLock()
	lim := r.limiters[participantID]
	r.mu.RUnlock()
	if lim == nil {
		return true
	}
	return lim.Allow()
}

// SendTo delivers to one participant. An absent target is a benign
// race (it just left); the message is dropped and logged, never
// surfaced to the sender.
func (r *Relay) SendTo(roomID, participantID string, msg protocol.Envelope) {
	r.mu.RLock()
	var target Peer
	if room, ok := r.rooms[roomID]; ok {
		target = room[participantID]
	}
	r.mu.RUnlock()

	if target == nil {
		slog.Debug("relay drop: target gone",
			"room", roomID, "to", participantID, "type", msg.Type)
		return
	}
	r.deliver(target, msg)
}

// Broadcast fans out to every room member except exceptID (empty =
// everyone).
func (r *Relay) Broadcast(roomID, exceptID string, msg protocol.Envelope) {
	r.mu.RLock()
	room := r.rooms[roomID]
	targets := make([]Peer, 0, len(room))
	for id, p := range room {
		if id == exceptID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	for _, p := range targets {
		r.deliver(p, msg)
	}
}

// deliver is best-effort: a failed send means the peer's transport is
// dead, which is handled exactly like a disconnect.
func (r *Relay) deliver(p Peer, msg protocol.Envelope) {
	if err := p.Send(msg); err != nil {
		slog.Debug("relay send failed, dropping peer",
			"room", p.RoomID(), "peer", p.ID(), "type", msg.Type, "err", err)
		if r.onSendFailure != nil {
			go r.onSendFailure(p)
		}
	}
}
