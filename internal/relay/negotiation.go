package relay

import (
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/protocol"
)

// For any unordered pair of participants exactly one side initiates:
// the lexicographically smaller id. The relay tracks per-pair state to
// enforce that, resolve glare (smaller id's offer wins) and suppress
// duplicate offers/answers.

type pairKey struct {
	lo, hi string
}

func keyFor(a, b string) pairKey {
	if a < b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

type pairState struct {
	offerFrom  string // sender of the outstanding offer, "" if none
	offerHash  uint64
	answerHash uint64
	answered   bool

	fallback      *time.Timer
	fallbackFired bool // larger id may offer once this is set
}

func (ps *pairState) cancelFallback() {
	if ps.fallback != nil {
		ps.fallback.Stop()
		ps.fallback = nil
	}
}

// armFallbackLocked starts the bounded wait for the preferred
// initiator's offer. On expiry with no offer relayed, the larger id is
// told to create one, so a lost message never wedges the pair.
func (r *Relay) armFallbackLocked(roomID, a, b string) {
	key := keyFor(a, b)
	ps := r.pairs[key]
	if ps == nil {
		ps = &pairState{}
		r.pairs[key] = ps
	}
	ps.cancelFallback()

	ps.fallback = time.AfterFunc(r.opts.OfferFallback, func() {
		r.mu.Lock()
		cur := r.pairs[key]
		if cur == nil || cur.offerFrom != "" || cur.answered {
			r.mu.Unlock()
			return
		}
		cur.fallbackFired = true
		cur.fallback = nil
		r.mu.Unlock()

		slog.Debug("offer fallback fired", "room", roomID, "pair_lo", key.lo, "pair_hi", key.hi)
		r.SendTo(roomID, key.hi, protocol.Envelope{
			Type:   protocol.TypeNegotiate,
			From:   key.lo,
			To:     key.hi,
			RoomID: roomID,
		})
	})
}

// Signal routes one offer/answer/ice-candidate envelope from an
// attached peer. From and RoomID are stamped server-side; Data is
// forwarded verbatim.
func (r *Relay) Signal(from Peer, env protocol.Envelope) {
	env.From = from.ID()
	env.RoomID = from.RoomID()

	if env.To == "" || env.To == from.ID() {
		slog.Debug("signal drop: bad target", "type", env.Type, "from", env.From, "to", env.To)
		return
	}

	switch env.Type {
	case protocol.TypeOffer:
		if !r.admitOffer(from, env) {
			return
		}
	case protocol.TypeAnswer:
		if !r.admitAnswer(from, env) {
			return
		}
	case protocol.TypeICECandidate:
		// trickle ICE flows freely in both directions
	default:
		slog.Debug("signal drop: unknown type", "type", env.Type, "from", env.From)
		return
	}

	r.SendTo(env.RoomID, env.To, env)
}

// admitOffer decides whether an offer is relayed. False means drop.
func (r *Relay) admitOffer(from Peer, env protocol.Envelope) bool {
	key := keyFor(from.ID(), env.To)
	h := payloadHash(env.Data)

	r.mu.Lock()
	ps := r.pairs[key]
	if ps == nil {
		// target attached elsewhere or pair state already torn down;
		// be permissive, the membership check happens at delivery
		ps = &pairState{fallbackFired: true}
		r.pairs[key] = ps
	}

	// duplicate of what we already relayed
	if h == ps.offerHash && (ps.answered || ps.offerFrom == from.ID()) {
		r.mu.Unlock()
		slog.Debug("offer drop: duplicate", "from", from.ID(), "to", env.To)
		return false
	}

	if ps.answered {
		// renegotiation over an established pair; either side may
		// start it
		ps.answered = false
		ps.offerFrom = from.ID()
		ps.offerHash = h
		r.mu.Unlock()
		return true
	}

	if ps.offerFrom != "" && ps.offerFrom != from.ID() {
		// glare: both sides produced an offer. The smaller id wins;
		// the larger side is told to back off and answer instead.
		if from.ID() == key.hi {
			r.mu.Unlock()
			r.notifyGlare(from, env.To)
			return false
		}
		ps.offerFrom = from.ID()
		ps.offerHash = h
		ps.cancelFallback()
		r.mu.Unlock()
		return true
	}

	if ps.offerFrom == "" && from.ID() == key.hi && !ps.fallbackFired {
		// the larger id must wait out the fallback window before
		// initiating
		r.mu.Unlock()
		r.notifyGlare(from, env.To)
		return false
	}

	ps.offerFrom = from.ID()
	ps.offerHash = h
	ps.cancelFallback()
	r.mu.Unlock()
	return true
}

func (r *Relay) admitAnswer(from Peer, env protocol.Envelope) bool {
	key := keyFor(from.ID(), env.To)
	h := payloadHash(env.Data)

	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.pairs[key]
	if ps == nil {
		slog.Debug("answer drop: no pair state", "from", from.ID(), "to", env.To)
		return false
	}
	if ps.answered && h == ps.answerHash {
		slog.Debug("answer drop: duplicate", "from", from.ID(), "to", env.To)
		return false
	}
	if ps.offerFrom == "" || ps.offerFrom == from.ID() {
		// answering nothing, or answering one's own offer
		slog.Debug("answer drop: no matching offer", "from", from.ID(), "to", env.To)
		return false
	}

	ps.answered = true
	ps.answerHash = h
	return true
}

// Initiator reports the recorded offer initiator for a pair, "" if the
// pair has not negotiated.
func (r *Relay) Initiator(a, b string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ps := r.pairs[keyFor(a, b)]; ps != nil {
		return ps.offerFrom
	}
	return ""
}

func (r *Relay) notifyGlare(p Peer, other string) {
	r.deliver(p, protocol.Envelope{
		Type: protocol.TypeError,
		To:   p.ID(),
		Data: protocol.Marshal(protocol.ErrorPayload{
			Code:    protocol.CodeGlare,
			Message: "offer dropped: peer " + other + " initiates this pair",
		}),
	})
}

func payloadHash(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
