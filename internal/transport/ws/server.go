package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/domain"
	"github.com/cwrk-planet/signaling-service/internal/protocol"
	"github.com/cwrk-planet/signaling-service/internal/registry"
	"github.com/cwrk-planet/signaling-service/internal/relay"
	"github.com/cwrk-planet/signaling-service/internal/security"

	"github.com/gorilla/websocket"
)

const (
	readLimit       = 64 * 1024
	handshakeWindow = 10 * time.Second
	maxChatLen      = 4000
)

type Options struct {
	PingEvery        time.Duration
	HeartbeatTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.PingEvery <= 0 {
		o.PingEvery = 15 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
}

// Server is the connection gateway: it terminates websockets,
// negotiates room entry (join token or first-message handshake) and
// bridges the session to the registry and the relay.
type Server struct {
	upgrader websocket.Upgrader
	registry *registry.Registry
	relay    *relay.Relay
	signer   *security.JoinSigner
	opts     Options

	mu    sync.Mutex
	conns map[string]*wsConn // participant id -> live transport
}

func NewServer(reg *registry.Registry, rel *relay.Relay, signer *security.JoinSigner, opts Options) *Server {
	opts.withDefaults()
	s := &Server{
		registry: reg,
		relay:    rel,
		signer:   signer,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
	rel.OnSendFailure(func(p relay.Peer) {
		// a failed delivery is treated like the peer already hung up
		s.Kick(p.RoomID(), p.ID(), "send failure")
	})
	return s
}

// WS endpoint: GET /ws[?token=...]
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}
	c := newWSConn(conn)
	conn.SetReadLimit(readLimit)

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		if !s.joinByToken(c, token) {
			return
		}
	} else if !s.handshake(c) {
		return
	}

	go s.writeLoop(c)
	s.readLoop(c)
	s.leave(c, "")
}

// joinByToken verifies the REST-issued token and seats the session.
// Verification failures reject the connection with a distinct close
// code before any registry mutation.
func (s *Server) joinByToken(c *wsConn, token string) bool {
	claims, err := s.signer.ParseAndValidate(token)
	if err != nil {
		slog.Info("ws token rejected", "err", err)
		c.closeWith(protocol.CloseAuthInvalid, "invalid join token")
		return false
	}

	p, room, err := s.registry.JoinWithClaims(claims.RoomID, claims.Subject, claims.DisplayName, claims.Admin)
	if err != nil {
		_ = c.Send(protocol.ErrorEnvelope(err))
		c.closeWith(websocket.CloseNormalClosure, "join rejected")
		return false
	}

	s.seat(c, p, room, false)
	return true
}

// handshake runs the direct-negotiation entry: the first frames must
// be create-room or join-room, and each such request gets exactly one
// terminal response. Typed failures leave the connection open so the
// client can retry (wrong password) within the handshake window.
func (s *Server) handshake(c *wsConn) bool {
	deadline := time.Now().Add(handshakeWindow)
	c.conn.SetReadDeadline(deadline)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeWith(protocol.ClosePolicy, "handshake timeout")
			return false
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.Send(errEnvelope(protocol.CodeBadRequest, "malformed message"))
			continue
		}

		switch env.Type {
		case protocol.TypeCreateRoom:
			var req protocol.CreateRoomPayload
			if err := json.Unmarshal(env.Data, &req); err != nil {
				_ = c.Send(errEnvelope(protocol.CodeBadRequest, "malformed create-room payload"))
				continue
			}
			room, p, err := s.registry.CreateWithCreator(req.DisplayName, req.Password)
			if err != nil {
				_ = c.Send(protocol.ErrorEnvelope(err))
				continue
			}
			s.seat(c, p, room, true)
			return true

		case protocol.TypeJoinRoom:
			var req protocol.JoinRoomPayload
			if err := json.Unmarshal(env.Data, &req); err != nil {
				_ = c.Send(errEnvelope(protocol.CodeBadRequest, "malformed join-room payload"))
				continue
			}
			p, room, err := s.registry.Join(req.RoomID, req.DisplayName, req.Password)
			if err != nil {
				_ = c.Send(protocol.ErrorEnvelope(err))
				continue
			}
			s.seat(c, p, room, false)
			return true

		default:
			_ = c.Send(errEnvelope(protocol.CodeBadRequest, "expected create-room or join-room"))
		}
	}
}

// seat binds the transport to the session, sends the terminal
// handshake response, attaches the relay handle and announces the
// newcomer.
func (s *Server) seat(c *wsConn, p *domain.Participant, room *domain.Room, created bool) {
	c.bind(p.ID, room.ID, p.DisplayName)

	s.mu.Lock()
	s.conns[p.ID] = c
	s.mu.Unlock()

	if created {
		_ = c.Send(protocol.Envelope{
			Type:   protocol.TypeRoomCreated,
			RoomID: room.ID,
			Data: protocol.Marshal(protocol.RoomCreatedPayload{
				RoomID:  room.ID,
				UserID:  p.ID,
				IsAdmin: true,
			}),
		})
	} else {
		existing := make([]protocol.UserInfo, 0, len(room.Participants))
		for _, other := range room.Participants {
			if other.ID == p.ID {
				continue
			}
			existing = append(existing, protocol.UserInfo{
				UserID:      other.ID,
				DisplayName: other.DisplayName,
				IsAdmin:     other.IsAdmin,
			})
		}
		_ = c.Send(protocol.Envelope{
			Type:   protocol.TypeRoomJoined,
			RoomID: room.ID,
			Data: protocol.Marshal(protocol.RoomJoinedPayload{
				RoomID:        room.ID,
				UserID:        p.ID,
				IsAdmin:       p.IsAdmin,
				ExistingUsers: existing,
				ChatHistory:   room.Chat,
			}),
		})
	}

	s.relay.Attach(c)
	s.relay.Broadcast(room.ID, p.ID, protocol.Envelope{
		Type:   protocol.TypeUserJoined,
		RoomID: room.ID,
		Data: protocol.Marshal(protocol.UserJoinedPayload{
			User: protocol.UserInfo{
				UserID:      p.ID,
				DisplayName: p.DisplayName,
				IsAdmin:     p.IsAdmin,
			},
			Message: p.DisplayName + " joined the room",
		}),
	})

	slog.Info("participant joined", "room", room.ID, "user", p.ID, "admin", p.IsAdmin)
}

func (s *Server) readLoop(c *wsConn) {
	defer func() { _ = c.Close() }()

	c.conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))
		_ = s.registry.Heartbeat(c.roomID, c.id)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// a single malformed frame only ever affects this
			// connection
			_ = c.Send(errEnvelope(protocol.CodeBadRequest, "malformed message"))
			continue
		}

		if !s.relay.Allow(c.id) {
			_ = c.Send(errEnvelope(protocol.CodeRateLimited, "message rate limit exceeded, message dropped"))
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			_ = s.registry.Heartbeat(c.roomID, c.id)
			_ = c.Send(protocol.Envelope{Type: protocol.TypePong})

		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
			s.registry.Touch(c.roomID)
			s.relay.Signal(c, env)

		case protocol.TypeChat:
			s.handleChat(c, env)

		case protocol.TypeLeaveRoom:
			return

		case protocol.TypeCreateRoom, protocol.TypeJoinRoom:
			_ = c.Send(protocol.ErrorEnvelope(domain.ErrAlreadyJoined))

		default:
			_ = c.Send(errEnvelope(protocol.CodeBadRequest, "unknown message type: "+env.Type))
		}
	}
}

func (s *Server) handleChat(c *wsConn, env protocol.Envelope) {
	var req protocol.ChatPayload
	if err := json.Unmarshal(env.Data, &req); err != nil {
		_ = c.Send(errEnvelope(protocol.CodeBadRequest, "malformed chat payload"))
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return
	}
	if len(text) > maxChatLen {
		_ = c.Send(errEnvelope(protocol.CodeBadRequest, "message too long"))
		return
	}

	msg, err := s.registry.AppendChat(c.roomID, c.id, c.displayName, text)
	if err != nil {
		_ = c.Send(protocol.ErrorEnvelope(err))
		return
	}

	// broadcast остальным; отправитель получает только ack с msg_id
	s.relay.Broadcast(c.roomID, c.id, protocol.Envelope{
		Type:   protocol.TypeChat,
		From:   c.id,
		RoomID: c.roomID,
		Data:   protocol.Marshal(msg),
	})
	_ = c.Send(protocol.Envelope{
		Type: protocol.TypeChatAck,
		Data: protocol.Marshal(protocol.ChatAckPayload{MsgID: msg.ID}),
	})
}

func (s *Server) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.opts.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-c.closed:
			return
		}
	}
}

// leave runs the single cleanup path shared by client leave, transport
// death, send failure and heartbeat expiry. Idempotent per connection.
func (s *Server) leave(c *wsConn, reason string) {
	c.leaveOnce.Do(func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		s.relay.Detach(c.roomID, c.id)

		res, err := s.registry.Leave(c.roomID, c.id)
		if err != nil {
			slog.Debug("leave: session already gone", "room", c.roomID, "user", c.id, "err", err)
			_ = c.Close()
			return
		}

		if !res.RoomDeleted {
			s.relay.Broadcast(c.roomID, "", protocol.Envelope{
				Type:   protocol.TypeUserLeft,
				RoomID: c.roomID,
				Data: protocol.Marshal(protocol.UserLeftPayload{
					UserID:  c.id,
					Message: res.DisplayName + " left the room",
				}),
			})
			if res.PromotedID != "" {
				s.relay.Broadcast(c.roomID, "", protocol.Envelope{
					Type:   protocol.TypeAdminChanged,
					RoomID: c.roomID,
					Data:   protocol.Marshal(protocol.AdminChangedPayload{UserID: res.PromotedID}),
				})
			}
		}

		slog.Info("participant left",
			"room", c.roomID, "user", c.id,
			"room_deleted", res.RoomDeleted, "promoted", res.PromotedID, "reason", reason)
		_ = c.Close()
	})
}

// Kick force-disconnects a session through the normal leave path. Used
// by the heartbeat sweep and for dead transports.
func (s *Server) Kick(roomID, participantID, reason string) {
	s.mu.Lock()
	c := s.conns[participantID]
	s.mu.Unlock()

	if c != nil && c.roomID == roomID {
		s.leave(c, reason)
		return
	}

	// session without a live transport (e.g. already closed): clean
	// the registry directly
	res, err := s.registry.Leave(roomID, participantID)
	if err != nil {
		return
	}
	if !res.RoomDeleted {
		s.relay.Broadcast(roomID, "", protocol.Envelope{
			Type:   protocol.TypeUserLeft,
			RoomID: roomID,
			Data: protocol.Marshal(protocol.UserLeftPayload{
				UserID:  participantID,
				Message: res.DisplayName + " left the room",
			}),
		})
		if res.PromotedID != "" {
			s.relay.Broadcast(roomID, "", protocol.Envelope{
				Type:   protocol.TypeAdminChanged,
				RoomID: roomID,
				Data:   protocol.Marshal(protocol.AdminChangedPayload{UserID: res.PromotedID}),
			})
		}
	}
}

// Shutdown closes every live connection with a going-away frame.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func errEnvelope(code, message string) protocol.Envelope {
	return protocol.Envelope{
		Type: protocol.TypeError,
		Data: protocol.Marshal(protocol.ErrorPayload{Code: code, Message: message}),
	}
}
