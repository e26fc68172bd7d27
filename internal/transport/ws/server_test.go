package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/protocol"
	"github.com/cwrk-planet/signaling-service/internal/registry"
	"github.com/cwrk-planet/signaling-service/internal/relay"
	"github.com/cwrk-planet/signaling-service/internal/security"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	gateway *Server
	reg     *registry.Registry
	signer  *security.JoinSigner
	ts      *httptest.Server
}

func newTestEnv(t *testing.T, regOpts registry.Options, relOpts relay.Options) *testEnv {
	t.Helper()
	if relOpts.OfferFallback == 0 {
		// держим таймер далеко, чтобы тесты были детерминированными
		relOpts.OfferFallback = time.Minute
	}
	reg := registry.New(regOpts)
	rel := relay.New(relOpts)
	signer := security.NewJoinSigner([]byte("test-secret"), "signaling-service", "room-join", time.Minute, 5*time.Second)
	gw := NewServer(reg, rel, signer, Options{})

	ts := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(ts.Close)
	t.Cleanup(gw.Shutdown)

	return &testEnv{gateway: gw, reg: reg, signer: signer, ts: ts}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("send %s: %v", env.Type, err)
	}
}

// readEnvelope reads one frame without failing the test; callers that
// expect silence check the error themselves.
func readEnvelope(conn *websocket.Conn) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := conn.ReadJSON(&env)
	return env, err
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("recv: %v", err)
	}
	return env
}

func recvType(t *testing.T, conn *websocket.Conn, want string) protocol.Envelope {
	t.Helper()
	env := recv(t, conn)
	if env.Type != want {
		t.Fatalf("expected %s, got %s (data=%s)", want, env.Type, env.Data)
	}
	return env
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return v
}

// createRoom runs the create handshake and returns (conn, roomID, userID).
func createRoom(t *testing.T, e *testEnv, name, password string) (*websocket.Conn, string, string) {
	t.Helper()
	conn := e.dial(t, "")
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeCreateRoom,
		Data: protocol.Marshal(protocol.CreateRoomPayload{DisplayName: name, Password: password}),
	})
	env := recvType(t, conn, protocol.TypeRoomCreated)
	p := decode[protocol.RoomCreatedPayload](t, env.Data)
	if p.RoomID == "" || p.UserID == "" || !p.IsAdmin {
		t.Fatalf("bad room-created payload: %+v", p)
	}
	return conn, p.RoomID, p.UserID
}

func joinRoom(t *testing.T, e *testEnv, roomID, name, password string) (*websocket.Conn, protocol.RoomJoinedPayload) {
	t.Helper()
	conn := e.dial(t, "")
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeJoinRoom,
		Data: protocol.Marshal(protocol.JoinRoomPayload{RoomID: roomID, DisplayName: name, Password: password}),
	})
	env := recvType(t, conn, protocol.TypeRoomJoined)
	return conn, decode[protocol.RoomJoinedPayload](t, env.Data)
}

func errCode(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
	return decode[protocol.ErrorPayload](t, env.Data).Code
}

func TestCreateAndJoinFlow(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	connA, roomID, userA := createRoom(t, e, "Alice", "")

	_, joined := joinRoom(t, e, roomID, "Bob", "")
	if joined.RoomID != roomID || joined.IsAdmin {
		t.Fatalf("bad room-joined: %+v", joined)
	}
	if len(joined.ExistingUsers) != 1 || joined.ExistingUsers[0].UserID != userA {
		t.Fatalf("existing users should list the creator: %+v", joined.ExistingUsers)
	}
	if !joined.ExistingUsers[0].IsAdmin {
		t.Fatal("creator should be listed as admin")
	}

	// создатель получает уведомление о новом участнике
	env := recvType(t, connA, protocol.TypeUserJoined)
	uj := decode[protocol.UserJoinedPayload](t, env.Data)
	if uj.User.UserID != joined.UserID || uj.User.DisplayName != "Bob" {
		t.Fatalf("bad user-joined payload: %+v", uj)
	}
}

func TestJoinRoomIDIsCaseInsensitive(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	_, roomID, _ := createRoom(t, e, "Alice", "")

	_, joined := joinRoom(t, e, strings.ToUpper(roomID), "Bob", "")
	if joined.RoomID != roomID {
		t.Fatalf("expected canonical room id %q, got %q", roomID, joined.RoomID)
	}
}

func TestJoinWrongPasswordCanRetry(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	_, roomID, _ := createRoom(t, e, "Alice", "hunter2")

	conn := e.dial(t, "")
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeJoinRoom,
		Data: protocol.Marshal(protocol.JoinRoomPayload{RoomID: roomID, DisplayName: "Bob", Password: "wrong"}),
	})
	if code := errCode(t, recv(t, conn)); code != protocol.CodeInvalidPassword {
		t.Fatalf("expected invalid-password, got %s", code)
	}

	// соединение живо, повтор с верным паролем проходит
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeJoinRoom,
		Data: protocol.Marshal(protocol.JoinRoomPayload{RoomID: roomID, DisplayName: "Bob", Password: "hunter2"}),
	})
	recvType(t, conn, protocol.TypeRoomJoined)
}

func TestHandshakeRejectsNonEntryFrames(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	conn := e.dial(t, "")
	send(t, conn, protocol.Envelope{Type: protocol.TypeChat})
	if code := errCode(t, recv(t, conn)); code != protocol.CodeBadRequest {
		t.Fatalf("expected bad-request, got %s", code)
	}

	// after the rejection a proper entry frame still works
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeCreateRoom,
		Data: protocol.Marshal(protocol.CreateRoomPayload{DisplayName: "Alice"}),
	})
	recvType(t, conn, protocol.TypeRoomCreated)
}

func TestSignalingOfferAnswerFlow(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	connA, roomID, userA := createRoom(t, e, "Alice", "")
	connB, joined := joinRoom(t, e, roomID, "Bob", "")
	userB := joined.UserID
	recvType(t, connA, protocol.TypeUserJoined)

	loConn, hiConn := connA, connB
	loID, hiID := userA, userB
	if loID > hiID {
		loConn, hiConn = connB, connA
		loID, hiID = hiID, loID
	}

	// предложение от старшей стороны до таймера отклоняется
	send(t, hiConn, protocol.Envelope{
		Type: protocol.TypeOffer,
		To:   loID,
		Data: json.RawMessage(`{"sdp":"early"}`),
	})
	if code := errCode(t, recv(t, hiConn)); code != protocol.CodeGlare {
		t.Fatalf("expected glare, got %s", code)
	}

	send(t, loConn, protocol.Envelope{
		Type: protocol.TypeOffer,
		To:   hiID,
		Data: json.RawMessage(`{"sdp":"offer-1"}`),
	})
	offer := recvType(t, hiConn, protocol.TypeOffer)
	if offer.From != loID || offer.RoomID != roomID {
		t.Fatalf("offer not stamped with sender: %+v", offer)
	}

	send(t, hiConn, protocol.Envelope{
		Type: protocol.TypeAnswer,
		To:   loID,
		Data: json.RawMessage(`{"sdp":"answer-1"}`),
	})
	answer := recvType(t, loConn, protocol.TypeAnswer)
	if answer.From != hiID {
		t.Fatalf("answer not stamped with sender: %+v", answer)
	}

	// ICE течет в обе стороны
	send(t, loConn, protocol.Envelope{
		Type: protocol.TypeICECandidate,
		To:   hiID,
		Data: json.RawMessage(`{"candidate":"c1"}`),
	})
	recvType(t, hiConn, protocol.TypeICECandidate)

	send(t, hiConn, protocol.Envelope{
		Type: protocol.TypeICECandidate,
		To:   loID,
		Data: json.RawMessage(`{"candidate":"c2"}`),
	})
	recvType(t, loConn, protocol.TypeICECandidate)
}

func TestChatBroadcastAndAck(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	connA, roomID, userA := createRoom(t, e, "Alice", "")
	connB, _ := joinRoom(t, e, roomID, "Bob", "")
	recvType(t, connA, protocol.TypeUserJoined)

	send(t, connA, protocol.Envelope{
		Type: protocol.TypeChat,
		Data: protocol.Marshal(protocol.ChatPayload{Message: "  hello room  "}),
	})

	// остальные получают broadcast
	chatB := recvType(t, connB, protocol.TypeChat)
	var msg struct {
		MsgID   string `json:"msg_id"`
		UserID  string `json:"user_id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(chatB.Data, &msg); err != nil {
		t.Fatalf("chat payload: %v", err)
	}
	if msg.UserID != userA || msg.Message != "hello room" {
		t.Fatalf("bad chat message: %+v", msg)
	}

	// отправитель получает только ack, без эха
	ack := recvType(t, connA, protocol.TypeChatAck)
	if decode[protocol.ChatAckPayload](t, ack.Data).MsgID != msg.MsgID {
		t.Fatal("ack should carry the broadcast message id")
	}
	_ = connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if env, err := readEnvelope(connA); err == nil {
		t.Fatalf("sender must not receive its own chat message, got %s", env.Type)
	}

	// история видна следующему участнику
	_, joined := joinRoom(t, e, roomID, "Cara", "")
	if len(joined.ChatHistory) != 1 || joined.ChatHistory[0].Text != "hello room" {
		t.Fatalf("chat history missing: %+v", joined.ChatHistory)
	}
}

func TestLeavePromotesAndBroadcasts(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	connA, roomID, userA := createRoom(t, e, "Alice", "")
	connB, joined := joinRoom(t, e, roomID, "Bob", "")
	recvType(t, connA, protocol.TypeUserJoined)

	send(t, connA, protocol.Envelope{Type: protocol.TypeLeaveRoom})

	left := recvType(t, connB, protocol.TypeUserLeft)
	if decode[protocol.UserLeftPayload](t, left.Data).UserID != userA {
		t.Fatal("user-left should name the admin that left")
	}
	promoted := recvType(t, connB, protocol.TypeAdminChanged)
	if decode[protocol.AdminChangedPayload](t, promoted.Data).UserID != joined.UserID {
		t.Fatal("remaining participant should be promoted")
	}
}

func TestRoomDeletedWhenLastParticipantDisconnects(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	connA, roomID, _ := createRoom(t, e, "Alice", "")
	_ = connA.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.reg.Get(roomID); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("room should be destroyed once empty")
}

func TestSecondSessionRejectedAtCapacity(t *testing.T) {
	e := newTestEnv(t, registry.Options{Capacity: 2}, relay.Options{})

	connA, roomID, _ := createRoom(t, e, "Alice", "")
	joinRoom(t, e, roomID, "Bob", "")
	recvType(t, connA, protocol.TypeUserJoined)

	conn := e.dial(t, "")
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeJoinRoom,
		Data: protocol.Marshal(protocol.JoinRoomPayload{RoomID: roomID, DisplayName: "Cara"}),
	})
	if code := errCode(t, recv(t, conn)); code != protocol.CodeRoomFull {
		t.Fatalf("expected room-full, got %s", code)
	}
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{MessagesPerMinute: 3})

	conn, _, _ := createRoom(t, e, "Alice", "")

	for i := 0; i < 3; i++ {
		send(t, conn, protocol.Envelope{Type: protocol.TypePing})
		recvType(t, conn, protocol.TypePong)
	}

	send(t, conn, protocol.Envelope{Type: protocol.TypePing})
	if code := errCode(t, recv(t, conn)); code != protocol.CodeRateLimited {
		t.Fatalf("expected rate-limited, got %s", code)
	}

	// лимитер роняет сообщение, но не соединение
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypePing}); err != nil {
		t.Fatalf("connection should survive rate limiting: %v", err)
	}
}

func TestTokenJoin(t *testing.T) {
	e := newTestEnv(t, registry.Options{ClaimWindow: time.Minute}, relay.Options{})

	room, err := e.reg.CreateReserved("")
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.signer.Sign(uuid.New().String(), room.ID, "Dana", true, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	conn := e.dial(t, "?token="+token)
	env := recvType(t, conn, protocol.TypeRoomJoined)
	joined := decode[protocol.RoomJoinedPayload](t, env.Data)
	if joined.RoomID != room.ID {
		t.Fatalf("joined wrong room: %+v", joined)
	}
	if !joined.IsAdmin {
		t.Fatal("creator token should take the admin seat")
	}
}

func TestTokenJoinIgnoresRedeemOrder(t *testing.T) {
	e := newTestEnv(t, registry.Options{ClaimWindow: time.Minute}, relay.Options{})

	room, err := e.reg.CreateReserved("")
	if err != nil {
		t.Fatal(err)
	}
	joinToken, err := e.signer.Sign(uuid.New().String(), room.ID, "Bob", false, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	creatorToken, err := e.signer.Sign(uuid.New().String(), room.ID, "Alice", true, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	// обычный joiner успел раньше создателя
	connB := e.dial(t, "?token="+joinToken)
	env := recvType(t, connB, protocol.TypeRoomJoined)
	if decode[protocol.RoomJoinedPayload](t, env.Data).IsAdmin {
		t.Fatal("plain join token must not take the admin seat")
	}

	connA := e.dial(t, "?token="+creatorToken)
	env = recvType(t, connA, protocol.TypeRoomJoined)
	if !decode[protocol.RoomJoinedPayload](t, env.Data).IsAdmin {
		t.Fatal("creator token should still hold the admin seat")
	}
}

func TestInvalidTokenClosesWithAuthCode(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	conn := e.dial(t, "?token=garbage")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseAuthInvalid) {
		t.Fatalf("expected close %d, got %v", protocol.CloseAuthInvalid, err)
	}

	if e.reg.Len() != 0 {
		t.Fatal("rejected token must not create registry state")
	}
}

func TestTokenForVanishedRoom(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	token, err := e.signer.Sign(uuid.New().String(), "gone42", "Dana", false, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	conn := e.dial(t, "?token="+token)
	if code := errCode(t, recv(t, conn)); code != protocol.CodeRoomNotFound {
		t.Fatalf("expected room-not-found, got %s", code)
	}
}

func TestKickBroadcastsUserLeft(t *testing.T) {
	e := newTestEnv(t, registry.Options{}, relay.Options{})

	connA, roomID, userA := createRoom(t, e, "Alice", "")
	connB, _ := joinRoom(t, e, roomID, "Bob", "")
	recvType(t, connA, protocol.TypeUserJoined)

	e.gateway.Kick(roomID, userA, "heartbeat timeout")

	left := recvType(t, connB, protocol.TypeUserLeft)
	if decode[protocol.UserLeftPayload](t, left.Data).UserID != userA {
		t.Fatal("kicked participant should be announced")
	}
	recvType(t, connB, protocol.TypeAdminChanged)
}
