package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/sus/internal/auth"
	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/randutil"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

type testServer struct {
	controller *game.Controller
	server     *Server
	http       *httptest.Server
	url        string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	clock := quartz.NewMock(t)
	l := ledger.New(ledger.Options{
		Rules:  ledger.Rules{MinStake: 1, MaxStake: 1000, RetainFor: time.Hour},
		Clock:  clock,
		Logger: testLogger(),
	})
	controller := game.NewController(game.Options{
		Ledger: l,
		Roles:  roles.NewAssigner(randutil.NewReader(11), nil),
		Rules:  game.DefaultRules(),
		Logger: testLogger(),
	})
	srv := NewServer(controller, testLogger(), append([]Option{WithClock(clock), WithSweepInterval(0)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return &testServer{
		controller: controller,
		server:     srv,
		http:       ts,
		url:        "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

type wireSession struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Pot   int64  `json:"pot"`
	State string `json:"state"`
}

type wireEvent struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType MessageType, requestID string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: msgType, Data: payload, RequestID: requestID}))
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*Message) bool) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(&msg) {
			return msg
		}
	}
}

func reply(requestID string) func(*Message) bool {
	return func(m *Message) bool { return m.RequestID == requestID }
}

func eventOf(eventType session.EventType) func(*Message) bool {
	return func(m *Message) bool {
		if m.Type != MessageTypeEvent {
			return false
		}
		var ev wireEvent
		return json.Unmarshal(m.Data, &ev) == nil && ev.Type == string(eventType)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, who string) {
	t.Helper()
	send(t, conn, MessageTypeAuth, "auth", AuthData{Token: who})
	msg := readUntil(t, conn, reply("auth"))
	require.Equal(t, MessageTypeAuthResponse, msg.Type)
}

func decodeSession(t *testing.T, msg Message) wireSession {
	t.Helper()
	require.Equal(t, MessageTypeSession, msg.Type, "message: %s", msg.Data)
	var s wireSession
	require.NoError(t, json.Unmarshal(msg.Data, &s))
	return s
}

func decodeError(t *testing.T, msg Message) ErrorData {
	t.Helper()
	require.Equal(t, MessageTypeError, msg.Type)
	var e ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	return e
}

func TestServerHealth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestSessionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	s, err := ts.controller.Create(context.Background(), "alice", 50, 4)
	require.NoError(t, err)

	for _, key := range []string{s.ID, s.Code} {
		resp, err := http.Get(ts.http.URL + "/sessions/" + key)
		require.NoError(t, err)
		var got wireSession
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, "lobby", got.State)
		assert.Equal(t, int64(50), got.Pot)
	}

	resp, err := http.Get(ts.http.URL + "/sessions/missing")
	require.NoError(t, err)
	var e ErrorData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(session.CodeSessionNotFound), e.Code)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.controller.Create(ctx, "alice", 50, 4)
	require.NoError(t, err)
	s, err := ts.controller.Create(ctx, "bob", 20, 3)
	require.NoError(t, err)
	_, err = ts.controller.Cancel(ctx, s.ID, "bob")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, map[string]int{"lobby": 1, "cancelled": 1}, stats.ByState)
	assert.Equal(t, session.Amount(50), stats.Staked)
}

type resolverFunc func(ctx context.Context, token string) (session.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, token string) (session.Identity, error) {
	return f(ctx, token)
}

func TestAuthUsesResolver(t *testing.T) {
	ts := newTestServer(t, WithResolver(resolverFunc(func(_ context.Context, token string) (session.Identity, error) {
		switch token {
		case "tok-alice":
			return "alice", nil
		case "down":
			return "", auth.ErrUnavailable
		}
		return "", auth.ErrInvalidToken
	})))
	conn := dial(t, ts.url)

	send(t, conn, MessageTypeAuth, "1", AuthData{Token: "alice"})
	assert.Equal(t, "invalid_auth", decodeError(t, readUntil(t, conn, reply("1"))).Code)

	send(t, conn, MessageTypeAuth, "2", AuthData{Token: "down"})
	assert.Equal(t, "auth_unavailable", decodeError(t, readUntil(t, conn, reply("2"))).Code)

	send(t, conn, MessageTypeAuth, "3", AuthData{Token: "tok-alice"})
	msg := readUntil(t, conn, reply("3"))
	require.Equal(t, MessageTypeAuthResponse, msg.Type)
	var resp AuthResponseData
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	assert.Equal(t, "alice", resp.Identity)
}

func TestIntentsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)

	send(t, conn, MessageTypeCreate, "1", CreateData{Stake: 10, MaxParticipants: 3})
	e := decodeError(t, readUntil(t, conn, reply("1")))
	assert.Equal(t, "not_authenticated", e.Code)

	send(t, conn, MessageTypeAuth, "2", AuthData{})
	e = decodeError(t, readUntil(t, conn, reply("2")))
	assert.Equal(t, "invalid_auth", e.Code)
}

func TestCreateJoinAndEvents(t *testing.T) {
	ts := newTestServer(t)

	host := dial(t, ts.url)
	authenticate(t, host, "alice")
	send(t, host, MessageTypeCreate, "create", CreateData{Stake: 100, MaxParticipants: 4})
	created := decodeSession(t, readUntil(t, host, reply("create")))
	assert.Equal(t, "lobby", created.State)

	guest := dial(t, ts.url)
	authenticate(t, guest, "bob")

	send(t, guest, MessageTypeJoin, "bad", IntentData{Code: created.Code, Stake: 99})
	e := decodeError(t, readUntil(t, guest, reply("bad")))
	assert.Equal(t, string(session.CodeStakeMismatch), e.Code)
	assert.Equal(t, "validation", e.Kind)

	send(t, guest, MessageTypeJoin, "join", IntentData{Code: created.Code, Stake: 100})
	joined := decodeSession(t, readUntil(t, guest, reply("join")))
	assert.Equal(t, created.ID, joined.ID)
	assert.Equal(t, int64(200), joined.Pot)

	msg := readUntil(t, host, eventOf(session.EventTypeJoined))
	var ev wireEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, created.ID, ev.SessionID)
	var payload session.JoinedEvent
	require.NoError(t, json.Unmarshal(ev.Event, &payload))
	assert.Equal(t, session.Identity("bob"), payload.Participant)
}

func TestRoleRevealIsRedactedPerViewer(t *testing.T) {
	ts := newTestServer(t)
	names := []string{"alice", "bob", "carol"}

	conns := make([]*websocket.Conn, len(names))
	for i, name := range names {
		conns[i] = dial(t, ts.url)
		authenticate(t, conns[i], name)
	}
	send(t, conns[0], MessageTypeCreate, "create", CreateData{Stake: 10, MaxParticipants: 3})
	created := decodeSession(t, readUntil(t, conns[0], reply("create")))
	for i := 1; i < len(names); i++ {
		send(t, conns[i], MessageTypeJoin, "join", IntentData{SessionID: created.ID, Stake: 10})
		decodeSession(t, readUntil(t, conns[i], reply("join")))
	}

	s, err := ts.controller.Poll(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, session.RoleRevealed, s.State)

	seen := 0
	for i, conn := range conns {
		msg := readUntil(t, conn, eventOf(session.EventTypeRoleRevealed))
		var ev wireEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		var revealed session.RoleRevealedEvent
		require.NoError(t, json.Unmarshal(ev.Event, &revealed))
		if session.Identity(names[i]) == s.Defector {
			assert.Equal(t, s.Defector, revealed.Defector)
			assert.NotEmpty(t, revealed.Nonce)
			seen++
			continue
		}
		assert.Empty(t, revealed.Defector, "crew member %s must not learn the defector", names[i])
		assert.Empty(t, revealed.Nonce)
	}
	assert.Equal(t, 1, seen)
}

func TestRedact(t *testing.T) {
	env := session.Envelope{
		Seq:       4,
		SessionID: "s1",
		Type:      session.EventTypeRoleRevealed,
		Event:     session.RoleRevealedEvent{Defector: "carol", Nonce: []byte{1, 2, 3}},
	}

	own := redact(env, "carol")
	assert.Equal(t, env.Event, own.Event)

	other := redact(env, "alice")
	assert.Equal(t, session.RoleRevealedEvent{}, other.Event)
	assert.Equal(t, uint64(4), other.Seq)

	joined := session.Envelope{Type: session.EventTypeJoined, Event: session.JoinedEvent{Participant: "bob"}}
	assert.Equal(t, joined.Event, redact(joined, "alice").Event)
}
