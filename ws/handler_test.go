package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/auth"
	"github.com/roomchat/roomchat/chat"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/notification"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/presence"
	"github.com/roomchat/roomchat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type testServer struct {
	*httptest.Server
	cfg      *config.Config
	store    persistence.Persister
	hub      *Hub
	tracker  *presence.Tracker
	emitter  *notification.Emitter
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T, verifier auth.Verifier, mutate ...func(*config.Config)) *testServer {
	cfg := config.Defaults()
	cfg.AuthConfig.JWTSecret = testSecret
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = ":memory:"
	cfg.SessionConfig.WriteWait = time.Second
	for _, m := range mutate {
		m(cfg)
	}
	store, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.StoreUser(ctx, &types.User{Id: "u1", Nick: "alice"}))
	require.NoError(t, store.StoreUser(ctx, &types.User{Id: "u2", Nick: "bob"}))

	lookup, err := auth.NewCachedLookup(store, 16)
	require.NoError(t, err)
	jwtVerifier := auth.NewJWTVerifier(testSecret, "", lookup)
	if verifier == nil {
		verifier = jwtVerifier
	}

	logger := hclog.NewNullLogger()
	hub := NewHub(logger)
	tracker := presence.NewTracker(store)
	emitter := notification.NewEmitter(store, logger)
	pipeline := chat.NewPipeline(store, hub, tracker, emitter, nil, logger)

	router := mux.NewRouter()
	NewHandler(hub, verifier, pipeline, tracker, cfg, logger).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.CloseAll(websocket.CloseGoingAway, "test done")
		srv.Close()
	})
	return &testServer{
		Server:   srv,
		cfg:      cfg,
		store:    store,
		hub:      hub,
		tracker:  tracker,
		emitter:  emitter,
		verifier: jwtVerifier,
	}
}

func (s *testServer) token(t *testing.T, userId string) string {
	token, err := s.verifier.Issue(userId, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (s *testServer) connect(t *testing.T, room, userId string) *websocket.Conn {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(t, userId))
	conn, _, err := s.dial(t, "/ws/chat/"+room+"/", header)
	require.NoError(t, err)
	event := readEvent(t, conn)
	require.Equal(t, types.WireTypeConnection, event["type"])
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event := make(map[string]interface{})
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// expectClose reads until the server closes the connection and returns the close error.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
		return closeErr
	}
}

func (s *testServer) isOnline(t *testing.T, userId string) bool {
	online, err := s.tracker.IsOnline(context.Background(), userId)
	require.NoError(t, err)
	return online
}

func TestConnect(t *testing.T) {
	s := newTestServer(t, nil)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(t, "u1"))
	conn, _, err := s.dial(t, "/ws/chat/lobby/", header)
	require.NoError(t, err)

	event := readEvent(t, conn)
	assert.Equal(t, map[string]interface{}{
		"type":     "connection",
		"message":  "alice connected to lobby",
		"username": "alice",
	}, event)
	assert.Equal(t, 1, s.hub.RoomSize("lobby"))
	assert.Eventually(t, func() bool { return s.isOnline(t, "u1") }, 2*time.Second, 10*time.Millisecond)

	p, err := s.tracker.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "lobby", p.CurrentRoom)
}

func TestConnectWithQueryToken(t *testing.T) {
	s := newTestServer(t, nil)
	conn, _, err := s.dial(t, "/ws/chat/lobby?token="+s.token(t, "u2"), nil)
	require.NoError(t, err)
	event := readEvent(t, conn)
	assert.Equal(t, "bob", event["username"])
}

func TestBroadcastToRoom(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.connect(t, "lobby", "u1")
	bob := s.connect(t, "lobby", "u2")
	elsewhere := s.connect(t, "other", "u2")

	send(t, alice, `{"message":"Hello, world!"}`)

	var ids []float64
	for _, conn := range []*websocket.Conn{alice, bob} {
		event := readEvent(t, conn)
		assert.Equal(t, "chat_message", event["type"])
		assert.Equal(t, "Hello, world!", event["message"])
		assert.Equal(t, "alice", event["username"])
		_, err := time.Parse(time.RFC3339Nano, event["timestamp"].(string))
		assert.NoError(t, err)
		ids = append(ids, event["message_id"].(float64))
	}
	assert.Equal(t, ids[0], ids[1])

	// the next event in the other room is the one sent there, nothing leaked
	send(t, elsewhere, `{"message":"other room"}`)
	event := readEvent(t, elsewhere)
	assert.Equal(t, "other room", event["message"])

	room, err := s.store.GetRoom(context.Background(), "lobby")
	require.NoError(t, err)
	messages, err := s.store.GetMessages(context.Background(), room.Id, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, uint(ids[0]), messages[0].Id)
}

func TestInvalidMessageKeepsConnection(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.connect(t, "lobby", "u1")
	bob := s.connect(t, "lobby", "u2")

	send(t, alice, `not json`)
	assert.Equal(t, map[string]interface{}{"type": "error", "message": "invalid format"}, readEvent(t, alice))
	send(t, alice, `{"message":"   "}`)
	assert.Equal(t, "message content cannot be empty", readEvent(t, alice)["message"])
	send(t, alice, `{"message":"`+strings.Repeat("x", 1001)+`"}`)
	assert.Equal(t, "message too long", readEvent(t, alice)["message"])
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, "invalid format", readEvent(t, alice)["message"])

	send(t, alice, `{"message":"still here"}`)
	assert.Equal(t, "still here", readEvent(t, alice)["message"])
	// bob never saw the errors
	event := readEvent(t, bob)
	assert.Equal(t, "chat_message", event["type"])
	assert.Equal(t, "still here", event["message"])
}

type failingVerifier struct {
	err error
}

func (f failingVerifier) Verify(context.Context, string) (*types.Principal, error) {
	return nil, f.err
}

func TestAuthenticationFailures(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		UserId:           "u1",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	unknown, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserId: "nobody"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := map[string]struct {
		verifier auth.Verifier
		header   string
		code     int
		reason   string
	}{
		"missing":        {code: CloseUnauthorized, reason: "authentication required"},
		"garbled header": {header: "Token abc", code: CloseUnauthorized, reason: "invalid token"},
		"garbage token":  {header: "Bearer abc", code: CloseUnauthorized, reason: "invalid token"},
		"expired":        {header: "Bearer " + expired, code: CloseUnauthorized, reason: "token expired"},
		"unknown user":   {header: "Bearer " + unknown, code: CloseUnauthorized, reason: "invalid token"},
		"lookup error": {verifier: failingVerifier{err: auth.ErrLookup}, header: "Bearer abc",
			code: CloseBadRequest, reason: "principal lookup failed"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, tc.verifier)
			header := http.Header{}
			if tc.header != "" {
				header.Set("Authorization", tc.header)
			}
			conn, _, err := s.dial(t, "/ws/chat/lobby/", header)
			require.NoError(t, err)

			closeErr := expectClose(t, conn)
			assert.Equal(t, tc.code, closeErr.Code)
			assert.Equal(t, tc.reason, closeErr.Text)

			assert.Equal(t, 0, s.hub.RoomSize("lobby"))
			_, err = s.store.GetPresence(context.Background(), "u1")
			assert.ErrorIs(t, err, persistence.ErrNotFound)
		})
	}
}

func TestInvalidRoomName(t *testing.T) {
	s := newTestServer(t, nil)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(t, "u1"))
	conn, _, err := s.dial(t, "/ws/chat/no!good/", header)
	require.NoError(t, err)
	closeErr := expectClose(t, conn)
	assert.Equal(t, CloseBadRequest, closeErr.Code)
	assert.Empty(t, s.hub.Rooms())
}

func TestOriginCheck(t *testing.T) {
	s := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://chat.example.com"}
	})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(t, "u1"))
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := s.dial(t, "/ws/chat/lobby/", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://chat.example.com")
	conn, _, err := s.dial(t, "/ws/chat/lobby/", header)
	require.NoError(t, err)
	assert.Equal(t, "connection", readEvent(t, conn)["type"])
}

func TestDisconnect(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.connect(t, "lobby", "u1")
	second := s.connect(t, "other", "u1")
	require.Eventually(t, func() bool { return s.isOnline(t, "u1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return s.hub.RoomSize("lobby") == 0 }, 2*time.Second, 10*time.Millisecond)
	// still connected in the other room
	assert.True(t, s.hub.UserOnline("u1"))
	assert.True(t, s.isOnline(t, "u1"))

	require.NoError(t, second.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return !s.isOnline(t, "u1") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.hub.UserOnline("u1"))
	assert.Empty(t, s.hub.Rooms())
}

func TestOfflineMemberIsNotified(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	room := &types.Room{Name: "lobby"}
	require.NoError(t, s.store.CreateRoom(ctx, room))
	require.NoError(t, s.store.AddMember(ctx, room.Id, "u1"))
	require.NoError(t, s.store.AddMember(ctx, room.Id, "u2"))

	alice := s.connect(t, "lobby", "u1")
	send(t, alice, `{"message":"are you there?"}`)
	event := readEvent(t, alice)

	// notifications are created after the broadcast
	var notifications []*types.Notification
	require.Eventually(t, func() bool {
		var err error
		notifications, err = s.emitter.List(ctx, "u2", false)
		return err == nil && len(notifications) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "New message from alice", notifications[0].Title)
	assert.Equal(t, uint(event["message_id"].(float64)), *notifications[0].MessageId)

	own, err := s.emitter.List(ctx, "u1", false)
	require.NoError(t, err)
	assert.Empty(t, own)

	// bob comes online, no further notification
	bob := s.connect(t, "lobby", "u2")
	require.Eventually(t, func() bool { return s.isOnline(t, "u2") }, 2*time.Second, 10*time.Millisecond)
	send(t, alice, `{"message":"welcome"}`)
	readEvent(t, alice)
	readEvent(t, bob)
	notifications, err = s.emitter.List(ctx, "u2", false)
	require.NoError(t, err)
	assert.Len(t, notifications, 1)
}

type countingTracker struct {
	sync.Mutex
	online  int
	offline int
}

func (c *countingTracker) SetOnline(context.Context, string, string) error {
	c.Lock()
	defer c.Unlock()
	c.online++
	return nil
}

func (c *countingTracker) SetOffline(context.Context, string) error {
	c.Lock()
	defer c.Unlock()
	c.offline++
	return nil
}

func TestCleanupIsIdempotent(t *testing.T) {
	cfg := config.Defaults().SessionConfig
	cfg.WriteWait = time.Second
	hub := NewHub(hclog.NewNullLogger())
	tracker := &countingTracker{}
	done := make(chan *Client, 2)

	newClient := func(authenticate bool) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
			require.NoError(t, err)
			client := NewClient("s-"+r.URL.Path, "lobby", conn, hub, nil, tracker, cfg, hclog.NewNullLogger())
			client.StartAuthentication()
			if authenticate {
				require.NoError(t, client.Join(&types.Principal{Id: "u1", Nick: "alice"}))
				assert.Equal(t, StateJoined, client.State())
			}
			client.Cleanup()
			client.Cleanup()
			done <- client
		}))
		defer srv.Close()
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/x", nil)
		require.NoError(t, err)
		defer conn.Close()
		client := <-done
		assert.Equal(t, StateClosed, client.State())
		assert.ErrorIs(t, client.Deliver([]byte("late")), ErrClientClosed)
		assert.ErrorIs(t, client.Join(&types.Principal{Id: "u1"}), ErrNotJoinable)
	}

	newClient(true)
	assert.Equal(t, 1, tracker.online)
	assert.Equal(t, 1, tracker.offline)
	assert.Equal(t, 0, hub.RoomSize("lobby"))

	// a client that never authenticated has no side effects
	newClient(false)
	assert.Equal(t, 1, tracker.online)
	assert.Equal(t, 1, tracker.offline)
}

func TestCloseAllOnShutdown(t *testing.T) {
	s := newTestServer(t, nil)
	conn := s.connect(t, "lobby", "u1")
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	closeErr := expectClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Eventually(t, func() bool { return s.hub.RoomSize("lobby") == 0 }, 2*time.Second, 10*time.Millisecond)
}
