package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/notification"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/presence"
	"github.com/roomchat/roomchat/types"
	"github.com/roomchat/roomchat/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	sync.Mutex
	broadcasts map[string][][]byte
}

func (h *recordingHub) Broadcast(room string, data []byte) int {
	h.Lock()
	defer h.Unlock()
	if h.broadcasts == nil {
		h.broadcasts = make(map[string][][]byte)
	}
	h.broadcasts[room] = append(h.broadcasts[room], data)
	return 1
}

func (h *recordingHub) count(room string) int {
	h.Lock()
	defer h.Unlock()
	return len(h.broadcasts[room])
}

type fakeSender struct {
	principal *types.Principal
	room      string
	sync.Mutex
	delivered [][]byte
}

func (s *fakeSender) Principal() *types.Principal { return s.principal }
func (s *fakeSender) Room() string                { return s.room }
func (s *fakeSender) Deliver(data []byte) error {
	s.Lock()
	defer s.Unlock()
	s.delivered = append(s.delivered, data)
	return nil
}

func (s *fakeSender) errorReasons(t *testing.T) []string {
	s.Lock()
	defer s.Unlock()
	reasons := make([]string, 0)
	for _, data := range s.delivered {
		event := types.WireError{}
		require.NoError(t, json.Unmarshal(data, &event))
		require.Equal(t, types.WireTypeError, event.Type)
		reasons = append(reasons, event.Message)
	}
	return reasons
}

type fixture struct {
	store    persistence.Persister
	hub      *recordingHub
	tracker  *presence.Tracker
	emitter  *notification.Emitter
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	cfg := config.Defaults()
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = ":memory:"
	store, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	uploadCfg := cfg.UploadConfig
	uploadCfg.Path = filepath.Join(t.TempDir(), "uploads")
	storage, err := upload.NewFilesystemStorage(uploadCfg)
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		hub:     &recordingHub{},
		tracker: presence.NewTracker(store),
		emitter: notification.NewEmitter(store, hclog.NewNullLogger()),
	}
	f.pipeline = NewPipeline(store, f.hub, f.tracker, f.emitter, storage, hclog.NewNullLogger())
	return f
}

func (f *fixture) messages(t *testing.T, room string) []*types.Message {
	r, err := f.store.GetRoom(context.Background(), room)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	messages, err := f.store.GetMessages(context.Background(), r.Id, 0, 0)
	require.NoError(t, err)
	return messages
}

var alice = &types.Principal{Id: "u1", Nick: "alice"}

func TestParseInbound(t *testing.T) {
	tests := map[string]struct {
		payload string
		body    string
		reason  string
	}{
		"valid":          {payload: `{"message":"hello"}`, body: "hello"},
		"trimmed":        {payload: `{"message":"  hello \n"}`, body: "hello"},
		"typed":          {payload: `{"type":"chat_message","message":"hi"}`, body: "hi"},
		"extra fields":   {payload: `{"message":"hi","foo":1}`, body: "hi"},
		"empty payload":  {payload: ``, reason: ReasonEmpty},
		"bad json":       {payload: `{"message":`, reason: ReasonInvalidFormat},
		"not an object":  {payload: `["hello"]`, reason: ReasonInvalidFormat},
		"null":           {payload: `null`, reason: ReasonInvalidFormat},
		"missing field":  {payload: `{"text":"hello"}`, reason: ReasonInvalidFormat},
		"wrong type":     {payload: `{"message":42}`, reason: ReasonInvalidFormat},
		"other event":    {payload: `{"type":"typing","message":"x"}`, reason: ReasonUnsupported},
		"blank":          {payload: `{"message":"   "}`, reason: ReasonBlank},
		"empty string":   {payload: `{"message":""}`, reason: ReasonBlank},
		"at limit":       {payload: fmt.Sprintf(`{"message":%q}`, strings.Repeat("é", 1000)), body: strings.Repeat("é", 1000)},
		"over the limit": {payload: fmt.Sprintf(`{"message":%q}`, strings.Repeat("a", 1001)), reason: ReasonTooLong},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			body, err := ParseInbound([]byte(tc.payload))
			if tc.reason != "" {
				var validationErr *ValidationError
				require.ErrorAs(t, err, &validationErr)
				assert.Equal(t, tc.reason, validationErr.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.body, body)
		})
	}
}

func TestValidRoomName(t *testing.T) {
	assert.True(t, ValidRoomName("lobby"))
	assert.True(t, ValidRoomName("Room_42-b"))
	assert.False(t, ValidRoomName(""))
	assert.False(t, ValidRoomName("with space"))
	assert.False(t, ValidRoomName("../etc"))
	assert.False(t, ValidRoomName(strings.Repeat("a", 101)))
}

func TestHandleInbound(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{principal: alice, room: "lobby"}

	f.pipeline.HandleInbound(context.Background(), sender, []byte(`{"message":"Hello, world!"}`))

	assert.Empty(t, sender.errorReasons(t))
	messages := f.messages(t, "lobby")
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello, world!", messages[0].Body)
	assert.Equal(t, "u1", messages[0].UserId)
	assert.Equal(t, types.MessageKindText, messages[0].Kind)

	require.Equal(t, 1, f.hub.count("lobby"))
	event := types.WireChatMessage{}
	require.NoError(t, json.Unmarshal(f.hub.broadcasts["lobby"][0], &event))
	assert.Equal(t, types.WireTypeChatMessage, event.Type)
	assert.Equal(t, "Hello, world!", event.Message)
	assert.Equal(t, "alice", event.Username)
	assert.Equal(t, messages[0].Id, event.MessageId)
	assert.NotEmpty(t, event.Timestamp)
	assert.Empty(t, event.MessageType)

	// the first sender becomes a member of the lazily created room
	room, err := f.store.GetRoom(context.Background(), "lobby")
	require.NoError(t, err)
	members, err := f.store.GetMembers(context.Background(), room.Id)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].Id)
}

func TestHandleInboundRejects(t *testing.T) {
	f := newFixture(t)
	for _, payload := range []string{"", `{"message":"  "}`, `{"message":"` + strings.Repeat("x", 1001) + `"}`, `{`} {
		sender := &fakeSender{principal: alice, room: "lobby"}
		f.pipeline.HandleInbound(context.Background(), sender, []byte(payload))
		assert.Len(t, sender.errorReasons(t), 1, payload)
	}
	assert.Empty(t, f.messages(t, "lobby"))
	assert.Equal(t, 0, f.hub.count("lobby"))
}

type failingStore struct {
	Store
}

func (failingStore) CreateMessage(context.Context, *types.Message) error {
	return errors.New("disk full")
}

func TestHandleInboundPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(failingStore{f.store}, f.hub, f.tracker, f.emitter, nil, hclog.NewNullLogger())
	sender := &fakeSender{principal: alice, room: "lobby"}

	p.HandleInbound(context.Background(), sender, []byte(`{"message":"hi"}`))

	assert.Equal(t, []string{ReasonInternal}, sender.errorReasons(t))
	assert.Equal(t, 0, f.hub.count("lobby"))
}

func TestOfflineNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := &types.Room{Name: "lobby"}
	require.NoError(t, f.store.CreateRoom(ctx, room))
	for _, u := range []*types.User{{Id: "u1", Nick: "alice"}, {Id: "u2", Nick: "bob"}, {Id: "u3", Nick: "carol"}} {
		require.NoError(t, f.store.StoreUser(ctx, u))
		require.NoError(t, f.store.AddMember(ctx, room.Id, u.Id))
	}
	require.NoError(t, f.tracker.SetOnline(ctx, "u3", "lobby"))

	sender := &fakeSender{principal: alice, room: "lobby"}
	f.pipeline.HandleInbound(ctx, sender, []byte(`{"message":"anyone here?"}`))
	messages := f.messages(t, "lobby")
	require.Len(t, messages, 1)

	bob, err := f.emitter.List(ctx, "u2", false)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "New message from alice", bob[0].Title)
	assert.Equal(t, "anyone here?", bob[0].Body)
	assert.Equal(t, "u1", bob[0].SenderId)
	assert.Equal(t, "lobby", bob[0].RoomName)
	require.NotNil(t, bob[0].MessageId)
	assert.Equal(t, messages[0].Id, *bob[0].MessageId)

	for _, userId := range []string{"u1", "u3"} {
		list, err := f.emitter.List(ctx, userId, false)
		require.NoError(t, err)
		assert.Empty(t, list, userId)
	}
}

func TestConcurrentRoomCreation(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			principal := &types.Principal{Id: fmt.Sprintf("u%d", i), Nick: fmt.Sprintf("user%d", i)}
			f.pipeline.HandleInbound(context.Background(), &fakeSender{principal: principal, room: "fresh"},
				[]byte(`{"message":"first!"}`))
		}(i)
	}
	wg.Wait()

	rooms, err := f.store.GetRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
	assert.Len(t, f.messages(t, "fresh"), 10)
	assert.Equal(t, 10, f.hub.count("fresh"))
}

func TestHandleFile(t *testing.T) {
	f := newFixture(t)
	png := []byte("\x89PNG\x0D\x0A\x1A\x0A\x00\x00\x00\x0DIHDR")

	msg, err := f.pipeline.HandleFile(context.Background(), alice, "lobby", FileUpload{
		Reader: bytes.NewReader(png), FileName: "cat.png"})
	require.NoError(t, err)
	assert.Equal(t, types.MessageKindImage, msg.Kind)
	assert.Equal(t, "cat.png", msg.FileName)
	assert.Equal(t, int64(len(png)), msg.FileSize)
	assert.Empty(t, msg.Body)

	require.Equal(t, 1, f.hub.count("lobby"))
	event := types.WireChatMessage{}
	require.NoError(t, json.Unmarshal(f.hub.broadcasts["lobby"][0], &event))
	assert.Equal(t, "image", event.MessageType)
	assert.Equal(t, msg.FileUrl, event.FileUrl)
	assert.Equal(t, "image/png", event.MimeType)

	_, err = f.pipeline.HandleFile(context.Background(), alice, "lobby", FileUpload{FileName: "x"})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, ReasonNoFile, validationErr.Reason)

	_, err = f.pipeline.HandleFile(context.Background(), alice, "lobby", FileUpload{
		Reader: strings.NewReader(""), FileName: "empty.txt"})
	require.ErrorAs(t, err, &validationErr)

	_, err = f.pipeline.HandleFile(context.Background(), alice, "no room", FileUpload{
		Reader: bytes.NewReader(png), FileName: "cat.png"})
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, 1, f.hub.count("lobby"))
}
