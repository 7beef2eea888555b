package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/notification"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/presence"
	"github.com/roomchat/roomchat/types"
	"github.com/roomchat/roomchat/upload"
)

// Sender is the connection a message was received on.
type Sender interface {
	Principal() *types.Principal
	Room() string
	Deliver(data []byte) error
}

// Broadcaster delivers data to all live sessions of a room and returns the number of successful deliveries.
type Broadcaster interface {
	Broadcast(room string, data []byte) int
}

type Store interface {
	GetRoom(ctx context.Context, name string) (*types.Room, error)
	CreateRoom(ctx context.Context, room *types.Room) error
	AddMember(ctx context.Context, roomId uint, userId string) error
	GetMembers(ctx context.Context, roomId uint) ([]*types.User, error)
	CreateMessage(ctx context.Context, msg *types.Message) error
}

// FileUpload is a file message as received by the upload endpoint.
type FileUpload struct {
	Reader   io.Reader
	FileName string
	MimeType string
}

// Pipeline validates, persists and broadcasts messages and notifies offline room members. A message is only
// broadcast after it was persisted.
type Pipeline struct {
	store    Store
	hub      Broadcaster
	presence *presence.Tracker
	notifier *notification.Emitter
	storage  upload.Storage
	logger   hclog.Logger
}

func NewPipeline(store Store, hub Broadcaster, tracker *presence.Tracker, notifier *notification.Emitter,
	storage upload.Storage, logger hclog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		hub:      hub,
		presence: tracker,
		notifier: notifier,
		storage:  storage,
		logger:   logger,
	}
}

// HandleInbound processes a raw payload received on a joined session. Every failure is reported to the sender only.
func (p *Pipeline) HandleInbound(ctx context.Context, sender Sender, payload []byte) {
	body, err := ParseInbound(payload)
	if err != nil {
		p.logger.Debug("rejected inbound message", "room", sender.Room(), "reason", err)
		p.reply(sender, err)
		return
	}
	msg := &types.Message{Kind: types.MessageKindText, Body: body}
	if _, err := p.Publish(ctx, sender.Principal(), sender.Room(), msg); err != nil {
		p.logger.Error("could not publish message", "room", sender.Room(), "user", sender.Principal().Id,
			"error", err)
		p.reply(sender, err)
	}
}

// HandleFile stores an uploaded file and publishes it as a file message.
func (p *Pipeline) HandleFile(ctx context.Context, principal *types.Principal, roomName string,
	file FileUpload) (*types.Message, error) {
	if !ValidRoomName(roomName) {
		return nil, invalid("invalid room name")
	}
	if file.Reader == nil {
		return nil, invalid(ReasonNoFile)
	}
	if p.storage == nil {
		return nil, errors.New("no upload storage configured")
	}
	blob, err := p.storage.Store(ctx, file.Reader, file.FileName, file.MimeType)
	if err != nil {
		if errors.Is(err, upload.ErrEmpty) {
			return nil, invalid(ReasonNoFile)
		}
		if errors.Is(err, upload.ErrTooLarge) {
			return nil, invalid(err.Error())
		}
		return nil, fmt.Errorf("could not store file: %w", err)
	}
	msg := &types.Message{
		Kind:     types.MessageKindFromMime(blob.MimeType),
		FileUrl:  blob.Url,
		FileName: blob.FileName,
		FileSize: blob.Size,
		MimeType: blob.MimeType,
	}
	return p.Publish(ctx, principal, roomName, msg)
}

// Publish persists the message, broadcasts it to the room and creates notifications for offline members.
func (p *Pipeline) Publish(ctx context.Context, principal *types.Principal, roomName string,
	msg *types.Message) (*types.Message, error) {
	if msg.IsFile() {
		if msg.FileUrl == "" {
			return nil, invalid(ReasonNoFile)
		}
	} else if msg.Body == "" {
		return nil, invalid(ReasonBlank)
	}
	room, err := p.resolveRoom(ctx, roomName, principal.Id)
	if err != nil {
		return nil, fmt.Errorf("could not resolve room %s: %w", roomName, err)
	}
	msg.RoomId = room.Id
	msg.UserId = principal.Id
	msg.Nick = principal.Nick
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("could not store message: %w", err)
	}

	data, err := json.Marshal(types.NewWireChatMessage(msg))
	if err != nil {
		return nil, err
	}
	delivered := p.hub.Broadcast(roomName, data)
	p.logger.Debug("message broadcast", "room", roomName, "id", msg.Id, "delivered", delivered)

	p.notifyOffline(ctx, principal, room, msg)
	return msg, nil
}

// resolveRoom returns the room, creating it if necessary. Concurrent creators are resolved by the unique name
// constraint, the loser re-fetches. The creator becomes the first member.
func (p *Pipeline) resolveRoom(ctx context.Context, name, creatorId string) (*types.Room, error) {
	room, err := p.store.GetRoom(ctx, name)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	room = &types.Room{Name: name}
	err = p.store.CreateRoom(ctx, room)
	if errors.Is(err, persistence.ErrDuplicate) {
		return p.store.GetRoom(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	p.logger.Info("room created", "room", name, "creator", creatorId)
	if err := p.store.AddMember(ctx, room.Id, creatorId); err != nil {
		p.logger.Error("could not add room creator as member", "room", name, "user", creatorId, "error", err)
	}
	return room, nil
}

func (p *Pipeline) notifyOffline(ctx context.Context, sender *types.Principal, room *types.Room, msg *types.Message) {
	members, err := p.store.GetMembers(ctx, room.Id)
	if err != nil {
		p.logger.Error("could not load room members", "room", room.Name, "error", err)
		return
	}
	body := msg.Body
	if msg.IsFile() {
		body = sender.Nick + " sent a file: " + msg.FileName
	}
	for _, member := range members {
		if member.Id == sender.Id || (member.Nick != "" && member.Nick == sender.Nick) {
			continue
		}
		online, err := p.presence.IsOnline(ctx, member.Id)
		if err != nil {
			p.logger.Error("could not check presence", "user", member.Id, "error", err)
			continue
		}
		if online {
			continue
		}
		msgId := msg.Id
		_, err = p.notifier.Notify(ctx, notification.Params{
			RecipientId: member.Id,
			SenderId:    sender.Id,
			Kind:        types.NotificationKindMessage,
			Title:       "New message from " + sender.Nick,
			Body:        body,
			MessageId:   &msgId,
			RoomName:    room.Name,
		})
		if err != nil {
			p.logger.Error("could not create notification", "user", member.Id, "error", err)
		}
	}
}

// reply sends an error event to the sender only. Internal errors are not exposed.
func (p *Pipeline) reply(sender Sender, err error) {
	reason := ReasonInternal
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		reason = validationErr.Reason
	}
	data, err := json.Marshal(types.NewWireError(reason))
	if err != nil {
		return
	}
	if err := sender.Deliver(data); err != nil {
		p.logger.Warn("could not deliver error event", "room", sender.Room(), "error", err)
	}
}
