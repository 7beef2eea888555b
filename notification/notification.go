package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/types"
)

const maxTitleLength = 200

// ErrInvalid is returned for notifications without a recipient or with an unknown kind.
var ErrInvalid = errors.New("invalid notification")

type Store interface {
	CreateNotification(ctx context.Context, notification *types.Notification) error
	GetNotifications(ctx context.Context, recipientId string, unreadOnly bool) ([]*types.Notification, error)
	MarkNotificationRead(ctx context.Context, id uint, recipientId string) error
	MarkAllNotificationsRead(ctx context.Context, recipientId string) (int, error)
}

// Params describe a notification to create. SenderId, MessageId and RoomName are optional.
type Params struct {
	RecipientId string
	SenderId    string
	Kind        types.NotificationKind
	Title       string
	Body        string
	MessageId   *uint
	RoomName    string
}

// Emitter creates notifications. There is no deduplication, every call results in a new record.
type Emitter struct {
	store  Store
	logger hclog.Logger
}

func NewEmitter(store Store, logger hclog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger}
}

func (e *Emitter) Notify(ctx context.Context, params Params) (*types.Notification, error) {
	if params.RecipientId == "" {
		return nil, fmt.Errorf("%w: no recipient", ErrInvalid)
	}
	if params.Kind == "" {
		params.Kind = types.NotificationKindMessage
	}
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, params.Kind)
	}
	title := []rune(params.Title)
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}
	n := &types.Notification{
		RecipientId: params.RecipientId,
		SenderId:    params.SenderId,
		Kind:        params.Kind,
		Title:       string(title),
		Body:        params.Body,
		MessageId:   params.MessageId,
		RoomName:    params.RoomName,
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}
	e.logger.Debug("notification created", "id", n.Id, "recipient", n.RecipientId, "kind", n.Kind)
	return n, nil
}

func (e *Emitter) List(ctx context.Context, recipientId string, unreadOnly bool) ([]*types.Notification, error) {
	return e.store.GetNotifications(ctx, recipientId, unreadOnly)
}

// MarkRead is idempotent. It fails with persistence.ErrNotFound for notifications of other users.
func (e *Emitter) MarkRead(ctx context.Context, id uint, recipientId string) error {
	return e.store.MarkNotificationRead(ctx, id, recipientId)
}

func (e *Emitter) MarkAllRead(ctx context.Context, recipientId string) (int, error) {
	return e.store.MarkAllNotificationsRead(ctx, recipientId)
}
