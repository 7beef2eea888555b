package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Persister is the durable store. Implementations must be safe for concurrent use.
type Persister interface {
	StoreUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUsers(ctx context.Context) ([]*types.User, error)

	// CreateRoom returns ErrDuplicate if a room with the same name already exists.
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, name string) (*types.Room, error)
	GetRooms(ctx context.Context) ([]*types.Room, error)

	// CreateMessage assigns the id and the (UTC) timestamp.
	CreateMessage(ctx context.Context, msg *types.Message) error
	// GetMessages returns the messages of a room in insertion order. maxCount <= 0 means no limit.
	GetMessages(ctx context.Context, roomId uint, fromIdx, maxCount int) ([]*types.Message, error)

	AddMember(ctx context.Context, roomId uint, userId string) error
	RemoveMember(ctx context.Context, roomId uint, userId string) error
	GetMembers(ctx context.Context, roomId uint) ([]*types.User, error)

	UpsertPresence(ctx context.Context, presence *types.Presence) error
	GetPresence(ctx context.Context, userId string) (*types.Presence, error)
	GetOnlinePresences(ctx context.Context) ([]*types.Presence, error)
	// MarkStaleOffline sets every online presence last seen before the given time to offline and returns the
	// affected user ids.
	MarkStaleOffline(ctx context.Context, before time.Time) ([]string, error)

	CreateNotification(ctx context.Context, notification *types.Notification) error
	GetNotifications(ctx context.Context, recipientId string, unreadOnly bool) ([]*types.Notification, error)
	// MarkNotificationRead returns ErrNotFound if the notification does not exist or belongs to somebody else.
	MarkNotificationRead(ctx context.Context, id uint, recipientId string) error
	MarkAllNotificationsRead(ctx context.Context, recipientId string) (int, error)

	Close() error
}

// NewPersister opens the store selected by the persistence configuration.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}
