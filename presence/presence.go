package presence

import (
	"context"
	"errors"
	"time"

	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/types"
)

type Store interface {
	UpsertPresence(ctx context.Context, presence *types.Presence) error
	GetPresence(ctx context.Context, userId string) (*types.Presence, error)
	GetOnlinePresences(ctx context.Context) ([]*types.Presence, error)
	MarkStaleOffline(ctx context.Context, before time.Time) ([]string, error)
}

// Tracker records the online state of users. All writes are upserts keyed by the user id, concurrent writers are
// resolved by the store (last writer wins).
type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

func (t *Tracker) SetOnline(ctx context.Context, userId, room string) error {
	return t.store.UpsertPresence(ctx, &types.Presence{
		UserId:      userId,
		IsOnline:    true,
		CurrentRoom: room,
		LastSeen:    t.now().UTC(),
	})
}

func (t *Tracker) SetOffline(ctx context.Context, userId string) error {
	return t.store.UpsertPresence(ctx, &types.Presence{
		UserId:   userId,
		IsOnline: false,
		LastSeen: t.now().UTC(),
	})
}

// IsOnline reports false for users without a presence record.
func (t *Tracker) IsOnline(ctx context.Context, userId string) (bool, error) {
	p, err := t.store.GetPresence(ctx, userId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.IsOnline, nil
}

// Get returns the presence of a user. Users that were never seen are reported offline with a zero LastSeen.
func (t *Tracker) Get(ctx context.Context, userId string) (*types.Presence, error) {
	p, err := t.store.GetPresence(ctx, userId)
	if errors.Is(err, persistence.ErrNotFound) {
		return &types.Presence{UserId: userId}, nil
	}
	return p, err
}

func (t *Tracker) Online(ctx context.Context) ([]*types.Presence, error) {
	return t.store.GetOnlinePresences(ctx)
}
