package auth

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/types"
)

type UserStore interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
	StoreUser(ctx context.Context, user *types.User) error
}

// UserLookup resolves a user id taken from a verified token to a principal.
type UserLookup interface {
	Lookup(ctx context.Context, userId string) (*types.Principal, error)
}

// CachedLookup resolves principals from the user store and keeps the results in an ARC cache. Unknown users are
// reported as ErrInvalidToken, store failures as ErrLookup. Failures are not cached.
type CachedLookup struct {
	store UserStore
	cache *lru.ARCCache
}

func NewCachedLookup(store UserStore, size int) (*CachedLookup, error) {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &CachedLookup{store: store, cache: cache}, nil
}

func (l *CachedLookup) Lookup(ctx context.Context, userId string) (*types.Principal, error) {
	if cached, ok := l.cache.Get(userId); ok {
		principal := *cached.(*types.Principal)
		return &principal, nil
	}
	user, err := l.store.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %q", ErrInvalidToken, userId)
		}
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	principal := user.Principal()
	l.cache.Add(userId, principal)
	copied := *principal
	return &copied, nil
}

// Invalidate drops a cached principal, f.e. after the user's nick changed.
func (l *CachedLookup) Invalidate(userId string) {
	l.cache.Remove(userId)
}
