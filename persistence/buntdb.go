package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/globals"
	"github.com/roomchat/roomchat/types"
	"github.com/tidwall/buntdb"
)

const memoryDSN = ":memory:"

// BuntDBPersist keeps everything as JSON values in a single buntdb file. Keys:
//
//	user:<id>
//	room:<name>
//	message:<room id>:<zero padded id>
//	member:<room id>:<user id>
//	presence:<user id>
//	notification:<recipient id>:<zero padded id>
//	seq:<kind>
type BuntDBPersist struct {
	db   *buntdb.DB
	lock *flock.Flock
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		return nil, errors.New("no dsn configured")
	}
	var fileLock *flock.Flock
	if fileName != memoryDSN {
		lockPath := cfg.PersistenceConfig.FlockPath
		if lockPath == "" {
			lockPath = fileName + ".lock"
		}
		fileLock = flock.New(lockPath)
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("could not lock %s: %w", lockPath, err)
		}
		if !locked {
			return nil, fmt.Errorf("%s is locked by another process", fileName)
		}
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		if fileLock != nil {
			_ = fileLock.Unlock()
		}
		return nil, err
	}
	return &BuntDBPersist{db: db, lock: fileLock}, nil
}

func idKey(id uint) string {
	return fmt.Sprintf("%020d", id)
}

func nextSeq(tx *buntdb.Tx, kind string) (uint, error) {
	key := "seq:" + kind
	var current uint64
	val, err := tx.Get(key)
	switch {
	case err == nil:
		current, err = strconv.ParseUint(val, 10, 64)
		if err != nil {
			return 0, err
		}
	case !errors.Is(err, buntdb.ErrNotFound):
		return 0, err
	}
	current++
	_, _, err = tx.Set(key, strconv.FormatUint(current, 10), nil)
	return uint(current), err
}

func getJSON(tx *buntdb.Tx, key string, v interface{}) error {
	val, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(val), v)
}

func setJSON(tx *buntdb.Tx, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(data), nil)
	return err
}

// ascendPrefix iterates all keys starting with prefix in key order. A plain range is used instead of a key pattern
// since user ids may contain pattern characters.
func ascendPrefix(tx *buntdb.Tx, prefix string, iterator func(key, value string) bool) error {
	return tx.AscendGreaterOrEqual("", prefix, func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return iterator(key, value)
	})
}

func (p *BuntDBPersist) StoreUser(_ context.Context, user *types.User) error {
	if user.Id == "" {
		return fmt.Errorf("no user id")
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		now := time.Now().UTC()
		existing := types.User{}
		err := getJSON(tx, "user:"+user.Id, &existing)
		switch {
		case err == nil:
			user.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrNotFound):
			if user.CreatedAt.IsZero() {
				user.CreatedAt = now
			}
		default:
			return err
		}
		user.UpdatedAt = now
		return setJSON(tx, "user:"+user.Id, user)
	})
}

func (p *BuntDBPersist) GetUser(_ context.Context, id string) (*types.User, error) {
	user := &types.User{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, "user:"+id, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *BuntDBPersist) GetUsers(_ context.Context) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return ascendPrefix(tx, "user:", func(key, value string) bool {
			user := &types.User{}
			if err := json.Unmarshal([]byte(value), user); err != nil {
				globals.AppLogger.Error("could not unmarshal user", "key", key, "error", err)
				return true
			}
			users = append(users, user)
			return true
		})
	})
	return users, err
}

func (p *BuntDBPersist) CreateRoom(_ context.Context, room *types.Room) error {
	if room.Name == "" {
		return fmt.Errorf("no room name")
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get("room:" + room.Name); err == nil {
			return ErrDuplicate
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		id, err := nextSeq(tx, "room")
		if err != nil {
			return err
		}
		room.Id = id
		if room.CreatedAt.IsZero() {
			room.CreatedAt = time.Now().UTC()
		}
		return setJSON(tx, "room:"+room.Name, room)
	})
}

func (p *BuntDBPersist) GetRoom(_ context.Context, name string) (*types.Room, error) {
	room := &types.Room{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, "room:"+name, room)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *BuntDBPersist) GetRooms(_ context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return ascendPrefix(tx, "room:", func(key, value string) bool {
			room := &types.Room{}
			if err := json.Unmarshal([]byte(value), room); err != nil {
				globals.AppLogger.Error("could not unmarshal room", "key", key, "error", err)
				return true
			}
			rooms = append(rooms, room)
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) CreateMessage(_ context.Context, msg *types.Message) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		id, err := nextSeq(tx, "message")
		if err != nil {
			return err
		}
		msg.Id = id
		msg.Timestamp = time.Now().UTC()
		return setJSON(tx, fmt.Sprintf("message:%d:%s", msg.RoomId, idKey(id)), msg)
	})
}

func (p *BuntDBPersist) GetMessages(_ context.Context, roomId uint, fromIdx, maxCount int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		currentNo := -1
		return ascendPrefix(tx, fmt.Sprintf("message:%d:", roomId), func(key, value string) bool {
			currentNo++
			if currentNo < fromIdx {
				return true
			}
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(value), msg); err != nil {
				globals.AppLogger.Error("could not unmarshal message", "key", key, "error", err)
				return true
			}
			messages = append(messages, msg)
			return maxCount <= 0 || len(messages) < maxCount
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func memberKey(roomId uint, userId string) string {
	return fmt.Sprintf("member:%d:%s", roomId, userId)
}

func (p *BuntDBPersist) AddMember(_ context.Context, roomId uint, userId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := memberKey(roomId, userId)
		if _, err := tx.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		return setJSON(tx, key, types.RoomMembership{UserId: userId, RoomId: roomId, JoinedAt: time.Now().UTC()})
	})
}

func (p *BuntDBPersist) RemoveMember(_ context.Context, roomId uint, userId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(memberKey(roomId, userId))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) GetMembers(_ context.Context, roomId uint) ([]*types.User, error) {
	memberships := make([]*types.RoomMembership, 0)
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		err := ascendPrefix(tx, fmt.Sprintf("member:%d:", roomId), func(key, value string) bool {
			membership := &types.RoomMembership{}
			if err := json.Unmarshal([]byte(value), membership); err != nil {
				globals.AppLogger.Error("could not unmarshal membership", "key", key, "error", err)
				return true
			}
			memberships = append(memberships, membership)
			return true
		})
		if err != nil {
			return err
		}
		for _, membership := range memberships {
			user := &types.User{}
			err := getJSON(tx, "user:"+membership.UserId, user)
			if errors.Is(err, ErrNotFound) {
				user = &types.User{Id: membership.UserId}
			} else if err != nil {
				return err
			}
			users = append(users, &types.User{Id: user.Id, Nick: user.Nick})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (p *BuntDBPersist) UpsertPresence(_ context.Context, presence *types.Presence) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, "presence:"+presence.UserId, presence)
	})
}

func (p *BuntDBPersist) GetPresence(_ context.Context, userId string) (*types.Presence, error) {
	presence := &types.Presence{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, "presence:"+userId, presence)
	})
	if err != nil {
		return nil, err
	}
	return presence, nil
}

func (p *BuntDBPersist) onlinePresences(tx *buntdb.Tx) ([]*types.Presence, error) {
	presences := make([]*types.Presence, 0)
	err := ascendPrefix(tx, "presence:", func(key, value string) bool {
		presence := &types.Presence{}
		if err := json.Unmarshal([]byte(value), presence); err != nil {
			globals.AppLogger.Error("could not unmarshal presence", "key", key, "error", err)
			return true
		}
		if presence.IsOnline {
			presences = append(presences, presence)
		}
		return true
	})
	return presences, err
}

func (p *BuntDBPersist) GetOnlinePresences(_ context.Context) ([]*types.Presence, error) {
	var presences []*types.Presence
	err := p.db.View(func(tx *buntdb.Tx) error {
		var err error
		presences, err = p.onlinePresences(tx)
		return err
	})
	return presences, err
}

func (p *BuntDBPersist) MarkStaleOffline(_ context.Context, before time.Time) ([]string, error) {
	userIds := make([]string, 0)
	err := p.db.Update(func(tx *buntdb.Tx) error {
		presences, err := p.onlinePresences(tx)
		if err != nil {
			return err
		}
		// keys must not be modified while iterating, so collect first
		for _, presence := range presences {
			if !presence.LastSeen.Before(before) {
				continue
			}
			presence.IsOnline = false
			presence.CurrentRoom = ""
			if err := setJSON(tx, "presence:"+presence.UserId, presence); err != nil {
				return err
			}
			userIds = append(userIds, presence.UserId)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return userIds, nil
}

func notificationKey(recipientId string, id uint) string {
	return "notification:" + recipientId + ":" + idKey(id)
}

func (p *BuntDBPersist) CreateNotification(_ context.Context, notification *types.Notification) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		id, err := nextSeq(tx, "notification")
		if err != nil {
			return err
		}
		notification.Id = id
		if notification.CreatedAt.IsZero() {
			notification.CreatedAt = time.Now().UTC()
		}
		return setJSON(tx, notificationKey(notification.RecipientId, id), notification)
	})
}

func (p *BuntDBPersist) notifications(tx *buntdb.Tx, recipientId string, unreadOnly bool) ([]*types.Notification, error) {
	notifications := make([]*types.Notification, 0)
	err := ascendPrefix(tx, "notification:"+recipientId+":", func(key, value string) bool {
		notification := &types.Notification{}
		if err := json.Unmarshal([]byte(value), notification); err != nil {
			globals.AppLogger.Error("could not unmarshal notification", "key", key, "error", err)
			return true
		}
		// the prefix also matches recipients whose id continues after a colon
		if notification.RecipientId != recipientId {
			return true
		}
		if !unreadOnly || !notification.IsRead {
			notifications = append(notifications, notification)
		}
		return true
	})
	return notifications, err
}

func (p *BuntDBPersist) GetNotifications(_ context.Context, recipientId string, unreadOnly bool) ([]*types.Notification, error) {
	var notifications []*types.Notification
	err := p.db.View(func(tx *buntdb.Tx) error {
		var err error
		notifications, err = p.notifications(tx, recipientId, unreadOnly)
		return err
	})
	if err != nil {
		return nil, err
	}
	// newest first
	for i, j := 0, len(notifications)-1; i < j; i, j = i+1, j-1 {
		notifications[i], notifications[j] = notifications[j], notifications[i]
	}
	return notifications, nil
}

func (p *BuntDBPersist) MarkNotificationRead(_ context.Context, id uint, recipientId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := notificationKey(recipientId, id)
		notification := &types.Notification{}
		if err := getJSON(tx, key, notification); err != nil {
			return err
		}
		notification.IsRead = true
		return setJSON(tx, key, notification)
	})
}

func (p *BuntDBPersist) MarkAllNotificationsRead(_ context.Context, recipientId string) (int, error) {
	count := 0
	err := p.db.Update(func(tx *buntdb.Tx) error {
		notifications, err := p.notifications(tx, recipientId, true)
		if err != nil {
			return err
		}
		for _, notification := range notifications {
			notification.IsRead = true
			if err := setJSON(tx, notificationKey(recipientId, notification.Id), notification); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.lock != nil {
		if unlockErr := p.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}
