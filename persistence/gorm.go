package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, errors.New("no dsn configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if cfg.PersistenceConfig.Type == "sqlite" {
		// sqlite allows a single writer, serialize everything on one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.AutoMigrate(&types.User{}, &types.Room{}, &types.RoomMembership{}, &types.Message{}, &types.Presence{},
		&types.Notification{})
	if err != nil {
		return nil, fmt.Errorf("could not migrate: %w", err)
	}
	return db, nil
}

// translate maps gorm errors to the package errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key") {
		return ErrDuplicate
	}
	return err
}

func (p *GormPersist) StoreUser(ctx context.Context, user *types.User) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nick", "updated_at"}),
	}).Create(user).Error
	return translate(err)
}

func (p *GormPersist) GetUser(ctx context.Context, id string) (*types.User, error) {
	user := &types.User{}
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(user).Error; err != nil {
		return nil, translate(err)
	}
	return user, nil
}

func (p *GormPersist) GetUsers(ctx context.Context) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).Order("id").Find(&users).Error
	return users, translate(err)
}

func (p *GormPersist) CreateRoom(ctx context.Context, room *types.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	return translate(p.db.WithContext(ctx).Create(room).Error)
}

func (p *GormPersist) GetRoom(ctx context.Context, name string) (*types.Room, error) {
	room := &types.Room{}
	if err := p.db.WithContext(ctx).Where("name = ?", name).First(room).Error; err != nil {
		return nil, translate(err)
	}
	return room, nil
}

func (p *GormPersist) GetRooms(ctx context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.WithContext(ctx).Order("name").Find(&rooms).Error
	return rooms, translate(err)
}

func (p *GormPersist) CreateMessage(ctx context.Context, msg *types.Message) error {
	msg.Id = 0
	msg.Timestamp = time.Now().UTC()
	return translate(p.db.WithContext(ctx).Create(msg).Error)
}

func (p *GormPersist) GetMessages(ctx context.Context, roomId uint, fromIdx, maxCount int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	q := p.db.WithContext(ctx).Where("room_id = ?", roomId).Order("id ASC").Offset(fromIdx)
	if maxCount > 0 {
		q = q.Limit(maxCount)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

func (p *GormPersist) AddMember(ctx context.Context, roomId uint, userId string) error {
	membership := types.RoomMembership{UserId: userId, RoomId: roomId, JoinedAt: time.Now().UTC()}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error
	return translate(err)
}

func (p *GormPersist) RemoveMember(ctx context.Context, roomId uint, userId string) error {
	err := p.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomId, userId).
		Delete(&types.RoomMembership{}).Error
	return translate(err)
}

// GetMembers returns the members of a room. Members without a stored user record are returned with an empty nick.
func (p *GormPersist) GetMembers(ctx context.Context, roomId uint) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).Table("room_memberships").
		Select("room_memberships.user_id AS id, COALESCE(users.nick, '') AS nick").
		Joins("LEFT JOIN users ON users.id = room_memberships.user_id").
		Where("room_memberships.room_id = ?", roomId).
		Order("room_memberships.joined_at, room_memberships.user_id").
		Scan(&users).Error
	if err != nil {
		return nil, translate(err)
	}
	return users, nil
}

func (p *GormPersist) UpsertPresence(ctx context.Context, presence *types.Presence) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "current_room", "last_seen"}),
	}).Create(presence).Error
	return translate(err)
}

func (p *GormPersist) GetPresence(ctx context.Context, userId string) (*types.Presence, error) {
	presence := &types.Presence{}
	if err := p.db.WithContext(ctx).Where("user_id = ?", userId).First(presence).Error; err != nil {
		return nil, translate(err)
	}
	return presence, nil
}

func (p *GormPersist) GetOnlinePresences(ctx context.Context) ([]*types.Presence, error) {
	presences := make([]*types.Presence, 0)
	err := p.db.WithContext(ctx).Where("is_online = ?", true).Order("user_id").Find(&presences).Error
	return presences, translate(err)
}

func (p *GormPersist) MarkStaleOffline(ctx context.Context, before time.Time) ([]string, error) {
	userIds := make([]string, 0)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&types.Presence{}).Where("is_online = ? AND last_seen < ?", true, before.UTC()).
			Order("user_id").Pluck("user_id", &userIds).Error
		if err != nil || len(userIds) == 0 {
			return err
		}
		return tx.Model(&types.Presence{}).Where("user_id IN ?", userIds).
			Updates(map[string]interface{}{"is_online": false, "current_room": ""}).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return userIds, nil
}

func (p *GormPersist) CreateNotification(ctx context.Context, notification *types.Notification) error {
	notification.Id = 0
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	return translate(p.db.WithContext(ctx).Create(notification).Error)
}

func (p *GormPersist) GetNotifications(ctx context.Context, recipientId string, unreadOnly bool) ([]*types.Notification, error) {
	notifications := make([]*types.Notification, 0)
	q := p.db.WithContext(ctx).Where("recipient_id = ?", recipientId)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if err := q.Order("id DESC").Find(&notifications).Error; err != nil {
		return nil, translate(err)
	}
	return notifications, nil
}

func (p *GormPersist) MarkNotificationRead(ctx context.Context, id uint, recipientId string) error {
	res := p.db.WithContext(ctx).Model(&types.Notification{}).Where("id = ? AND recipient_id = ?", id, recipientId).
		Update("is_read", true)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) MarkAllNotificationsRead(ctx context.Context, recipientId string) (int, error) {
	res := p.db.WithContext(ctx).Model(&types.Notification{}).Where("recipient_id = ? AND is_read = ?", recipientId, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
