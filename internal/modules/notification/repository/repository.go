package repository

import (
	"context"
	"time"

	"anoa.com/residencenotify/internal/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// visibleClause is the recipient visibility filter over the joined notifications table.
const visibleClause = "(notifications.scheduled_for IS NULL OR notifications.is_sent = TRUE) " +
	"AND (notifications.is_persistent = TRUE OR notifications.expires_at IS NULL OR notifications.expires_at > ?)"

const materializeBroadcastsSQL = `
INSERT INTO user_notifications (id, user_id, notification_id, is_read, is_deleted, created_at)
SELECT gen_random_uuid(), ?, notifications.id, FALSE, FALSE, ?
FROM notifications
WHERE notifications.is_broadcast = TRUE
  AND ` + visibleClause + `
  AND NOT EXISTS (
    SELECT 1 FROM user_notifications un
    WHERE un.user_id = ? AND un.notification_id = notifications.id
  )
ON CONFLICT (user_id, notification_id) DO NOTHING`

type ListFilter struct {
	UserID uuid.UUID
	Now    time.Time
	IsRead *bool
	Type   string
	Offset int
	Limit  int
}

type NotificationRepository interface {
	// Create persists the notification and one recipient row per target in a single transaction.
	Create(ctx context.Context, notification *entity.Notification) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*entity.Notification, error)

	// MaterializeBroadcasts creates the missing recipient rows of userID for visible broadcasts.
	MaterializeBroadcasts(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	FindUserNotification(ctx context.Context, userID, notificationID uuid.UUID) (*entity.UserNotification, error)
	CreateUserNotification(ctx context.Context, row *entity.UserNotification) error
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) (int64, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	SoftDelete(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) (int64, error)
	ListForUser(ctx context.Context, filter ListFilter) ([]*entity.UserNotification, int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *entity.Notification) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(notification).Error; err != nil {
			return err
		}
		if notification.IsBroadcast || len(notification.TargetUserIDs) == 0 {
			return nil
		}

		rows := make([]*entity.UserNotification, 0, len(notification.TargetUserIDs))
		for _, userID := range notification.TargetUserIDs {
			rows = append(rows, &entity.UserNotification{
				UserID:         userID,
				NotificationID: notification.ID,
			})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 500).Error
	})
}

func (r *notificationRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Notification, error) {
	var notification entity.Notification
	if err := r.db.WithContext(ctx).First(&notification, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &notification, nil
}

func (r *notificationRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_sent": true, "sent_at": at}).Error
}

func (r *notificationRepository) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*entity.Notification, error) {
	var notifications []*entity.Notification
	err := r.db.WithContext(ctx).
		Where("is_sent = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", false, now).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&notifications).Error
	return notifications, err
}

func (r *notificationRepository) MaterializeBroadcasts(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(materializeBroadcastsSQL, userID, now, now, userID)
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) FindUserNotification(ctx context.Context, userID, notificationID uuid.UUID) (*entity.UserNotification, error) {
	var row entity.UserNotification
	if err := r.db.WithContext(ctx).
		Preload("Notification").
		Where("user_id = ? AND notification_id = ?", userID, notificationID).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *notificationRepository) CreateUserNotification(ctx context.Context, row *entity.UserNotification) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (r *notificationRepository) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.UserNotification{}).
		Where("user_id = ? AND notification_id = ? AND is_read = ?", userID, notificationID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	visible := r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Select("notifications.id").
		Where(visibleClause, now)

	result := r.db.WithContext(ctx).
		Model(&entity.UserNotification{}).
		Where("user_id = ? AND is_read = ? AND is_deleted = ?", userID, false, false).
		Where("notification_id IN (?)", visible).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) SoftDelete(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.UserNotification{}).
		Where("user_id = ? AND notification_id = ? AND is_deleted = ?", userID, notificationID, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": at})
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) visibleRows(ctx context.Context, userID uuid.UUID, now time.Time) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&entity.UserNotification{}).
		Joins("JOIN notifications ON notifications.id = user_notifications.notification_id").
		Where("user_notifications.user_id = ? AND user_notifications.is_deleted = ?", userID, false).
		Where(visibleClause, now)
}

func (r *notificationRepository) ListForUser(ctx context.Context, filter ListFilter) ([]*entity.UserNotification, int64, error) {
	var rows []*entity.UserNotification
	var total int64

	query := r.visibleRows(ctx, filter.UserID, filter.Now)
	if filter.IsRead != nil {
		query = query.Where("user_notifications.is_read = ?", *filter.IsRead)
	}
	if filter.Type != "" {
		query = query.Where("notifications.type = ?", filter.Type)
	}

	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Preload("Notification").
		Order("notifications.created_at DESC").
		Order("user_notifications.id DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&rows).Error
	return rows, total, err
}

func (r *notificationRepository) CountUnread(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	var count int64
	err := r.visibleRows(ctx, userID, now).
		Where("user_notifications.is_read = ?", false).
		Count(&count).Error
	return count, err
}
