package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
	NotificationTypeSystem  NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeInfo, NotificationTypeSuccess, NotificationTypeWarning, NotificationTypeError, NotificationTypeSystem:
		return true
	}
	return false
}

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

func (p NotificationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Notification is the system-of-record entry for one notification event.
// An empty TargetUserIDs means broadcast to everyone.
type Notification struct {
	ID            uuid.UUID                      `gorm:"type:uuid;primaryKey" json:"id"`
	Title         string                         `gorm:"size:255;not null" json:"title"`
	Content       string                         `gorm:"type:text;not null" json:"content"`
	Type          NotificationType               `gorm:"type:varchar(20);not null;default:info;index:idx_notifications_type_created,priority:1" json:"type"`
	Priority      NotificationPriority           `gorm:"type:varchar(20);not null;default:normal" json:"priority"`
	TargetUserIDs datatypes.JSONSlice[uuid.UUID] `gorm:"type:jsonb" json:"target_user_ids"`
	IsBroadcast   bool                           `gorm:"not null;default:false;index" json:"is_broadcast"`
	Metadata      datatypes.JSONMap              `gorm:"type:jsonb" json:"metadata,omitempty"`
	IsSent        bool                           `gorm:"not null;default:false;index:idx_notifications_sent_scheduled,priority:1" json:"is_sent"`
	SentAt        *time.Time                     `json:"sent_at,omitempty"`
	ScheduledFor  *time.Time                     `gorm:"index:idx_notifications_sent_scheduled,priority:2" json:"scheduled_for,omitempty"`
	CreatedBy     *uuid.UUID                     `gorm:"type:uuid" json:"created_by,omitempty"`
	ActionURL     *string                        `gorm:"type:text" json:"action_url,omitempty"`
	ActionLabel   *string                        `gorm:"size:100" json:"action_label,omitempty"`
	IsPersistent  bool                           `gorm:"not null;default:false" json:"is_persistent"`
	ExpiresAt     *time.Time                     `json:"expires_at,omitempty"`
	CreatedAt     time.Time                      `gorm:"autoCreateTime;index:idx_notifications_type_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time                      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// Due reports whether the notification may be delivered at now.
func (n *Notification) Due(now time.Time) bool {
	return n.ScheduledFor == nil || !n.ScheduledFor.After(now)
}

// Visible reports whether recipients may see the notification at now.
// Scheduled notifications stay hidden until delivered; persistent ones never expire.
func (n *Notification) Visible(now time.Time) bool {
	if n.ScheduledFor != nil && !n.IsSent {
		return false
	}
	if n.IsPersistent || n.ExpiresAt == nil {
		return true
	}
	return n.ExpiresAt.After(now)
}

// Targets reports whether userID is addressed by the notification.
func (n *Notification) Targets(userID uuid.UUID) bool {
	if n.IsBroadcast {
		return true
	}
	for _, id := range n.TargetUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// UserNotification is one recipient's read/hide state for a Notification.
type UserNotification struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:idx_user_notifications_user_notification,priority:1;index:idx_user_notifications_user_read,priority:1;index:idx_user_notifications_user_created,priority:1" json:"user_id"`
	NotificationID uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:idx_user_notifications_user_notification,priority:2" json:"notification_id"`
	Notification   *Notification `gorm:"foreignKey:NotificationID;constraint:OnDelete:CASCADE" json:"notification,omitempty"`
	IsRead         bool          `gorm:"not null;default:false;index:idx_user_notifications_user_read,priority:2" json:"is_read"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	IsDeleted      bool          `gorm:"not null;default:false" json:"is_deleted"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt      time.Time     `gorm:"autoCreateTime;index:idx_user_notifications_user_created,priority:2" json:"created_at"`
}

func (u *UserNotification) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
