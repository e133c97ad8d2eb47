package dto

import (
	"time"

	"anoa.com/residencenotify/internal/entity"
	commonDto "anoa.com/residencenotify/pkg/dto"
	"github.com/google/uuid"
)

type SendNotificationRequest struct {
	Title         string                 `json:"title" binding:"required,max=255"`
	Content       string                 `json:"content" binding:"required"`
	Type          string                 `json:"type" binding:"omitempty,oneof=info success warning error system"`
	Priority      string                 `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
	TargetUserIDs []uuid.UUID            `json:"target_user_ids"`
	Metadata      map[string]interface{} `json:"metadata"`
	ScheduledFor  *time.Time             `json:"scheduled_for"`
	ActionURL     *string                `json:"action_url" binding:"omitempty,url"`
	ActionLabel   *string                `json:"action_label" binding:"omitempty,max=100"`
	IsPersistent  bool                   `json:"is_persistent"`
	ExpiresAt     *time.Time             `json:"expires_at"`
}

type ListNotificationsQuery struct {
	Page   int    `form:"page" binding:"omitempty,min=1"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=100"`
	IsRead *bool  `form:"is_read"`
	Type   string `form:"type" binding:"omitempty,oneof=info success warning error system"`
}

type NotificationResponse struct {
	ID           uuid.UUID                   `json:"id"`
	Title        string                      `json:"title"`
	Content      string                      `json:"content"`
	Type         entity.NotificationType     `json:"type"`
	Priority     entity.NotificationPriority `json:"priority"`
	Metadata     map[string]interface{}      `json:"metadata,omitempty"`
	ActionURL    *string                     `json:"action_url,omitempty"`
	ActionLabel  *string                     `json:"action_label,omitempty"`
	IsBroadcast  bool                        `json:"is_broadcast"`
	IsPersistent bool                        `json:"is_persistent"`
	ExpiresAt    *time.Time                  `json:"expires_at,omitempty"`
	IsRead       bool                        `json:"is_read"`
	ReadAt       *time.Time                  `json:"read_at,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
}

type NotificationListResponse struct {
	Data []NotificationResponse   `json:"data"`
	Meta commonDto.PaginationMeta `json:"meta"`
}

type SendNotificationResponse struct {
	ID           uuid.UUID  `json:"id"`
	IsBroadcast  bool       `json:"is_broadcast"`
	IsSent       bool       `json:"is_sent"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Recipients   int        `json:"recipients"`
	Attempted    int        `json:"attempted"`
	Delivered    int        `json:"delivered"`
	Failed       int        `json:"failed"`
}

type OnlineStatusResponse struct {
	OnlineUsers int        `json:"online_users"`
	Connections int        `json:"connections"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	IsOnline    *bool      `json:"is_online,omitempty"`
}

func NewNotificationResponse(row *entity.UserNotification) NotificationResponse {
	resp := NotificationResponse{
		ID:     row.NotificationID,
		IsRead: row.IsRead,
		ReadAt: row.ReadAt,
	}
	if n := row.Notification; n != nil {
		resp.Title = n.Title
		resp.Content = n.Content
		resp.Type = n.Type
		resp.Priority = n.Priority
		resp.Metadata = n.Metadata
		resp.ActionURL = n.ActionURL
		resp.ActionLabel = n.ActionLabel
		resp.IsBroadcast = n.IsBroadcast
		resp.IsPersistent = n.IsPersistent
		resp.ExpiresAt = n.ExpiresAt
		resp.CreatedAt = n.CreatedAt
	}
	return resp
}
