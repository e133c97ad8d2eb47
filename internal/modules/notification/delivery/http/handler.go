package handler

import (
	"context"
	"fmt"
	"net/http"

	"anoa.com/residencenotify/internal/entity"
	"anoa.com/residencenotify/internal/modules/notification/dto"
	notifService "anoa.com/residencenotify/internal/modules/notification/service"
	"anoa.com/residencenotify/pkg/apperror"
	"anoa.com/residencenotify/pkg/response"
	"anoa.com/residencenotify/pkg/validator"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Sender interface {
	Send(ctx context.Context, in notifService.SendInput) (*notifService.SendResult, error)
}

type Querier interface {
	List(ctx context.Context, userID uuid.UUID, filter notifService.ListFilter) (*notifService.Page, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, userID, notificationID uuid.UUID) error
}

// Presence is the read side of the connection registry.
type Presence interface {
	IsOnline(userID uuid.UUID) bool
	OnlineUserCount() int
	ConnectionCount() int
}

type NotificationHandler struct {
	sender   Sender
	query    Querier
	presence Presence
}

func NewNotificationHandler(sender Sender, query Querier, presence Presence) *NotificationHandler {
	return &NotificationHandler{sender: sender, query: query, presence: presence}
}

func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	var q dto.ListNotificationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validator.FormatValidationError(err)})
		return
	}

	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	page, err := h.query.List(c.Request.Context(), userID, notifService.ListFilter{
		Page:   q.Page,
		Limit:  q.Limit,
		IsRead: q.IsRead,
		Type:   q.Type,
	})
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	items := make([]dto.NotificationResponse, 0, len(page.Items))
	for _, row := range page.Items {
		items = append(items, dto.NewNotificationResponse(row))
	}
	c.JSON(http.StatusOK, dto.NotificationListResponse{Data: items, Meta: page.Meta})
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	count, err := h.query.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid format"})
		return
	}

	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	if err := h.query.MarkRead(c.Request.Context(), userID, id); err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "marked as read"})
}

func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	updated, err := h.query.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "all notifications marked as read", "updated": updated})
}

func (h *NotificationHandler) DeleteNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid format"})
		return
	}

	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	if err := h.query.Delete(c.Request.Context(), userID, id); err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "notification deleted"})
}

// SendNotification is the control-plane entry point for privileged callers.
func (h *NotificationHandler) SendNotification(c *gin.Context) {
	var req dto.SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validator.FormatValidationError(err)})
		return
	}

	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	result, err := h.sender.Send(c.Request.Context(), notifService.SendInput{
		Title:         req.Title,
		Content:       req.Content,
		Type:          entity.NotificationType(req.Type),
		Priority:      entity.NotificationPriority(req.Priority),
		TargetUserIDs: req.TargetUserIDs,
		Metadata:      req.Metadata,
		ScheduledFor:  req.ScheduledFor,
		CreatedBy:     &userID,
		ActionURL:     req.ActionURL,
		ActionLabel:   req.ActionLabel,
		IsPersistent:  req.IsPersistent,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	n := result.Notification
	status := http.StatusCreated
	if result.Outcome.Scheduled {
		status = http.StatusAccepted
	}
	c.JSON(status, dto.SendNotificationResponse{
		ID:           n.ID,
		IsBroadcast:  n.IsBroadcast,
		IsSent:       n.IsSent,
		ScheduledFor: n.ScheduledFor,
		Recipients:   result.Outcome.Recipients,
		Attempted:    result.Outcome.Push.Attempted,
		Delivered:    result.Outcome.Push.Delivered,
		Failed:       result.Outcome.Push.Failed,
	})
}

// OnlineStatus reports registry counters, and the presence of one user when user_id is given.
func (h *NotificationHandler) OnlineStatus(c *gin.Context) {
	resp := dto.OnlineStatusResponse{
		OnlineUsers: h.presence.OnlineUserCount(),
		Connections: h.presence.ConnectionCount(),
	}

	if raw := c.Query("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			response.ResponseError(c, fmt.Errorf("%w: user_id must be a uuid", apperror.ErrBadRequest))
			return
		}
		online := h.presence.IsOnline(userID)
		resp.UserID = &userID
		resp.IsOnline = &online
	}

	c.JSON(http.StatusOK, resp)
}
