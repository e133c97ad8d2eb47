package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"anoa.com/residencenotify/internal/entity"
	notifRepo "anoa.com/residencenotify/internal/modules/notification/repository"
	"anoa.com/residencenotify/internal/realtime"
	"anoa.com/residencenotify/pkg/apperror"
	"anoa.com/residencenotify/pkg/logger"
	"anoa.com/residencenotify/pkg/metrics"
	"anoa.com/residencenotify/pkg/worker"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	EventNotification = "notification"

	modeTargeted  = "targeted"
	modeBroadcast = "broadcast"
	modeScheduled = "scheduled"
)

type SendInput struct {
	Title         string
	Content       string
	Type          entity.NotificationType
	Priority      entity.NotificationPriority
	TargetUserIDs []uuid.UUID
	Metadata      map[string]interface{}
	ScheduledFor  *time.Time
	CreatedBy     *uuid.UUID
	ActionURL     *string
	ActionLabel   *string
	IsPersistent  bool
	ExpiresAt     *time.Time
}

// Outcome describes what happened after the notification was persisted.
type Outcome struct {
	Scheduled  bool            `json:"scheduled"`
	Recipients int             `json:"recipients"`
	Push       realtime.Report `json:"push"`
	MarkedSent bool            `json:"marked_sent"`
}

type SendResult struct {
	Notification *entity.Notification
	Outcome      Outcome
}

// EventPayload is the data of a "notification" event pushed to clients.
type EventPayload struct {
	ID          uuid.UUID                   `json:"id"`
	Title       string                      `json:"title"`
	Content     string                      `json:"content"`
	Type        entity.NotificationType     `json:"type"`
	Priority    entity.NotificationPriority `json:"priority"`
	Metadata    map[string]interface{}      `json:"metadata,omitempty"`
	ActionURL   *string                     `json:"action_url,omitempty"`
	ActionLabel *string                     `json:"action_label,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	Timestamp   time.Time                   `json:"timestamp"`
}

// Dispatcher persists notifications and pushes them to live connections.
//
// A notification is always durable before any push is attempted; push failures
// never fail the send because recipients can reconcile through the pull API.
type Dispatcher struct {
	repo     notifRepo.NotificationRepository
	pusher   realtime.Pusher
	pool     *worker.Pool
	sanitize *bluemonday.Policy
	now      func() time.Time
}

func NewDispatcher(repo notifRepo.NotificationRepository, pusher realtime.Pusher, pool *worker.Pool) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		pusher:   pusher,
		pool:     pool,
		sanitize: bluemonday.StrictPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	notification, err := d.build(in)
	if err != nil {
		return nil, err
	}

	if err := d.repo.Create(ctx, notification); err != nil {
		logger.Error("persist notification failed", zap.Error(err))
		return nil, storeError("create", err)
	}

	result := &SendResult{Notification: notification}
	if !notification.Due(d.now()) {
		result.Outcome.Scheduled = true
		metrics.Dispatched.WithLabelValues(string(notification.Type), modeScheduled).Inc()
		logger.Info("notification scheduled",
			zap.String("notification_id", notification.ID.String()),
			zap.Time("scheduled_for", *notification.ScheduledFor),
		)
		return result, nil
	}

	result.Outcome = d.Deliver(ctx, notification)
	return result, nil
}

// SendSystemNotification is the control-plane shortcut used by other backend modules.
func (d *Dispatcher) SendSystemNotification(ctx context.Context, title, content string, notifType entity.NotificationType, targetUserIDs []uuid.UUID, metadata map[string]interface{}) (uuid.UUID, error) {
	result, err := d.Send(ctx, SendInput{
		Title:         title,
		Content:       content,
		Type:          notifType,
		Priority:      entity.PriorityNormal,
		TargetUserIDs: targetUserIDs,
		Metadata:      metadata,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return result.Notification.ID, nil
}

// Deliver pushes an already persisted notification and marks it sent.
func (d *Dispatcher) Deliver(ctx context.Context, notification *entity.Notification) Outcome {
	event := realtime.Event{Name: EventNotification, Data: d.payload(notification)}

	var outcome Outcome
	mode := modeBroadcast
	if notification.IsBroadcast {
		outcome.Push = d.pusher.PushToAll(ctx, event)
	} else {
		mode = modeTargeted
		outcome.Recipients = len(notification.TargetUserIDs)
		outcome.Push = d.pushToTargets(ctx, notification.TargetUserIDs, event)
	}
	metrics.Dispatched.WithLabelValues(string(notification.Type), mode).Inc()

	sentAt := d.now()
	if err := d.repo.MarkSent(ctx, notification.ID, sentAt); err != nil {
		metrics.StoreErrors.WithLabelValues("mark_sent").Inc()
		logger.Error("mark notification sent failed",
			zap.String("notification_id", notification.ID.String()),
			zap.Error(err),
		)
	} else {
		notification.IsSent = true
		notification.SentAt = &sentAt
		outcome.MarkedSent = true
	}

	logger.Info("notification dispatched",
		zap.String("notification_id", notification.ID.String()),
		zap.String("mode", mode),
		zap.Int("attempted", outcome.Push.Attempted),
		zap.Int("delivered", outcome.Push.Delivered),
		zap.Int("failed", outcome.Push.Failed),
	)
	return outcome
}

func (d *Dispatcher) pushToTargets(ctx context.Context, targets []uuid.UUID, event realtime.Event) realtime.Report {
	var (
		mu     sync.Mutex
		report realtime.Report
	)
	tasks := make([]worker.Task, 0, len(targets))
	for _, userID := range targets {
		tasks = append(tasks, func(ctx context.Context) {
			r := d.pusher.PushToUser(ctx, userID, event)
			mu.Lock()
			report.Add(r)
			mu.Unlock()
		})
	}

	if d.pool == nil {
		for _, task := range tasks {
			task(ctx)
		}
		return report
	}
	d.pool.Group(ctx, tasks)
	return report
}

func (d *Dispatcher) payload(n *entity.Notification) EventPayload {
	return EventPayload{
		ID:          n.ID,
		Title:       n.Title,
		Content:     n.Content,
		Type:        n.Type,
		Priority:    n.Priority,
		Metadata:    n.Metadata,
		ActionURL:   n.ActionURL,
		ActionLabel: n.ActionLabel,
		CreatedAt:   n.CreatedAt,
		Timestamp:   d.now(),
	}
}

func (d *Dispatcher) build(in SendInput) (*entity.Notification, error) {
	title, err := d.requireText("title", in.Title)
	if err != nil {
		return nil, err
	}
	content, err := d.requireText("content", in.Content)
	if err != nil {
		return nil, err
	}

	notifType := in.Type
	if notifType == "" {
		notifType = entity.NotificationTypeInfo
	}
	if !notifType.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", apperror.ErrInvalidNotification, in.Type)
	}

	priority := in.Priority
	if priority == "" {
		priority = entity.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", apperror.ErrInvalidNotification, in.Priority)
	}

	targets := make([]uuid.UUID, 0, len(in.TargetUserIDs))
	seen := make(map[uuid.UUID]struct{}, len(in.TargetUserIDs))
	for _, id := range in.TargetUserIDs {
		if id == uuid.Nil {
			return nil, fmt.Errorf("%w: empty target user id", apperror.ErrInvalidNotification)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}

	if in.ExpiresAt != nil && in.ScheduledFor != nil && !in.ExpiresAt.After(*in.ScheduledFor) {
		return nil, fmt.Errorf("%w: expires_at must be after scheduled_for", apperror.ErrInvalidNotification)
	}

	notification := &entity.Notification{
		Title:         title,
		Content:       content,
		Type:          notifType,
		Priority:      priority,
		TargetUserIDs: datatypes.JSONSlice[uuid.UUID](targets),
		IsBroadcast:   len(targets) == 0,
		Metadata:      datatypes.JSONMap(in.Metadata),
		ScheduledFor:  utc(in.ScheduledFor),
		CreatedBy:     in.CreatedBy,
		ActionURL:     d.optionalText(in.ActionURL),
		ActionLabel:   d.optionalText(in.ActionLabel),
		IsPersistent:  in.IsPersistent,
		ExpiresAt:     utc(in.ExpiresAt),
	}
	return notification, nil
}

// requireText returns s trimmed. It is stored and pushed as given, since payloads
// are JSON and never rendered as HTML here; the policy only detects fields
// that carry markup and no text.
func (d *Dispatcher) requireText(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || !d.hasText(s) {
		return "", fmt.Errorf("%w: %s is required", apperror.ErrInvalidNotification, field)
	}
	return s, nil
}

func (d *Dispatcher) hasText(s string) bool {
	return strings.TrimSpace(html.UnescapeString(d.sanitize.Sanitize(s))) != ""
}

func (d *Dispatcher) optionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
