package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anoa.com/residencenotify/internal/entity"
	notifRepo "anoa.com/residencenotify/internal/modules/notification/repository"
	"anoa.com/residencenotify/pkg/apperror"
	"anoa.com/residencenotify/pkg/dto"
	"anoa.com/residencenotify/pkg/metrics"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type ListFilter struct {
	Page   int
	Limit  int
	IsRead *bool
	Type   string
}

type Page struct {
	Items []*entity.UserNotification
	Meta  dto.PaginationMeta
}

// QueryService is the pull side: recipients list and acknowledge their
// notifications regardless of whether a push ever reached them.
type QueryService struct {
	repo notifRepo.NotificationRepository
	now  func() time.Time
}

func NewQueryService(repo notifRepo.NotificationRepository) *QueryService {
	return &QueryService{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *QueryService) List(ctx context.Context, userID uuid.UUID, filter ListFilter) (*Page, error) {
	page, limit := normalizePage(filter.Page, filter.Limit)
	if filter.Type != "" && !entity.NotificationType(filter.Type).Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", apperror.ErrBadRequest, filter.Type)
	}

	now := s.now()
	if err := s.materialize(ctx, userID, now); err != nil {
		return nil, err
	}

	rows, total, err := s.repo.ListForUser(ctx, notifRepo.ListFilter{
		UserID: userID,
		Now:    now,
		IsRead: filter.IsRead,
		Type:   filter.Type,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return nil, storeError("list", err)
	}

	return &Page{Items: rows, Meta: dto.NewPaginationMeta(page, limit, total)}, nil
}

func (s *QueryService) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	now := s.now()
	if err := s.materialize(ctx, userID, now); err != nil {
		return 0, err
	}
	count, err := s.repo.CountUnread(ctx, userID, now)
	if err != nil {
		return 0, storeError("count_unread", err)
	}
	return count, nil
}

// MarkRead is idempotent: a second call leaves read_at untouched.
func (s *QueryService) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	now := s.now()
	if _, err := s.recipientRow(ctx, userID, notificationID, now); err != nil {
		return err
	}
	if _, err := s.repo.MarkRead(ctx, userID, notificationID, now); err != nil {
		return storeError("mark_read", err)
	}
	return nil
}

func (s *QueryService) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	now := s.now()
	if err := s.materialize(ctx, userID, now); err != nil {
		return 0, err
	}
	updated, err := s.repo.MarkAllRead(ctx, userID, now)
	if err != nil {
		return 0, storeError("mark_all_read", err)
	}
	return updated, nil
}

// Delete hides the notification for userID only.
func (s *QueryService) Delete(ctx context.Context, userID, notificationID uuid.UUID) error {
	now := s.now()
	if _, err := s.recipientRow(ctx, userID, notificationID, now); err != nil {
		return err
	}
	if _, err := s.repo.SoftDelete(ctx, userID, notificationID, now); err != nil {
		return storeError("delete", err)
	}
	return nil
}

// recipientRow returns the visible recipient row, creating it for a
// broadcast the user has not pulled yet.
func (s *QueryService) recipientRow(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (*entity.UserNotification, error) {
	row, err := s.repo.FindUserNotification(ctx, userID, notificationID)
	if err == nil {
		if row.IsDeleted || row.Notification == nil || !row.Notification.Visible(now) {
			return nil, apperror.ErrNotFound
		}
		return row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeError("find_user_notification", err)
	}

	notification, err := s.repo.FindByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.ErrNotFound
		}
		return nil, storeError("find_notification", err)
	}
	if !notification.IsBroadcast || !notification.Visible(now) {
		return nil, apperror.ErrNotFound
	}

	row = &entity.UserNotification{UserID: userID, NotificationID: notificationID}
	if err := s.repo.CreateUserNotification(ctx, row); err != nil {
		return nil, storeError("create_user_notification", err)
	}
	row.Notification = notification
	return row, nil
}

func (s *QueryService) materialize(ctx context.Context, userID uuid.UUID, now time.Time) error {
	if _, err := s.repo.MaterializeBroadcasts(ctx, userID, now); err != nil {
		return storeError("materialize", err)
	}
	return nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

func storeError(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", apperror.ErrStoreUnavailable, op, err)
}
