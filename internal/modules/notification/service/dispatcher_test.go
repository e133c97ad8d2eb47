package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"anoa.com/residencenotify/internal/entity"
	"anoa.com/residencenotify/internal/realtime"
	"anoa.com/residencenotify/pkg/apperror"
	"anoa.com/residencenotify/pkg/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	now        time.Time
	repo       *memoryRepository
	hub        *realtime.Hub
	dispatcher *Dispatcher
	query      *QueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	pool, err := worker.NewPool("test-fanout", 4)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	f.repo = newMemoryRepository(clock)
	f.hub = realtime.NewHub(realtime.NewRegistry(4))
	f.dispatcher = NewDispatcher(f.repo, f.hub, pool)
	f.dispatcher.now = clock
	f.query = NewQueryService(f.repo)
	f.query.now = clock
	return f
}

func (f *fixture) connect(userID uuid.UUID) *recordingConn {
	c := newRecordingConn(userID, f.repo)
	f.hub.Join(c)
	return c
}

func decodeEvent(t *testing.T, raw []byte) (string, map[string]interface{}) {
	t.Helper()
	var env struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	return env.Event, env.Data
}

func TestDispatcher_Send_TargetedReachesEveryDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resident := uuid.New()
	phone, laptop := f.connect(resident), f.connect(resident)
	bystander := f.connect(uuid.New())

	result, err := f.dispatcher.Send(ctx, SendInput{
		Title:         "Invoice ready",
		Content:       "Your March invoice is available.",
		Type:          entity.NotificationTypeInfo,
		TargetUserIDs: []uuid.UUID{resident},
		Metadata:      map[string]interface{}{"invoice_id": "INV-42"},
	})
	require.NoError(t, err)

	assert.False(t, result.Outcome.Scheduled)
	assert.True(t, result.Outcome.MarkedSent)
	assert.Equal(t, 1, result.Outcome.Recipients)
	assert.Equal(t, realtime.Report{Attempted: 2, Delivered: 2}, result.Outcome.Push)

	require.Len(t, phone.received(), 1)
	require.Len(t, laptop.received(), 1)
	assert.Empty(t, bystander.received())

	unsent := []pushState{{persisted: true, sent: false}}
	assert.Equal(t, unsent, phone.pushedStates(), "push must find the record stored and not yet sent")
	assert.Equal(t, unsent, laptop.pushedStates())

	name, data := decodeEvent(t, phone.received()[0])
	assert.Equal(t, EventNotification, name)
	assert.Equal(t, result.Notification.ID.String(), data["id"])
	assert.Equal(t, "Invoice ready", data["title"])
	assert.Equal(t, "info", data["type"])
	assert.Equal(t, "normal", data["priority"])
	assert.Equal(t, map[string]interface{}{"invoice_id": "INV-42"}, data["metadata"])
	assert.Contains(t, data, "timestamp")
	assert.Contains(t, data, "created_at")

	stored := f.repo.stored(result.Notification.ID)
	assert.True(t, stored.IsSent)
	require.NotNil(t, stored.SentAt)
	assert.Equal(t, f.now, *stored.SentAt)
}

func TestDispatcher_Send_OfflineUserPullsLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offline := uuid.New()

	result, err := f.dispatcher.Send(ctx, SendInput{
		Title:         "Water outage",
		Content:       "Block B, 10:00 to 12:00.",
		TargetUserIDs: []uuid.UUID{offline},
	})
	require.NoError(t, err)
	assert.Equal(t, realtime.Report{}, result.Outcome.Push)
	assert.True(t, f.repo.stored(result.Notification.ID).IsSent)

	count, err := f.query.UnreadCount(ctx, offline)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	page, err := f.query.List(ctx, offline, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, result.Notification.ID, page.Items[0].NotificationID)
	assert.Equal(t, "Water outage", page.Items[0].Notification.Title)
}

func TestDispatcher_Send_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resident := uuid.New()
	conn := f.connect(resident)

	f.repo.createErr = errors.New("connection refused")
	in := SendInput{Title: "Invoice ready", Content: "Pay by Friday.", TargetUserIDs: []uuid.UUID{resident}}

	result, err := f.dispatcher.Send(ctx, in)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperror.ErrStoreUnavailable)
	assert.Empty(t, conn.received(), "nothing may be pushed before the record is durable")
	assert.Equal(t, 0, f.repo.notificationCount())

	f.repo.createErr = nil
	retry, err := f.dispatcher.Send(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, retry.Notification.ID)
	assert.Equal(t, 1, f.repo.notificationCount())
	assert.Len(t, conn.received(), 1)
}

func TestDispatcher_Send_MarkSentFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	resident := uuid.New()
	conn := f.connect(resident)
	f.repo.markSentErr = errors.New("deadlock detected")

	result, err := f.dispatcher.Send(context.Background(), SendInput{
		Title: "Invoice ready", Content: "Pay by Friday.", TargetUserIDs: []uuid.UUID{resident},
	})
	require.NoError(t, err)
	assert.False(t, result.Outcome.MarkedSent)
	assert.False(t, f.repo.stored(result.Notification.ID).IsSent)
	assert.Len(t, conn.received(), 1)
}

func TestDispatcher_Send_BroadcastReachesOnlineAndOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	online := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	conns := make([]*recordingConn, 0, len(online))
	for _, id := range online {
		conns = append(conns, f.connect(id))
	}
	offline := uuid.New()

	result, err := f.dispatcher.Send(ctx, SendInput{
		Title:   "Elevator maintenance",
		Content: "Lift 2 is out of service on Saturday.",
		Type:    entity.NotificationTypeWarning,
	})
	require.NoError(t, err)
	assert.True(t, result.Notification.IsBroadcast)
	assert.Equal(t, realtime.Report{Attempted: 3, Delivered: 3}, result.Outcome.Push)
	for _, c := range conns {
		assert.Len(t, c.received(), 1)
		assert.Equal(t, []pushState{{persisted: true, sent: false}}, c.pushedStates())
	}

	for _, userID := range append(online, offline) {
		page, err := f.query.List(ctx, userID, ListFilter{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1, "user %s", userID)
		assert.Equal(t, result.Notification.ID, page.Items[0].NotificationID)
	}
}

func TestDispatcher_Send_CollapsesDuplicateTargets(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	connA := f.connect(a)

	result, err := f.dispatcher.Send(context.Background(), SendInput{
		Title: "Parcel at reception", Content: "Pick it up before 20:00.",
		TargetUserIDs: []uuid.UUID{a, b, a},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, []uuid.UUID(result.Notification.TargetUserIDs))
	assert.Equal(t, 2, result.Outcome.Recipients)
	assert.Len(t, connA.received(), 1)
}

func TestDispatcher_Send_StoresTextAsGiven(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		content string
		want    string
	}{
		{"comparison", "Water pressure", "Water pressure a<b in Block C", "Water pressure a<b in Block C"},
		{"angle bracket link", "Docs", "See <https://x.test>", "See <https://x.test>"},
		{"markup kept", "<b>Rent</b> &amp; fees", "<p>Due today</p>", "<p>Due today</p>"},
		{"trimmed", "Lift", "  Lift 2 is back.\n", "Lift 2 is back."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resident := uuid.New()
			conn := f.connect(resident)

			result, err := f.dispatcher.Send(context.Background(), SendInput{
				Title: tt.title, Content: tt.content, TargetUserIDs: []uuid.UUID{resident},
			})
			require.NoError(t, err)

			stored := f.repo.stored(result.Notification.ID)
			assert.Equal(t, tt.title, stored.Title)
			assert.Equal(t, tt.want, stored.Content)

			require.Len(t, conn.received(), 1)
			_, data := decodeEvent(t, conn.received()[0])
			assert.Equal(t, tt.want, data["content"])
		})
	}
}

func TestDispatcher_Send_TrimsOptionalFields(t *testing.T) {
	f := newFixture(t)
	label, blank := "  Open <i>invoice</i> ", "   "
	result, err := f.dispatcher.Send(context.Background(), SendInput{
		Title: "Invoice", Content: "Ready.", ActionLabel: &label, ActionURL: &blank,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Notification.ActionLabel)
	assert.Equal(t, "Open <i>invoice</i>", *result.Notification.ActionLabel)
	assert.Nil(t, result.Notification.ActionURL)
}

func TestDispatcher_Send_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   SendInput
	}{
		{"missing title", SendInput{Content: "body"}},
		{"blank title", SendInput{Title: "   ", Content: "body"}},
		{"markup only title", SendInput{Title: "<b></b>", Content: "body"}},
		{"markup only content", SendInput{Title: "title", Content: "<p> <br> </p>"}},
		{"missing content", SendInput{Title: "title"}},
		{"unknown type", SendInput{Title: "title", Content: "body", Type: "party"}},
		{"unknown priority", SendInput{Title: "title", Content: "body", Priority: "asap"}},
		{"nil target", SendInput{Title: "title", Content: "body", TargetUserIDs: []uuid.UUID{uuid.Nil}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			result, err := f.dispatcher.Send(context.Background(), tt.in)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, apperror.ErrInvalidNotification)
			assert.Equal(t, 0, f.repo.notificationCount())
		})
	}
}

func TestDispatcher_Send_ScheduledIsDeliveredBySchedulerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resident := uuid.New()
	conn := f.connect(resident)
	at := f.now.Add(time.Hour)

	result, err := f.dispatcher.Send(ctx, SendInput{
		Title: "Fire drill", Content: "Assemble in the courtyard.",
		TargetUserIDs: []uuid.UUID{resident},
		ScheduledFor:  &at,
	})
	require.NoError(t, err)
	assert.True(t, result.Outcome.Scheduled)
	assert.Empty(t, conn.received())
	assert.False(t, f.repo.stored(result.Notification.ID).IsSent)

	count, err := f.query.UnreadCount(ctx, resident)
	require.NoError(t, err)
	assert.Zero(t, count, "scheduled notifications stay hidden until delivered")

	scheduler, err := NewScheduler(f.repo, f.dispatcher, "")
	require.NoError(t, err)
	scheduler.now = func() time.Time { return f.now }

	delivered, err := scheduler.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered, "not due yet")

	f.now = at.Add(time.Second)
	delivered, err = scheduler.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Len(t, conn.received(), 1)
	assert.Equal(t, []pushState{{persisted: true, sent: false}}, conn.pushedStates())
	assert.True(t, f.repo.stored(result.Notification.ID).IsSent)

	count, err = f.query.UnreadCount(ctx, resident)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	delivered, err = scheduler.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered, "already sent")
}

func TestDispatcher_SendSystemNotification(t *testing.T) {
	f := newFixture(t)
	resident := uuid.New()

	id, err := f.dispatcher.SendSystemNotification(context.Background(),
		"Invoice overdue", "Invoice INV-7 is overdue.", entity.NotificationTypeError,
		[]uuid.UUID{resident}, map[string]interface{}{"invoice_id": "INV-7"})
	require.NoError(t, err)

	stored := f.repo.stored(id)
	assert.Equal(t, entity.NotificationTypeError, stored.Type)
	assert.Equal(t, entity.PriorityNormal, stored.Priority)
	assert.Equal(t, "INV-7", stored.Metadata["invoice_id"])

	_, err = f.dispatcher.SendSystemNotification(context.Background(), "", "x", "", nil, nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidNotification)
}
