package realtime

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anoa.com/residencenotify/pkg/logger"
	"anoa.com/residencenotify/pkg/metrics"
)

// Hub pushes events to the connections held by this instance.
type Hub struct {
	registry *Registry
}

func NewHub(registry *Registry) *Hub {
	return &Hub{registry: registry}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Join registers an authenticated connection on its user's channels.
func (h *Hub) Join(conn Conn) bool {
	if !h.registry.Register(conn.UserID(), conn) {
		return false
	}
	h.observe()
	logger.Debug("connection joined",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID().String()),
		zap.Strings("channels", ChannelsFor(conn.UserID())),
	)
	return true
}

// Leave removes the connection. Leaving twice is a no-op.
func (h *Hub) Leave(conn Conn) bool {
	if !h.registry.Unregister(conn.UserID(), conn) {
		return false
	}
	h.observe()
	logger.Debug("connection left",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID().String()),
	)
	return true
}

func (h *Hub) observe() {
	metrics.Connections.Set(float64(h.registry.ConnectionCount()))
	metrics.OnlineUsers.Set(float64(h.registry.OnlineUserCount()))
}

func (h *Hub) PushToUser(ctx context.Context, userID uuid.UUID, event Event) Report {
	return h.Deliver(ctx, UserChannel(userID), event)
}

func (h *Hub) PushToAll(ctx context.Context, event Event) Report {
	return h.Deliver(ctx, BroadcastChannel, event)
}

// Deliver encodes event once and writes it to every connection on channel.
func (h *Hub) Deliver(ctx context.Context, channel string, event Event) Report {
	payload, err := event.Encode()
	if err != nil {
		logger.Error("encode event failed", zap.String("event", event.Name), zap.Error(err))
		return Report{}
	}
	return h.DeliverRaw(ctx, channel, payload)
}

// DeliverRaw writes an already encoded payload to every connection on
// channel. A connection that cannot accept it is closed and unregistered so
// the client reconnects and resyncs through the pull API.
func (h *Hub) DeliverRaw(ctx context.Context, channel string, payload []byte) Report {
	target, err := ParseChannel(channel)
	if err != nil {
		logger.Warn("drop push to unknown channel", zap.String("channel", channel))
		return Report{}
	}

	var conns []Conn
	if target.Broadcast {
		conns = h.registry.Snapshot()
	} else {
		conns = h.registry.Resolve(target.UserID)
	}

	var report Report
	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		if err := conn.Send(payload); err != nil {
			report.Failed++
			metrics.Pushes.WithLabelValues("failed").Inc()
			logger.Warn("push failed, dropping connection",
				zap.String("conn_id", conn.ID()),
				zap.String("user_id", conn.UserID().String()),
				zap.Error(err),
			)
			h.Leave(conn)
			conn.Close()
			continue
		}
		report.Delivered++
		metrics.Pushes.WithLabelValues("delivered").Inc()
	}
	return report
}

// CloseAll closes every live connection, used on shutdown.
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.Snapshot() {
		h.Leave(conn)
		conn.Close()
	}
}
