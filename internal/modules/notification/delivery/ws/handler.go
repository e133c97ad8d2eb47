// Package ws is the websocket gateway: token check at handshake, session
// registration, and the small inbound protocol clients use to acknowledge.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"anoa.com/residencenotify/internal/auth"
	"anoa.com/residencenotify/internal/realtime"
	"anoa.com/residencenotify/pkg/apperror"
	"anoa.com/residencenotify/pkg/logger"
	"anoa.com/residencenotify/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	EventConnected   = "connected"
	EventPong        = "pong"
	EventUnreadCount = "unread_count"
	EventError       = "error"

	MessagePing        = "ping"
	MessageMarkRead    = "mark_read"
	MessageMarkAllRead = "mark_all_read"
	MessageUnreadCount = "unread_count"

	inboundTimeout = 5 * time.Second
)

type Options struct {
	SendBuffer     int
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	MessageRate    float64
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		ReadLimit:    4096,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 10 * time.Second,
		MessageRate:  5,
	}
}

// Acknowledger is the part of the query service reachable over the socket.
type Acknowledger interface {
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

type inboundMessage struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id,omitempty"`
}

type Handler struct {
	verifier auth.TokenVerifier
	hub      *realtime.Hub
	ack      Acknowledger
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(verifier auth.TokenVerifier, hub *realtime.Hub, ack Acknowledger, opts Options) *Handler {
	h := &Handler{verifier: verifier, hub: hub, ack: ack, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Serve authenticates the request before upgrading; a rejected attempt never
// becomes a websocket and leaves no registry state behind.
func (h *Handler) Serve(c *gin.Context) {
	claims, err := h.verifier.Verify(c.Request.Context(), auth.ExtractToken(c.Request))
	if err != nil {
		metrics.HandshakeRejected.Inc()
		logger.Debug("websocket handshake rejected", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		metrics.HandshakeRejected.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	client := newClient(conn, userID, h.opts)
	h.hub.Join(client)
	defer func() {
		h.hub.Leave(client)
		client.Close()
	}()

	go client.writePump()

	ctx := c.Request.Context()
	h.replyUnread(ctx, client, EventConnected)

	limiter := rate.NewLimiter(rate.Limit(h.opts.MessageRate), burst(h.opts.MessageRate))
	client.readPump(func(raw []byte) {
		if !limiter.Allow() {
			client.sendEvent(errorEvent(apperror.ErrRateLimitExceeded.Error()))
			return
		}
		h.handleMessage(ctx, client, raw)
	})
}

func (h *Handler) handleMessage(ctx context.Context, client *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		client.sendEvent(errorEvent("malformed message"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, inboundTimeout)
	defer cancel()

	switch msg.Type {
	case MessagePing:
		client.sendEvent(realtime.Event{Name: EventPong, Data: gin.H{"timestamp": time.Now().UTC()}})
	case MessageMarkRead:
		id, err := uuid.Parse(msg.NotificationID)
		if err != nil {
			client.sendEvent(errorEvent("notification_id must be a uuid"))
			return
		}
		if err := h.ack.MarkRead(ctx, client.UserID(), id); err != nil {
			client.sendEvent(errorEvent(ackErrorMessage(err)))
			return
		}
		h.replyUnread(ctx, client, EventUnreadCount)
	case MessageMarkAllRead:
		if _, err := h.ack.MarkAllRead(ctx, client.UserID()); err != nil {
			client.sendEvent(errorEvent(ackErrorMessage(err)))
			return
		}
		h.replyUnread(ctx, client, EventUnreadCount)
	case MessageUnreadCount:
		h.replyUnread(ctx, client, EventUnreadCount)
	default:
		client.sendEvent(errorEvent("unknown message type"))
	}
}

func (h *Handler) replyUnread(ctx context.Context, client *Client, name string) {
	count, err := h.ack.UnreadCount(ctx, client.UserID())
	if err != nil {
		logger.Warn("unread count failed", zap.String("user_id", client.UserID().String()), zap.Error(err))
		if name == EventConnected {
			client.sendEvent(realtime.Event{Name: name, Data: gin.H{"user_id": client.UserID()}})
		}
		return
	}
	client.sendEvent(realtime.Event{Name: name, Data: gin.H{"user_id": client.UserID(), "unread_count": count}})
}

func errorEvent(message string) realtime.Event {
	return realtime.Event{Name: EventError, Data: gin.H{"message": message}}
}

func ackErrorMessage(err error) string {
	if errors.Is(err, apperror.ErrNotFound) {
		return "notification not found"
	}
	return "request failed"
}

func burst(perSecond float64) int {
	if perSecond < 1 {
		return 1
	}
	return int(perSecond)
}
