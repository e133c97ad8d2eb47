// Package realtime tracks live client sessions and pushes events to them.
//
// The Registry maps users to their live connections, channel names address
// users without exposing handles, and a Pusher delivers events either to the
// local Hub or through a redis relay shared by every instance.
package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("connection send buffer full")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Conn is the handle of one live, authenticated client session.
// Send must not block; a session that cannot accept the payload returns an error.
type Conn interface {
	ID() string
	UserID() uuid.UUID
	Send(payload []byte) error
	Close()
}

// Event is the envelope written to clients.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Report summarizes one push. Attempted counts handles (or relay receivers)
// the push was tried against.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (r *Report) Add(o Report) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Failed += o.Failed
}

// Pusher delivers events to users without exposing their connection handles.
type Pusher interface {
	PushToUser(ctx context.Context, userID uuid.UUID, event Event) Report
	PushToAll(ctx context.Context, event Event) Report
}
