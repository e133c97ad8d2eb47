package realtime

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	channelPrefix     = "notifications:"
	userChannelPrefix = channelPrefix + "user:"

	// BroadcastChannel is joined by every authenticated connection.
	BroadcastChannel = channelPrefix + "broadcast"
	// ChannelPattern matches every channel, for pattern subscriptions.
	ChannelPattern = channelPrefix + "*"
)

// UserChannel is the addressable channel of one user's connections.
func UserChannel(userID uuid.UUID) string {
	return userChannelPrefix + userID.String()
}

// ChannelsFor lists the channels a connection of userID joins on connect.
func ChannelsFor(userID uuid.UUID) []string {
	return []string{UserChannel(userID), BroadcastChannel}
}

// Target is the audience a channel name resolves to.
type Target struct {
	Broadcast bool
	UserID    uuid.UUID
}

func ParseChannel(name string) (Target, error) {
	if name == BroadcastChannel {
		return Target{Broadcast: true}, nil
	}
	if rest, ok := strings.CutPrefix(name, userChannelPrefix); ok {
		id, err := uuid.Parse(rest)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %q: %v", ErrUnknownChannel, name, err)
		}
		return Target{UserID: id}, nil
	}
	return Target{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}
