package hub

import (
	"time"

	"github.com/klaxonhq/klaxon/pkg/models"
)

// ConnState tracks the lifecycle of a WebSocket connection. Disconnected
// is terminal and reachable from every other state via explicit close,
// send failure, or heartbeat timeout.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateSubscribed   ConnState = "subscribed"
	StateDisconnected ConnState = "disconnected"
)

// Socket is the minimal transport surface the hub needs. It is satisfied
// by *websocket.Conn and by fakes in tests.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection is the hub's record of one live socket. It is owned
// exclusively by the hub; all fields besides ID and UserID are guarded by
// the hub mutex.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sock     Socket
	lastPing time.Time
	state    ConnState
}

// Subscription is a connection's declared interest filter. Empty category
// or priority sets accept everything. One active subscription per
// connection; a new subscribe frame replaces the old one.
type Subscription struct {
	ID           string
	UserID       string
	ConnectionID string
	Categories   map[models.AlertCategory]struct{}
	Priorities   map[models.AlertPriority]struct{}
	CreatedAt    time.Time
}

// Matches reports whether the subscription should receive the alert: the
// alert targets nobody or targets this user, both filter sets pass, and
// the alert has not expired.
func (s *Subscription) Matches(alert *models.Alert, now time.Time) bool {
	if alert.TargetUserID != "" && alert.TargetUserID != s.UserID {
		return false
	}
	if len(s.Categories) > 0 {
		if _, ok := s.Categories[alert.Category]; !ok {
			return false
		}
	}
	if len(s.Priorities) > 0 {
		if _, ok := s.Priorities[alert.Priority]; !ok {
			return false
		}
	}
	return !alert.Expired(now)
}

func newFilterSet[T comparable](values []T) map[T]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func filterSlice[T comparable](set map[T]struct{}) []T {
	out := make([]T, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
