// Package hub manages live WebSocket connections: registration with
// per-user caps, subscription filters, per-connection outbound rate
// limits, heartbeat liveness sweeps, and broadcast fan-out to matching
// subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/ratelimit"
	"github.com/klaxonhq/klaxon/pkg/models"
)

// ErrConnectionLimit is returned when a user already holds the maximum
// number of concurrent connections. The offending socket is closed with a
// policy-violation code; existing connections are unaffected.
var ErrConnectionLimit = errors.New("connection limit reached for user")

// connKeyPrefix namespaces per-connection limiter keys away from the REST
// throttle keys sharing the same limiter algorithm.
const connKeyPrefix = "conn:"

// BroadcastResult counts the outcome of one broadcast call.
type BroadcastResult struct {
	Sent     int `json:"sent"`
	Filtered int `json:"filtered"`
	Failed   int `json:"failed"`
}

// Options encapsulates the dependencies required to run the hub.
type Options struct {
	Config  config.HubConfig
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Hub owns the connection registry. All registry mutations happen under
// one mutex so no two of them interleave mid-step; socket writes also
// happen under it, which serializes sends per connection and preserves
// cross-broadcast ordering.
type Hub struct {
	cfg     config.HubConfig
	log     *slog.Logger
	limiter *ratelimit.Limiter

	mu  sync.Mutex
	reg *registry

	stop chan struct{}
	wg   sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a hub. Call Start to begin heartbeat sweeps.
func New(opts Options) *Hub {
	return &Hub{
		cfg:     opts.Config,
		log:     opts.Logger.With("component", "hub"),
		limiter: opts.Limiter,
		reg:     newRegistry(),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the heartbeat sweep loop.
func (h *Hub) Start(ctx context.Context) {
	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h.log.Info("starting hub", "heartbeat_interval", interval)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweepStale()
			case <-h.stop:
				h.log.Info("hub stopping")
				return
			case <-ctx.Done():
				h.log.Info("hub context cancelled")
				return
			}
		}
	}()
}

// Stop halts the sweep loop and disconnects everything.
func (h *Hub) Stop() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	ids := make([]string, 0, len(h.reg.conns))
	for id := range h.reg.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}

// Connect registers a socket for the user. When the user already holds
// the configured number of connections the socket is closed immediately
// with a policy-violation code and no id is issued. On success the client
// receives a "connected" acknowledgment frame.
func (h *Hub) Connect(sock Socket, userID string) (*Connection, error) {
	h.mu.Lock()
	if h.reg.userConnCount(userID) >= h.cfg.MaxConnsPerUser {
		h.mu.Unlock()
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit exceeded")
		_ = sock.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = sock.Close()
		metrics.ConnectionsRejected.Inc()
		h.log.Warn("connection rejected, user at limit", "user_id", userID, "limit", h.cfg.MaxConnsPerUser)
		return nil, fmt.Errorf("%w: %s", ErrConnectionLimit, userID)
	}

	now := h.now()
	conn := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConnectedAt: now,
		sock:        sock,
		lastPing:    now,
		state:       StateConnecting,
	}
	h.reg.add(conn)
	h.mu.Unlock()

	h.Send(conn.ID, models.NewServerFrame(models.ServerFrameConnected, models.ConnectedData{
		ConnectionID:      conn.ID,
		ServerTime:        now.UTC(),
		HeartbeatInterval: h.cfg.HeartbeatInterval.String(),
	}))

	h.mu.Lock()
	if c, ok := h.reg.get(conn.ID); ok {
		c.state = StateConnected
	}
	h.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	h.log.Debug("connection registered", "connection_id", conn.ID, "user_id", userID)
	return conn, nil
}

// Disconnect removes the connection from all indices, discards its
// subscription and rate limiter state, closes the socket, and returns the
// owning user id. Disconnecting an unknown id is a no-op.
func (h *Hub) Disconnect(connID string) string {
	h.mu.Lock()
	conn := h.reg.remove(connID)
	h.mu.Unlock()
	if conn == nil {
		return ""
	}

	conn.state = StateDisconnected
	h.limiter.PurgeKey(connKeyPrefix + connID)
	_ = conn.sock.Close()
	metrics.ConnectionsActive.Dec()
	h.log.Debug("connection removed", "connection_id", connID, "user_id", conn.UserID)
	return conn.UserID
}

// Send transmits a frame to one connection, subject to the per-connection
// rate limit. When the limit is exceeded a synthetic error frame is sent
// instead and Send reports false. A failed transmission disconnects the
// connection as part of the same operation.
func (h *Hub) Send(connID string, frame models.ServerFrame) bool {
	h.mu.Lock()
	conn, ok := h.reg.get(connID)
	if !ok {
		h.mu.Unlock()
		return false
	}

	key := connKeyPrefix + connID
	if !h.limiter.Allow(key, h.cfg.MessagesPerSecond, h.cfg.MessageRateWindow) {
		retryAfter := time.Duration(0)
		if reset := h.limiter.ResetTime(key, h.cfg.MessageRateWindow); !reset.IsZero() {
			retryAfter = reset.Sub(h.now())
		}
		errFrame := models.NewServerFrame(models.ServerFrameError, models.ErrorData{
			Error:      "rate_limit_exceeded",
			Message:    "message rate limit exceeded",
			RetryAfter: retryAfter.String(),
		})
		if data, err := json.Marshal(errFrame); err == nil {
			_ = conn.sock.WriteMessage(websocket.TextMessage, data)
		}
		h.mu.Unlock()
		metrics.MessagesRateLimited.Inc()
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		h.mu.Unlock()
		h.log.Error("failed to marshal frame", "type", frame.Type, "error", err)
		return false
	}
	writeErr := conn.sock.WriteMessage(websocket.TextMessage, data)
	h.mu.Unlock()

	if writeErr != nil {
		h.log.Warn("send failed, disconnecting", "connection_id", connID, "error", writeErr)
		h.Disconnect(connID)
		return false
	}
	metrics.MessagesSent.Inc()
	return true
}

// HandleFrame processes one inbound client message. Unknown frame types
// are rejected with an error frame rather than silently dropped.
func (h *Hub) HandleFrame(connID string, raw []byte) {
	var frame models.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(connID, "invalid_frame", "frame is not valid JSON")
		return
	}

	switch frame.Type {
	case models.ClientFramePing:
		h.handlePing(connID)
	case models.ClientFrameSubscribe:
		h.handleSubscribe(connID, frame.Data)
	case models.ClientFrameUnsubscribe:
		h.handleUnsubscribe(connID)
	default:
		h.sendError(connID, "unknown_frame_type", fmt.Sprintf("unsupported frame type %q", frame.Type))
	}
}

func (h *Hub) handlePing(connID string) {
	h.mu.Lock()
	if conn, ok := h.reg.get(connID); ok {
		conn.lastPing = h.now()
	}
	h.mu.Unlock()
	h.Send(connID, models.NewServerFrame(models.ServerFramePong, nil))
}

func (h *Hub) handleSubscribe(connID string, data []byte) {
	var req models.SubscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			h.sendError(connID, "invalid_subscription", "subscription filters are malformed")
			return
		}
	}

	h.mu.Lock()
	conn, ok := h.reg.get(connID)
	if !ok {
		h.mu.Unlock()
		return
	}
	sub := &Subscription{
		ID:           uuid.NewString(),
		UserID:       conn.UserID,
		ConnectionID: connID,
		Categories:   newFilterSet(req.Categories),
		Priorities:   newFilterSet(req.Priorities),
		CreatedAt:    h.now(),
	}
	// Replaces any previous subscription for this connection.
	h.reg.subs[connID] = sub
	conn.state = StateSubscribed
	h.mu.Unlock()

	h.Send(connID, models.NewServerFrame(models.ServerFrameSubscribed, models.SubscribedData{
		SubscriptionID: sub.ID,
		Categories:     filterSlice(sub.Categories),
		Priorities:     filterSlice(sub.Priorities),
	}))
}

func (h *Hub) handleUnsubscribe(connID string) {
	h.mu.Lock()
	delete(h.reg.subs, connID)
	if conn, ok := h.reg.get(connID); ok && conn.state == StateSubscribed {
		conn.state = StateConnected
	}
	h.mu.Unlock()

	h.Send(connID, models.NewServerFrame(models.ServerFrameUnsubscribed, nil))
}

func (h *Hub) sendError(connID, code, message string) {
	h.Send(connID, models.NewServerFrame(models.ServerFrameError, models.ErrorData{
		Error:   code,
		Message: message,
	}))
}

// Broadcast fans the alert out to every matching subscription. It
// snapshots the subscription set first because failed sends disconnect
// connections and mutate the registry mid-iteration. Each eligible
// subscriber receives at most one send attempt.
func (h *Hub) Broadcast(alert *models.Alert) BroadcastResult {
	h.mu.Lock()
	subs := h.reg.subscriptionSnapshot()
	h.mu.Unlock()

	now := h.now()
	var result BroadcastResult
	for _, sub := range subs {
		if !sub.Matches(alert, now) {
			result.Filtered++
			continue
		}
		if h.Send(sub.ConnectionID, models.NewServerFrame(models.ServerFrameAlert, alert)) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	metrics.BroadcastsTotal.Inc()
	h.log.Debug("broadcast complete", "alert_id", alert.ID,
		"sent", result.Sent, "filtered", result.Filtered, "failed", result.Failed)
	return result
}

// sweepStale force-disconnects connections whose last ping is older than
// twice the heartbeat interval.
func (h *Hub) sweepStale() {
	cutoff := h.now().Add(-2 * h.cfg.HeartbeatInterval)

	h.mu.Lock()
	var stale []string
	for id, conn := range h.reg.conns {
		if conn.lastPing.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.log.Info("disconnecting stale connection", "connection_id", id)
		h.Disconnect(id)
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reg.conns)
}

// SubscriptionCount reports the number of active subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reg.subs)
}
