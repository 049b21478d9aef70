package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/internal/ratelimit"
	"github.com/klaxonhq/klaxon/pkg/models"
)

// fakeSocket records frames written by the hub.
type fakeSocket struct {
	mu         sync.Mutex
	frames     [][]byte
	controls   []int
	closed     bool
	failWrites bool
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, messageType)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) frameTypes(t *testing.T) []models.ServerFrameType {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []models.ServerFrameType
	for _, raw := range s.frames {
		var frame models.ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("invalid frame %s: %v", raw, err)
		}
		types = append(types, frame.Type)
	}
	return types
}

func (s *fakeSocket) lastFrame(t *testing.T) models.ServerFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frames written")
	}
	var frame models.ServerFrame
	if err := json.Unmarshal(s.frames[len(s.frames)-1], &frame); err != nil {
		t.Fatalf("invalid frame: %v", err)
	}
	return frame
}

func (s *fakeSocket) countFrames(t *testing.T, want models.ServerFrameType) int {
	t.Helper()
	n := 0
	for _, typ := range s.frameTypes(t) {
		if typ == want {
			n++
		}
	}
	return n
}

func newTestHub(cfg config.HubConfig) *Hub {
	if cfg.MaxConnsPerUser == 0 {
		cfg.MaxConnsPerUser = 5
	}
	if cfg.MessagesPerSecond == 0 {
		cfg.MessagesPerSecond = 100
	}
	if cfg.MessageRateWindow == 0 {
		cfg.MessageRateWindow = time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return New(Options{
		Config:  cfg,
		Limiter: ratelimit.New(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func subscribe(t *testing.T, h *Hub, connID string, categories []models.AlertCategory, priorities []models.AlertPriority) {
	t.Helper()
	req, err := json.Marshal(models.SubscribeRequest{Categories: categories, Priorities: priorities})
	if err != nil {
		t.Fatal(err)
	}
	h.HandleFrame(connID, []byte(fmt.Sprintf(`{"type":"subscribe","data":%s}`, req)))
}

func broadcastAlert(opts func(*models.Alert)) *models.Alert {
	alert := &models.Alert{
		ID:        "alert-1",
		Title:     "Room changed",
		Message:   "lecture moved to room 204",
		Priority:  models.AlertPriorityHigh,
		Category:  models.AlertCategorySchedule,
		Channels:  []models.AlertChannel{models.ChannelWebSocket},
		CreatedAt: time.Now().UTC(),
	}
	if opts != nil {
		opts(alert)
	}
	return alert
}

func TestConnectSendsAcknowledgment(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}

	conn, err := h.Connect(sock, "user-1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	frame := sock.lastFrame(t)
	if frame.Type != models.ServerFrameConnected {
		t.Fatalf("frame type = %q, want connected", frame.Type)
	}
	data := frame.Data.(map[string]any)
	if data["connection_id"] != conn.ID {
		t.Fatalf("ack carries id %v, want %s", data["connection_id"], conn.ID)
	}
	if data["heartbeat_interval"] != "30s" {
		t.Fatalf("heartbeat_interval = %v, want 30s", data["heartbeat_interval"])
	}
}

func TestConnectionCapRejectsSixth(t *testing.T) {
	h := newTestHub(config.HubConfig{MaxConnsPerUser: 5})

	socks := make([]*fakeSocket, 5)
	for i := range socks {
		socks[i] = &fakeSocket{}
		if _, err := h.Connect(socks[i], "user-1"); err != nil {
			t.Fatalf("connection %d: %v", i+1, err)
		}
	}

	rejected := &fakeSocket{}
	_, err := h.Connect(rejected, "user-1")
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("err = %v, want ErrConnectionLimit", err)
	}
	if !rejected.closed {
		t.Fatal("rejected socket should be closed")
	}
	if len(rejected.controls) == 0 {
		t.Fatal("rejected socket should receive a close control frame")
	}
	if h.ConnectionCount() != 5 {
		t.Fatalf("connection count = %d, want 5 (originals unaffected)", h.ConnectionCount())
	}

	// A different user is not affected by the first user's cap.
	if _, err := h.Connect(&fakeSocket{}, "user-2"); err != nil {
		t.Fatalf("other user rejected: %v", err)
	}
}

func TestBroadcastPriorityFiltering(t *testing.T) {
	h := newTestHub(config.HubConfig{})

	highA, highB, low := &fakeSocket{}, &fakeSocket{}, &fakeSocket{}
	connHighA, _ := h.Connect(highA, "user-1")
	connHighB, _ := h.Connect(highB, "user-2")
	connLow, _ := h.Connect(low, "user-3")

	subscribe(t, h, connHighA.ID, nil, []models.AlertPriority{models.AlertPriorityHigh})
	subscribe(t, h, connHighB.ID, nil, []models.AlertPriority{models.AlertPriorityHigh})
	subscribe(t, h, connLow.ID, nil, []models.AlertPriority{models.AlertPriorityLow})

	result := h.Broadcast(broadcastAlert(nil))
	if result.Sent != 2 || result.Filtered != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v, want {Sent:2 Filtered:1 Failed:0}", result)
	}

	for _, s := range []*fakeSocket{highA, highB} {
		if got := s.countFrames(t, models.ServerFrameAlert); got != 1 {
			t.Fatalf("matching connection received %d alert frames, want exactly 1", got)
		}
	}
	if low.countFrames(t, models.ServerFrameAlert) != 0 {
		t.Fatal("filtered connection should receive no alert frame")
	}

	// The delivered frame carries the original alert payload.
	frame := highA.lastFrame(t)
	payload := frame.Data.(map[string]any)
	if payload["title"] != "Room changed" {
		t.Fatalf("alert title = %v, want Room changed", payload["title"])
	}
}

func TestEmptyFiltersMatchEverything(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")
	subscribe(t, h, conn.ID, nil, nil)

	for _, category := range []models.AlertCategory{
		models.AlertCategorySystem, models.AlertCategorySecurity,
	} {
		result := h.Broadcast(broadcastAlert(func(a *models.Alert) {
			a.Category = category
			a.Priority = models.AlertPriorityLow
		}))
		if result.Sent != 1 {
			t.Fatalf("category %s: sent = %d, want 1", category, result.Sent)
		}
	}
}

func TestBroadcastTargetedAlert(t *testing.T) {
	h := newTestHub(config.HubConfig{})

	target, other := &fakeSocket{}, &fakeSocket{}
	connTarget, _ := h.Connect(target, "user-1")
	connOther, _ := h.Connect(other, "user-2")
	subscribe(t, h, connTarget.ID, nil, nil)
	subscribe(t, h, connOther.ID, nil, nil)

	result := h.Broadcast(broadcastAlert(func(a *models.Alert) {
		a.TargetUserID = "user-1"
	}))
	if result.Sent != 1 || result.Filtered != 1 {
		t.Fatalf("result = %+v, want {Sent:1 Filtered:1}", result)
	}
	if target.countFrames(t, models.ServerFrameAlert) != 1 {
		t.Fatal("target user should receive the alert")
	}
	if other.countFrames(t, models.ServerFrameAlert) != 0 {
		t.Fatal("other user should not receive the targeted alert")
	}
}

func TestBroadcastSkipsExpiredAlert(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")
	subscribe(t, h, conn.ID, nil, nil)

	past := time.Now().Add(-time.Minute)
	result := h.Broadcast(broadcastAlert(func(a *models.Alert) {
		a.ExpiresAt = &past
	}))
	if result.Sent != 0 || result.Filtered != 1 {
		t.Fatalf("result = %+v, want {Sent:0 Filtered:1}", result)
	}
}

func TestSendRateLimitEmitsErrorFrame(t *testing.T) {
	h := newTestHub(config.HubConfig{MessagesPerSecond: 2})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")

	// The connect ack consumed one slot; this send takes the second.
	if !h.Send(conn.ID, models.NewServerFrame(models.ServerFramePong, nil)) {
		t.Fatal("send within limit should succeed")
	}
	if h.Send(conn.ID, models.NewServerFrame(models.ServerFramePong, nil)) {
		t.Fatal("send above limit should fail")
	}

	frame := sock.lastFrame(t)
	if frame.Type != models.ServerFrameError {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
	data := frame.Data.(map[string]any)
	if data["error"] != "rate_limit_exceeded" {
		t.Fatalf("error = %v, want rate_limit_exceeded", data["error"])
	}
	if data["retry_after"] == "" {
		t.Fatal("rate limit frame should carry a retry hint")
	}

	// The connection survives rate limiting.
	if h.ConnectionCount() != 1 {
		t.Fatal("rate-limited connection must not be disconnected")
	}
}

func TestSendFailureDisconnects(t *testing.T) {
	h := newTestHub(config.HubConfig{})

	healthy, broken := &fakeSocket{}, &fakeSocket{}
	connHealthy, _ := h.Connect(healthy, "user-1")
	connBroken, _ := h.Connect(broken, "user-2")
	subscribe(t, h, connHealthy.ID, nil, nil)
	subscribe(t, h, connBroken.ID, nil, nil)

	broken.failWrites = true
	result := h.Broadcast(broadcastAlert(nil))
	if result.Sent != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v, want {Sent:1 Failed:1}", result)
	}
	if h.ConnectionCount() != 1 {
		t.Fatalf("connection count = %d, want 1 after failed send", h.ConnectionCount())
	}
	if !broken.closed {
		t.Fatal("broken socket should be closed")
	}
	if h.SubscriptionCount() != 1 {
		t.Fatal("subscription must not outlive its connection")
	}
}

func TestDisconnectPurgesState(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")
	subscribe(t, h, conn.ID, nil, nil)

	if got := h.Disconnect(conn.ID); got != "user-1" {
		t.Fatalf("Disconnect returned %q, want user-1", got)
	}
	if h.ConnectionCount() != 0 || h.SubscriptionCount() != 0 {
		t.Fatal("disconnect should remove connection and subscription")
	}
	if h.limiter.Len() != 0 {
		t.Fatal("disconnect should purge rate limiter state")
	}
	if !sock.closed {
		t.Fatal("socket should be closed")
	}

	// Disconnecting again is a no-op.
	if got := h.Disconnect(conn.ID); got != "" {
		t.Fatalf("second Disconnect returned %q, want empty", got)
	}
}

func TestPingUpdatesLivenessAndReplies(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")

	before := time.Now().Add(-time.Hour)
	h.mu.Lock()
	h.reg.conns[conn.ID].lastPing = before
	h.mu.Unlock()

	h.HandleFrame(conn.ID, []byte(`{"type":"ping"}`))

	if sock.lastFrame(t).Type != models.ServerFramePong {
		t.Fatal("ping should be answered with pong")
	}
	h.mu.Lock()
	updated := h.reg.conns[conn.ID].lastPing
	h.mu.Unlock()
	if !updated.After(before) {
		t.Fatal("ping should refresh last_ping")
	}
}

func TestHeartbeatSweepRemovesStaleConnections(t *testing.T) {
	h := newTestHub(config.HubConfig{HeartbeatInterval: 30 * time.Second})

	fresh, stale := &fakeSocket{}, &fakeSocket{}
	if _, err := h.Connect(fresh, "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	connStale, _ := h.Connect(stale, "user-2")

	h.mu.Lock()
	h.reg.conns[connStale.ID].lastPing = time.Now().Add(-2 * time.Minute)
	h.mu.Unlock()

	h.sweepStale()

	if h.ConnectionCount() != 1 {
		t.Fatalf("connection count = %d, want 1", h.ConnectionCount())
	}
	if !stale.closed {
		t.Fatal("stale socket should be closed")
	}
	if _, err := h.Connect(&fakeSocket{}, "user-2"); err != nil {
		t.Fatalf("user slot should be freed after sweep: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")
	subscribe(t, h, conn.ID, nil, nil)

	h.HandleFrame(conn.ID, []byte(`{"type":"unsubscribe"}`))
	if sock.lastFrame(t).Type != models.ServerFrameUnsubscribed {
		t.Fatal("unsubscribe should be confirmed")
	}
	if h.SubscriptionCount() != 0 {
		t.Fatal("subscription should be removed")
	}

	if result := h.Broadcast(broadcastAlert(nil)); result.Sent != 0 {
		t.Fatal("unsubscribed connection should receive nothing")
	}
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")

	subscribe(t, h, conn.ID, nil, []models.AlertPriority{models.AlertPriorityLow})
	subscribe(t, h, conn.ID, nil, []models.AlertPriority{models.AlertPriorityHigh})

	if h.SubscriptionCount() != 1 {
		t.Fatalf("subscription count = %d, want 1", h.SubscriptionCount())
	}
	if result := h.Broadcast(broadcastAlert(nil)); result.Sent != 1 {
		t.Fatal("replacement subscription should match high priority")
	}
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	h := newTestHub(config.HubConfig{})
	sock := &fakeSocket{}
	conn, _ := h.Connect(sock, "user-1")

	h.HandleFrame(conn.ID, []byte(`{"type":"shout"}`))

	frame := sock.lastFrame(t)
	if frame.Type != models.ServerFrameError {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
	if frame.Data.(map[string]any)["error"] != "unknown_frame_type" {
		t.Fatal("unknown frame types must be rejected explicitly")
	}
}
