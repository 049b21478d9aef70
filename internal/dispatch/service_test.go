package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/internal/hub"
	"github.com/klaxonhq/klaxon/internal/store"
	"github.com/klaxonhq/klaxon/pkg/models"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	calls  int
	result hub.BroadcastResult
	delay  time.Duration
}

func (b *fakeBroadcaster) Broadcast(_ *models.Alert) hub.BroadcastResult {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.result
}

func (b *fakeBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeChannel struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (c *fakeChannel) Send(ctx context.Context, _ *models.Alert) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

type fakeStore struct {
	mu      sync.Mutex
	alerts  []*models.Alert
	results []*models.DispatchResult
	saveErr error
	durable bool
}

func (s *fakeStore) SaveAlert(_ context.Context, alert *models.Alert) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *fakeStore) SaveResult(_ context.Context, result *models.DispatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *fakeStore) Durable() bool { return s.durable }

type fixture struct {
	svc     *Service
	hub     *fakeBroadcaster
	channel *fakeChannel
	store   *fakeStore
}

func newFixture(opts func(*Options)) *fixture {
	f := &fixture{
		hub:     &fakeBroadcaster{},
		channel: &fakeChannel{},
		store:   &fakeStore{durable: true},
	}
	o := Options{
		Config: config.DispatchConfig{
			FanoutTimeout: 200 * time.Millisecond,
			DedupTTL:      5 * time.Minute,
		},
		Hub:     f.hub,
		Channel: f.channel,
		Store:   f.store,
		Dedup:   store.NewDedupCache(5 * time.Minute),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if opts != nil {
		opts(&o)
	}
	f.svc = New(o)
	return f
}

func dispatchAlert(opts func(*models.Alert)) *models.Alert {
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

func TestDispatchDelivered(t *testing.T) {
	f := newFixture(nil)

	result, err := f.svc.Dispatch(context.Background(), dispatchAlert(nil))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != models.DispatchDelivered {
		t.Fatalf("status = %s, want delivered", result.Status)
	}
	if len(result.ChannelsSent) != 1 || result.ChannelsSent[0] != models.ChannelWebSocket {
		t.Fatalf("channels_sent = %v", result.ChannelsSent)
	}
	if f.hub.callCount() != 1 {
		t.Fatalf("broadcast calls = %d, want 1", f.hub.callCount())
	}
	if len(f.store.alerts) != 1 || len(f.store.results) != 1 {
		t.Fatal("alert and result should be persisted")
	}
}

func TestDispatchRejectsInvalidAlert(t *testing.T) {
	f := newFixture(nil)

	_, err := f.svc.Dispatch(context.Background(), dispatchAlert(func(a *models.Alert) {
		a.Title = ""
	}))
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(f.store.alerts) != 0 {
		t.Fatal("invalid alert must be rejected before persistence")
	}
}

func TestDispatchDuplicateSuppressed(t *testing.T) {
	f := newFixture(nil)

	first, err := f.svc.Dispatch(context.Background(), dispatchAlert(nil))
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if first.Status == models.DispatchDuplicate {
		t.Fatal("first dispatch must not be a duplicate")
	}

	second, err := f.svc.Dispatch(context.Background(), dispatchAlert(func(a *models.Alert) {
		a.ID = "alert-2" // same content, different id
	}))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.Status != models.DispatchDuplicate {
		t.Fatalf("status = %s, want duplicate", second.Status)
	}
	if len(second.ChannelsSent) != 0 {
		t.Fatal("duplicate must not send to any channel")
	}
	if f.hub.callCount() != 1 {
		t.Fatalf("broadcast calls = %d, want 1", f.hub.callCount())
	}
}

func TestDispatchExpired(t *testing.T) {
	f := newFixture(nil)

	past := time.Now().Add(-time.Minute)
	result, err := f.svc.Dispatch(context.Background(), dispatchAlert(func(a *models.Alert) {
		a.ExpiresAt = &past
	}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != models.DispatchExpired {
		t.Fatalf("status = %s, want expired", result.Status)
	}
	if len(result.ChannelsSent) != 0 {
		t.Fatal("expired alert must not be sent anywhere")
	}
	if f.hub.callCount() != 0 {
		t.Fatal("expired alert must not reach the hub")
	}
}

func TestDispatchPartial(t *testing.T) {
	f := newFixture(nil)
	f.channel.err = errors.New("slack down")

	result, err := f.svc.Dispatch(context.Background(), dispatchAlert(func(a *models.Alert) {
		a.Channels = []models.AlertChannel{models.ChannelWebSocket, models.ChannelSlack}
	}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != models.DispatchPartial {
		t.Fatalf("status = %s, want partial", result.Status)
	}
	if len(result.ChannelsSent) != 1 || result.ChannelsSent[0] != models.ChannelWebSocket {
		t.Fatalf("channels_sent = %v, want [websocket]", result.ChannelsSent)
	}
}

func TestDispatchAllChannelsFailed(t *testing.T) {
	f := newFixture(func(o *Options) {
		o.Channel = nil // unavailable since construction
	})

	_, err := f.svc.Dispatch(context.Background(), dispatchAlert(func(a *models.Alert) {
		a.Channels = []models.AlertChannel{models.ChannelSlack}
	}))
	if !errors.Is(err, models.ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}

	// The failed outcome is still recorded for audit.
	if len(f.store.results) != 1 || f.store.results[0].Status != models.DispatchFailed {
		t.Fatal("failed dispatch should persist a failed result")
	}
}

func TestDispatchFanoutTimeoutAbandonsSlowChannel(t *testing.T) {
	f := newFixture(func(o *Options) {
		o.Config.FanoutTimeout = 20 * time.Millisecond
	})
	f.channel.delay = 500 * time.Millisecond

	start := time.Now()
	result, err := f.svc.Dispatch(context.Background(), dispatchAlert(func(a *models.Alert) {
		a.Channels = []models.AlertChannel{models.ChannelWebSocket, models.ChannelSlack}
	}))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != models.DispatchPartial {
		t.Fatalf("status = %s, want partial (slow channel abandoned)", result.Status)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("dispatch blocked for %v; abandoned tasks must not delay the caller", elapsed)
	}
}

func TestDispatchPersistenceFailureAborts(t *testing.T) {
	f := newFixture(nil)
	f.store.saveErr = errors.New("disk full")

	_, err := f.svc.Dispatch(context.Background(), dispatchAlert(nil))
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if f.hub.callCount() != 0 {
		t.Fatal("alert must not be dispatched without an audit record")
	}
}

func TestDispatchContinuesWhenStoreDegraded(t *testing.T) {
	f := newFixture(nil)
	f.store.durable = false
	f.store.saveErr = errors.New("no database")

	result, err := f.svc.Dispatch(context.Background(), dispatchAlert(nil))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != models.DispatchDelivered {
		t.Fatalf("status = %s, want delivered in degraded mode", result.Status)
	}
}
