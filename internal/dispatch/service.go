// Package dispatch orchestrates alert delivery: dedup, expiry, audit
// persistence, and timeout-bounded parallel fan-out across the WebSocket
// hub and the chat channel, aggregating partial-failure outcomes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/internal/hub"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/store"
	"github.com/klaxonhq/klaxon/pkg/models"
)

// Broadcaster is the WebSocket fan-out surface. Implemented by *hub.Hub;
// kept as an interface to avoid coupling tests to live sockets.
type Broadcaster interface {
	Broadcast(alert *models.Alert) hub.BroadcastResult
}

// ChannelSender delivers an alert to the external chat channel.
type ChannelSender interface {
	Send(ctx context.Context, alert *models.Alert) error
}

// AlertStore is the persistence surface dispatch needs.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *models.Alert) error
	SaveResult(ctx context.Context, result *models.DispatchResult) error
	Durable() bool
}

// Options encapsulates the dependencies required to run the dispatcher.
type Options struct {
	Config  config.DispatchConfig
	Hub     Broadcaster
	Channel ChannelSender // nil when the chat channel is not configured
	Store   AlertStore
	Dedup   *store.DedupCache
	Logger  *slog.Logger
}

// Service coordinates the dispatch pipeline for one alert at a time.
type Service struct {
	cfg     config.DispatchConfig
	hub     Broadcaster
	channel ChannelSender
	store   AlertStore
	dedup   *store.DedupCache
	log     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a dispatcher.
func New(opts Options) *Service {
	return &Service{
		cfg:     opts.Config,
		hub:     opts.Hub,
		channel: opts.Channel,
		store:   opts.Store,
		dedup:   opts.Dedup,
		log:     opts.Logger.With("component", "dispatch"),
		now:     time.Now,
	}
}

// Dispatch runs the full pipeline. Duplicate, expired, partial, and
// delivered outcomes are returned as results; only validation failures,
// persistence failures, and all-channels-failed are errors.
func (s *Service) Dispatch(ctx context.Context, alert *models.Alert) (*models.DispatchResult, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}

	// Record the fingerprint before any channel attempt so a concurrent
	// duplicate cannot slip through between check and fan-out.
	fingerprint := store.Fingerprint(alert)
	if originalID, ok := s.dedup.Check(fingerprint); ok {
		s.log.Debug("suppressing duplicate alert", "alert_id", alert.ID, "original_id", originalID)
		return s.finish(ctx, &models.DispatchResult{
			AlertID:      alert.ID,
			Status:       models.DispatchDuplicate,
			ChannelsSent: []models.AlertChannel{},
			CreatedAt:    s.now().UTC(),
		}), nil
	}
	s.dedup.Record(fingerprint, alert.ID)

	if alert.Expired(s.now()) {
		return s.finish(ctx, &models.DispatchResult{
			AlertID:      alert.ID,
			Status:       models.DispatchExpired,
			ChannelsSent: []models.AlertChannel{},
			CreatedAt:    s.now().UTC(),
		}), nil
	}

	// An alert is never fanned out without an audit record, unless the
	// store is already degraded to in-memory operation.
	if err := s.store.SaveAlert(ctx, alert); err != nil {
		if s.store.Durable() {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		s.log.Warn("persisting alert failed in degraded mode, continuing", "alert_id", alert.ID, "error", err)
	}

	sent := s.fanOut(ctx, alert)

	result := &models.DispatchResult{
		AlertID:      alert.ID,
		ChannelsSent: sent,
		CreatedAt:    s.now().UTC(),
	}
	switch {
	case len(sent) == 0:
		result.Status = models.DispatchFailed
		s.finish(ctx, result)
		return nil, fmt.Errorf("%w: alert %s", models.ErrDeliveryFailed, alert.ID)
	case len(sent) < len(alert.Channels):
		result.Status = models.DispatchPartial
	default:
		result.Status = models.DispatchDelivered
	}
	return s.finish(ctx, result), nil
}

type channelOutcome struct {
	channel models.AlertChannel
	err     error
}

// fanOut runs one delivery task per requested channel under a shared
// deadline. Tasks still running at the deadline are abandoned and counted
// as failed; a chat send that left the process but whose response was
// never observed is recorded as failed even though delivery may have
// succeeded downstream. That inconsistency is accepted: responsiveness
// wins over completeness here.
func (s *Service) fanOut(ctx context.Context, alert *models.Alert) []models.AlertChannel {
	timeout := s.cfg.FanoutTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcomes := make(chan channelOutcome, len(alert.Channels))
	for _, ch := range alert.Channels {
		go func(ch models.AlertChannel) {
			defer func() {
				if r := recover(); r != nil {
					outcomes <- channelOutcome{channel: ch, err: fmt.Errorf("delivery panic: %v", r)}
				}
			}()
			outcomes <- channelOutcome{channel: ch, err: s.deliver(ctx, ch, alert)}
		}(ch)
	}

	var sent []models.AlertChannel
	pending := len(alert.Channels)
	for pending > 0 {
		select {
		case outcome := <-outcomes:
			pending--
			if outcome.err != nil {
				metrics.ChannelFailures.Inc()
				s.log.Warn("channel delivery failed",
					"alert_id", alert.ID, "channel", outcome.channel, "error", outcome.err)
				continue
			}
			sent = append(sent, outcome.channel)
		case <-ctx.Done():
			// Remaining tasks are abandoned and recorded as failed.
			metrics.ChannelFailures.Add(pending)
			s.log.Warn("fan-out deadline reached, abandoning remaining channels",
				"alert_id", alert.ID, "pending", pending)
			pending = 0
		}
	}
	if sent == nil {
		sent = []models.AlertChannel{}
	}
	return sent
}

func (s *Service) deliver(ctx context.Context, ch models.AlertChannel, alert *models.Alert) error {
	switch ch {
	case models.ChannelWebSocket:
		s.hub.Broadcast(alert)
		return nil
	case models.ChannelSlack:
		if s.channel == nil {
			return fmt.Errorf("slack channel unavailable")
		}
		return s.channel.Send(ctx, alert)
	default:
		return fmt.Errorf("unknown channel %q", ch)
	}
}

// finish persists the result and updates metrics. Both are best-effort
// and never change the returned status.
func (s *Service) finish(ctx context.Context, result *models.DispatchResult) *models.DispatchResult {
	if err := s.store.SaveResult(ctx, result); err != nil {
		s.log.Warn("failed to persist dispatch result", "alert_id", result.AlertID, "error", err)
	}
	metrics.DispatchByStatus(string(result.Status))
	return result
}
