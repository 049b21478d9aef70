package ratelimit

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Cleaner reclaims expired state and reports how many entries it removed.
// The limiter and the dedup cache both satisfy it.
type Cleaner interface {
	Cleanup() int
}

// Janitor runs Cleanup on a cron schedule so expired-state reclamation
// has a guaranteed cadence instead of depending on request traffic.
type Janitor struct {
	cron *cron.Cron
	log  *slog.Logger
}

// NewJanitor schedules cleanup of the given caches using a cron spec such
// as "@every 1m".
func NewJanitor(schedule string, log *slog.Logger, cleaners ...Cleaner) (*Janitor, error) {
	c := cron.New()
	log = log.With("component", "ratelimit_janitor")

	_, err := c.AddFunc(schedule, func() {
		total := 0
		for _, cl := range cleaners {
			total += cl.Cleanup()
		}
		if total > 0 {
			log.Debug("reclaimed expired entries", "count", total)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	return &Janitor{cron: c, log: log}, nil
}

// Start begins running scheduled cleanups in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
