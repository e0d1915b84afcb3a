package collector

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler triggers scrapes at a fixed interval. The HTTP exposition
// path only reads the registry; collection happens here.
type Scheduler struct {
	interval time.Duration
	scrape   func(ctx context.Context)
}

func NewScheduler(interval time.Duration, scrape func(ctx context.Context)) *Scheduler {
	return &Scheduler{interval: interval, scrape: scrape}
}

// Run blocks until ctx is cancelled, scraping once per tick. Overlap
// protection lives in the orchestrator; here only panics are contained
// so a misbehaving collector cannot kill the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.WithField("interval", s.interval).Info("scrape scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("scrape scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("scrape panicked")
		}
	}()
	s.scrape(ctx)
}
