package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradex-dashboard/internal/logger"
)

type ServiceConfig struct {
	// ServeStaleOnError returns the last cached snapshot, flagged stale, when
	// the provider fails and an older entry exists.
	ServeStaleOnError bool
}

// Result is a snapshot plus how it was obtained.
type Result struct {
	Snapshot Snapshot  `json:"snapshot"`
	Cached   bool      `json:"cached"`
	Stale    bool      `json:"stale"`
	CachedAt time.Time `json:"cached_at"`
	Warnings []string  `json:"warnings,omitempty"`
}

type Service struct {
	provider  SnapshotProvider
	cache     *SnapshotCache
	cfg       ServiceConfig
	recorder  Recorder
	observers []Observer
	log       *logrus.Entry
	now       func() time.Time

	mu                  sync.Mutex
	consecutiveFailures int
}

func NewService(provider SnapshotProvider, cache *SnapshotCache, cfg ServiceConfig, recorder Recorder, observers ...Observer) *Service {
	if cache == nil {
		cache = NewSnapshotCache(DefaultTTL)
	}
	return &Service{
		provider:  provider,
		cache:     cache,
		cfg:       cfg,
		recorder:  recorder,
		observers: observers,
		log:       logger.Component("market"),
		now:       time.Now,
	}
}

// GetSnapshot returns a snapshot for params, from cache when fresh.
func (s *Service) GetSnapshot(ctx context.Context, params Params) (Result, error) {
	if s.provider == nil {
		return Result{}, fmt.Errorf("market provider not configured")
	}
	params = params.Normalize()
	if params.BaseCurrency == "" {
		return Result{}, fmt.Errorf("vs_currency is empty")
	}

	entry, hit, err := s.cache.GetOrFetch(ctx, params, s.now(), s.provider.FetchSnapshot)
	if err == nil {
		if !hit {
			s.resetFailures()
			s.publish(entry.Snapshot)
		}
		return Result{Snapshot: entry.Snapshot, Cached: hit, CachedAt: entry.FetchedAt}, nil
	}

	failures := s.recordFailure()
	s.log.WithError(err).WithFields(logrus.Fields{
		"count":       params.Count,
		"vs_currency": params.BaseCurrency,
		"kind":        ErrorKindOf(err),
		"failures":    failures,
	}).Warn("snapshot fetch failed")

	if s.cfg.ServeStaleOnError {
		if last, ok := s.cache.Last(params); ok {
			return Result{
				Snapshot: last.Snapshot,
				Cached:   true,
				Stale:    true,
				CachedAt: last.FetchedAt,
				Warnings: []string{fmt.Sprintf("market data fetch failed, showing cached snapshot: %v", err)},
			}, nil
		}
	}
	return Result{}, err
}

// PollLoop keeps the cache warm until ctx is done. Consecutive failures
// stretch the interval to x2 after 3 and x4 after 6.
func (s *Service) PollLoop(ctx context.Context, params Params, baseInterval time.Duration) {
	if baseInterval <= 0 {
		baseInterval = 60 * time.Second
	}
	for {
		_, err := s.GetSnapshot(ctx, params)
		timer := time.NewTimer(s.nextPollInterval(baseInterval, err != nil))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Service) nextPollInterval(base time.Duration, failed bool) time.Duration {
	if !failed {
		return base
	}
	s.mu.Lock()
	failures := s.consecutiveFailures
	s.mu.Unlock()
	if failures >= 6 {
		return base * 4
	}
	if failures >= 3 {
		return base * 2
	}
	return base
}

func (s *Service) publish(snap Snapshot) {
	if s.recorder != nil {
		if err := s.recorder.SaveSnapshot(snap); err != nil {
			s.log.WithError(err).WithField("snapshot_id", snap.ID).Error("save snapshot failed")
		}
	}
	for _, o := range s.observers {
		o.OnSnapshot(snap)
	}
	s.log.WithFields(logrus.Fields{
		"snapshot_id": snap.ID,
		"source":      snap.Source,
		"rows":        len(snap.Assets),
	}).Debug("snapshot refreshed")
}

func (s *Service) resetFailures() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

func (s *Service) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures
}
