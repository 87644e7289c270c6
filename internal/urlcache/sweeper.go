package urlcache

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
)

// Sweeper runs ClearExpired and the size cap on an interval. It lives apart
// from the request path so eviction cost never lands on a handler.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	log      log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func NewSweeper(cache *Cache, interval time.Duration, l log.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if l == nil {
		l = log.Nop()
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		log:      l,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a new goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	expired := s.cache.ClearExpired()
	trimmed := s.cache.Trim()
	if expired > 0 || trimmed > 0 {
		s.log.Debug(ctx, "url cache sweep",
			"expired", expired,
			"trimmed", trimmed,
			"remaining", s.cache.Len(),
		)
	}
}
