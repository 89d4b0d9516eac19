// Package sweep runs the periodic maintenance jobs: expiry warnings for items
// and clean-up of lapsed access requests.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/rar"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/pkg/models"
)

var sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pwsafe_sweep_runs_total",
	Help: "Maintenance sweeps by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(sweepRuns)
}

// Sweeper warns about items nearing expiry and purges expired access
// requests. Each item is warned about once per expiry date.
type Sweeper struct {
	items    *secret.Store
	requests *rar.Service
	audit    *audit.Logger
	cfg      *config.Store
	clock    quartz.Clock

	mu     sync.Mutex
	warned map[string]time.Time
}

// New returns a Sweeper.
func New(items *secret.Store, requests *rar.Service, auditLog *audit.Logger, cfg *config.Store, clock quartz.Clock) *Sweeper {
	return &Sweeper{
		items:    items,
		requests: requests,
		audit:    auditLog,
		cfg:      cfg,
		clock:    clock,
		warned:   map[string]time.Time{},
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) quartz.Waiter {
	return s.clock.TickerFunc(ctx, interval, func() error {
		if err := s.Sweep(ctx); err != nil {
			sweepRuns.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("sweep failed")
			return nil
		}
		sweepRuns.WithLabelValues("ok").Inc()
		return nil
	}, "sweep")
}

// Sweep runs both jobs once.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if _, err := s.WarnExpiring(ctx); err != nil {
		return err
	}
	_, err := s.requests.PurgeExpired(ctx)
	return err
}

// WarnExpiring raises a notifying audit event for each item that expires
// within the configured window and has not been warned about yet.
func (s *Sweeper) WarnExpiring(ctx context.Context) (int, error) {
	now := s.clock.Now()
	items, err := s.items.ExpiringBefore(ctx, now.Add(s.cfg.Duration(ctx, config.KeyExpiryWarnDuration)))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range items {
		if it.ExpiresAt == nil {
			continue
		}
		if at, ok := s.warned[it.ID]; ok && at.Equal(*it.ExpiresAt) {
			continue
		}
		s.warned[it.ID] = *it.ExpiresAt

		level, verb := models.LevelWarning, "expires"
		if !it.ExpiresAt.After(now) {
			level, verb = models.LevelSecurity, "expired"
		}
		ev := audit.Event(level, "", it.ID, "item %s %s on %s", it.Name, verb, it.ExpiresAt.UTC().Format(time.DateOnly))
		ev.Notify = true
		s.audit.Log(ctx, ev)
		n++
	}
	return n, nil
}
