package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically expires held escrows past their TTL, warns about
// escrows close to expiry and finishes interrupted refund cascades.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	warning  time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Expired  int
	Lost     int // escrows another transition resolved first
	Failed   int
	Warned   int
	Repaired int
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		store:    service.Store(),
		interval: 30 * time.Second,
		warning:  5 * time.Minute,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets how often the sweeper runs.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithWarning sets how long before expiry escrow.expiring_soon fires.
// Zero disables warnings.
func (s *Sweeper) WithWarning(d time.Duration) *Sweeper {
	s.warning = d
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.SweepOnce(ctx)
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.service.Now()

	s.expireDue(ctx, now, &res)
	s.warnExpiring(ctx, now, &res)

	repaired, err := s.service.RepairStranded(ctx, s.batch)
	if err != nil {
		s.logger.Warn("failed to list stranded escrows", "error", err)
	}
	res.Repaired = repaired

	s.updateGauges(ctx)
	if res.Expired+res.Failed+res.Repaired > 0 {
		s.logger.Info("escrow sweep finished",
			"expired", res.Expired,
			"lost", res.Lost,
			"failed", res.Failed,
			"warned", res.Warned,
			"repaired", res.Repaired,
		)
	}
	return res
}

func (s *Sweeper) expireDue(ctx context.Context, now time.Time, res *SweepResult) {
	due, err := s.store.ListExpired(ctx, now, s.batch)
	if err != nil {
		s.logger.Warn("failed to list expired escrows", "error", err)
		return
	}

	for _, e := range due {
		_, err := s.service.Expire(ctx, e.ID)
		switch {
		case err == nil:
			res.Expired++
			EscrowSweeps.WithLabelValues("expired").Inc()
		case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrDisputed), errors.Is(err, ErrNotDue):
			// A user transition won the row lock first.
			res.Lost++
			EscrowSweeps.WithLabelValues("lost").Inc()
			s.logger.Debug("skipping escrow resolved concurrently", "escrow_id", e.ID, "reason", err)
		default:
			res.Failed++
			EscrowSweeps.WithLabelValues("failed").Inc()
			s.logger.Warn("failed to expire escrow", "escrow_id", e.ID, "error", err)
		}
	}
}

func (s *Sweeper) warnExpiring(ctx context.Context, now time.Time, res *SweepResult) {
	if s.warning <= 0 {
		return
	}
	soon, err := s.store.ListExpiring(ctx, now.Add(s.warning), s.batch)
	if err != nil {
		s.logger.Warn("failed to list expiring escrows", "error", err)
		return
	}
	for _, e := range soon {
		marked, err := s.store.MarkWarned(ctx, e.ID, now)
		if err != nil {
			s.logger.Warn("failed to mark escrow warned", "escrow_id", e.ID, "error", err)
			continue
		}
		if !marked {
			continue
		}
		res.Warned++
		s.service.notify(ctx, e, EventExpiringSoon)
	}
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	EscrowsActive.WithLabelValues(string(StatusHeld)).Set(float64(counts[StatusHeld]))
	EscrowsActive.WithLabelValues(string(StatusDisputed)).Set(float64(counts[StatusDisputed]))
}
