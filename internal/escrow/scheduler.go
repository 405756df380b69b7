package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pactum-labs/pactum/internal/traces"
)

// TickResult counts what one reconciliation tick advanced.
type TickResult struct {
	Activated    int `json:"activated"`
	FailedProof  int `json:"failedProof"`
	AutoApproved int `json:"autoApproved"`
	PaidOut      int `json:"paidOut"`
	Unwound      int `json:"unwound"`
	Errors       int `json:"errors"`
}

// Scheduler periodically drives time-based transitions. Ticks may overlap,
// also across instances; the guarded writes keep that safe.
type Scheduler struct {
	machine   *Machine
	store     Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool

	// cursors holds the last ID each sweep handled, so items that cannot
	// advance yet do not hold back the rows sorted after them.
	mu      sync.Mutex
	cursors map[string]string
}

// NewScheduler creates a reconciliation scheduler.
func NewScheduler(machine *Machine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		machine:   machine,
		store:     machine.Store(),
		interval:  5 * time.Minute,
		batchSize: 100,
		logger:    logger,
		stop:      make(chan struct{}, 1),
		cursors:   make(map[string]string),
	}
}

// WithInterval sets the tick interval.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatchSize caps the rows each sweep handles per tick.
func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
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
			s.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation tick", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.RunTick(ctx); err != nil {
		s.logger.Warn("reconciliation tick incomplete", "error", err)
	}
}

// RunTick performs one pass of every sweep. A failing item is logged and
// counted; it never stops the sweep. The returned error joins sweep-level
// failures such as an unreachable store.
func (s *Scheduler) RunTick(ctx context.Context) (TickResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.reconcile.tick")
	defer span.End()

	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	var res TickResult
	now := s.machine.now()

	errs := []error{
		s.sweepActivate(ctx, now, &res),
		s.sweepProofExpiry(ctx, now, &res),
		s.sweepAutoApprove(ctx, now, &res),
		s.sweepPayout(ctx, now, &res),
		s.sweepStranded(ctx, &res),
	}

	s.logger.Info("reconciliation tick",
		"activated", res.Activated,
		"failedProof", res.FailedProof,
		"autoApproved", res.AutoApproved,
		"paidOut", res.PaidOut,
		"unwound", res.Unwound,
		"errors", res.Errors,
		"duration", time.Since(start),
	)
	err := errors.Join(errs...)
	traces.Fail(span, err)
	return res, err
}

func (s *Scheduler) sweepActivate(ctx context.Context, now time.Time, res *TickResult) error {
	due, err := s.store.ListCampaignsDue(ctx, CampaignFunded, DeadlineStart, now, s.cursor("activate"), s.batchSize)
	if err != nil {
		return fmt.Errorf("activate sweep: %w", err)
	}
	s.advance("activate", campaignIDs(due))
	for _, c := range due {
		if s.apply(ctx, "activate", ActivateEvent{CampaignID: c.ID}, c.ID, res) {
			res.Activated++
		}
	}
	return nil
}

func (s *Scheduler) sweepProofExpiry(ctx context.Context, now time.Time, res *TickResult) error {
	due, err := s.store.ListApplicationsDue(ctx, ApplicationSelected, DeadlineProof, now, s.cursor("proof_expiry"), s.batchSize)
	if err != nil {
		return fmt.Errorf("proof expiry sweep: %w", err)
	}
	s.advance("proof_expiry", applicationIDs(due))
	for _, a := range due {
		if s.apply(ctx, "proof_expiry", ExpireProofEvent{ApplicationID: a.ID}, a.CampaignID, res) {
			res.FailedProof++
		}
	}
	return nil
}

func (s *Scheduler) sweepAutoApprove(ctx context.Context, now time.Time, res *TickResult) error {
	due, err := s.store.ListApplicationsDue(ctx, ApplicationProofSubmitted, DeadlineReview, now, s.cursor("auto_approve"), s.batchSize)
	if err != nil {
		return fmt.Errorf("auto-approve sweep: %w", err)
	}
	s.advance("auto_approve", applicationIDs(due))
	for _, a := range due {
		if s.apply(ctx, "auto_approve", AutoApproveEvent{ApplicationID: a.ID}, a.CampaignID, res) {
			res.AutoApproved++
		}
	}
	return nil
}

func (s *Scheduler) sweepPayout(ctx context.Context, now time.Time, res *TickResult) error {
	due, err := s.store.ListCampaignsDue(ctx, CampaignActive, DeadlineEnd, now, s.cursor("payout"), s.batchSize)
	if err != nil {
		return fmt.Errorf("payout sweep: %w", err)
	}
	s.advance("payout", campaignIDs(due))
	for _, c := range due {
		if s.apply(ctx, "payout", CompleteEvent{CampaignID: c.ID}, c.ID, res) {
			res.PaidOut++
		}
	}
	return nil
}

// sweepStranded retries unwinds that failed after the lifecycle decided to
// cancel, and releases holds placed after a campaign was already cancelled.
func (s *Scheduler) sweepStranded(ctx context.Context, res *TickResult) error {
	stranded, err := s.store.ListStranded(ctx, s.cursor("unwind"), s.batchSize)
	if err != nil {
		return fmt.Errorf("unwind sweep: %w", err)
	}
	s.advance("unwind", campaignIDs(stranded))
	for _, c := range stranded {
		if s.apply(ctx, "unwind", ReleaseEvent{CampaignID: c.ID}, c.ID, res) {
			res.Unwound++
		}
	}
	return nil
}

func (s *Scheduler) cursor(sweep string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[sweep]
}

// advance moves sweep's cursor past ids. A short page means the sweep reached
// the end of the due set, so the next tick starts from the beginning.
func (s *Scheduler) advance(sweep string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) < s.batchSize {
		delete(s.cursors, sweep)
		return
	}
	s.cursors[sweep] = ids[len(ids)-1]
}

func campaignIDs(cs []*Campaign) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

func applicationIDs(as []*Application) []string {
	ids := make([]string, len(as))
	for i, a := range as {
		ids[i] = a.ID
	}
	return ids
}

// apply runs one item and reports whether it advanced.
func (s *Scheduler) apply(ctx context.Context, sweep string, ev Event, campaignID string, res *TickResult) bool {
	out, err := s.machine.Transition(ctx, ev)
	switch {
	case errors.Is(err, ErrConflict):
		s.logger.Debug("sweep item already advanced", "sweep", sweep, "campaignId", campaignID, "reason", err)
		return false
	case err != nil:
		res.Errors++
		sweepErrors.WithLabelValues(sweep).Inc()
		s.logger.Warn("sweep item failed", "sweep", sweep, "campaignId", campaignID, "error", err)
		return false
	case !out.Applied:
		return false
	}
	sweepItems.WithLabelValues(sweep).Inc()
	return true
}
