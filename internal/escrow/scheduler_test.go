package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactum-labs/pactum/internal/logging"
	"github.com/pactum-labs/pactum/internal/processor"
)

func (f *fixture) scheduler() *Scheduler {
	return NewScheduler(f.machine, logging.Discard())
}

func TestScheduler_ActivatesFundedCampaigns(t *testing.T) {
	f := newFixture(t)
	c, _ := f.funded(1000)
	s := f.scheduler()

	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res, "nothing is due yet")

	f.clock.Set(c.StartDate)
	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Activated)
	assert.Equal(t, CampaignActive, f.reload(c.ID).Status)

	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res, "a second tick finds nothing left to do")
}

func TestScheduler_MissedProofReleasesHold(t *testing.T) {
	f := newFixture(t)
	c, app := f.funded(1000)
	s := f.scheduler()

	// One late tick activates and then immediately fails the missed proof.
	f.clock.Set(c.StartDate.Add(25 * time.Hour))
	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Activated)
	assert.Equal(t, 1, res.FailedProof)
	assert.Zero(t, res.Unwound)

	got := f.reload(c.ID)
	assert.Equal(t, CampaignCancelled, got.Status)
	assert.Equal(t, PaymentCanceled, got.PaymentStatus)
	assert.Empty(t, got.RefundID)
	assert.Equal(t, ApplicationFailedProof, f.reloadApp(app.ID).Status)
}

func TestScheduler_AutoApprovesStaleReview(t *testing.T) {
	f := newFixture(t)
	c, app := f.active(1000)
	_, err := f.machine.Transition(f.ctx, SubmitProofEvent{ApplicationID: app.ID, ProofURL: "https://social.example/p/1"})
	require.NoError(t, err)
	s := f.scheduler()

	f.clock.Advance(23 * time.Hour)
	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.AutoApproved)

	f.clock.Advance(2 * time.Hour)
	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoApproved)
	assert.Equal(t, ApplicationApproved, f.reloadApp(app.ID).Status)
	assert.Equal(t, PaymentCaptured, f.reload(c.ID).PaymentStatus)
}

func TestScheduler_PayoutSkipsUntilAccountExists(t *testing.T) {
	f := newFixture(t)
	c, app := f.approved(1000)
	s := f.scheduler()
	f.clock.Set(c.EndDate.Add(time.Hour))

	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.PaidOut)
	assert.Zero(t, res.Errors)
	assert.Zero(t, f.proc.TransferCount())

	require.NoError(t, f.machine.SetPayoutAccount(f.ctx, "cre_1", "acct_1"))
	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PaidOut)

	got := f.reload(c.ID)
	assert.Equal(t, CampaignCompleted, got.Status)
	assert.NotEmpty(t, got.TransferID)
	assert.Equal(t, ApplicationReleased, f.reloadApp(app.ID).Status)

	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.PaidOut)
	assert.Equal(t, 1, f.proc.TransferCount())
}

func TestScheduler_FailedItemIsCountedAndRetried(t *testing.T) {
	f := newFixture(t)
	c, _ := f.approved(1000)
	require.NoError(t, f.machine.SetPayoutAccount(f.ctx, "cre_1", "acct_1"))
	s := f.scheduler()
	f.clock.Set(c.EndDate)
	f.proc.FailNext(processor.OpTransfer, processor.ErrInvalidRequest)

	res, err := s.RunTick(f.ctx)
	require.NoError(t, err, "item failures do not fail the tick")
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.PaidOut)
	assert.Equal(t, CampaignActive, f.reload(c.ID).Status)

	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 1, res.PaidOut)
	assert.Equal(t, 1, f.proc.TransferCount())
}

func TestScheduler_ReleasesLateHoldOnCancelledCampaign(t *testing.T) {
	f := newFixture(t)
	c, _ := f.selected(1000)
	res, err := f.payments.Authorize(f.ctx, c)
	require.NoError(t, err)

	// The campaign is cancelled while the payer is still confirming.
	applied, err := f.store.UpdateCampaign(f.ctx, c.ID,
		CampaignCondition{Status: []CampaignStatus{CampaignInfluencerSelected}},
		CampaignPatch{Status: ptr(CampaignCancelled)})
	require.NoError(t, err)
	require.True(t, applied)

	f.deliver(f.proc.PlaceHold, res.Hold.ID)
	got := f.reload(c.ID)
	require.Equal(t, CampaignCancelled, got.Status)
	require.Equal(t, PaymentRequiresCapture, got.PaymentStatus)

	s := f.scheduler()
	tick, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Unwound)
	assert.Equal(t, PaymentCanceled, f.reload(c.ID).PaymentStatus)

	hold, err := f.proc.GetHold(f.ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, processor.HoldCanceled, hold.Status)

	tick, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, tick.Unwound)
}

func TestScheduler_RetriesFailedUnwind(t *testing.T) {
	f := newFixture(t)
	c, app := f.active(1000)
	f.proc.FailNext(processor.OpCancel, processor.ErrNotFound)
	f.clock.Advance(25 * time.Hour)
	s := f.scheduler()

	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedProof)
	// The stranded sweep in the same tick picks up the campaign left active.
	assert.Equal(t, 1, res.Unwound)

	got := f.reload(c.ID)
	assert.Equal(t, CampaignCancelled, got.Status)
	assert.Equal(t, PaymentCanceled, got.PaymentStatus)
	assert.Equal(t, ApplicationFailedProof, f.reloadApp(app.ID).Status)
}

func TestScheduler_BatchSize(t *testing.T) {
	f := newFixture(t)
	first, _ := f.funded(1000)

	second := f.campaign("fun_2", 48*time.Hour, 7*24*time.Hour)
	app := f.apply("cre_2", second.ID, 2000)
	_, err := f.machine.Transition(f.ctx, SelectEvent{CampaignID: second.ID, ApplicationID: app.ID})
	require.NoError(t, err)
	out, err := f.machine.Transition(f.ctx, FundEvent{CampaignID: second.ID})
	require.NoError(t, err)
	f.deliver(f.proc.PlaceHold, out.Campaign.AuthorizationID)

	s := f.scheduler().WithBatchSize(1)
	f.clock.Set(first.StartDate)

	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Activated)

	res, err = s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Activated)
	assert.Equal(t, CampaignActive, f.reload(first.ID).Status)
	assert.Equal(t, CampaignActive, f.reload(second.ID).Status)
}

// approvedFor builds an approved campaign for partyID whose funder and
// dates do not collide with the default fixture campaign.
func (f *fixture) approvedFor(funderID, partyID string, price int64) (*Campaign, *Application) {
	f.t.Helper()
	c := f.campaign(funderID, 48*time.Hour, 7*24*time.Hour)
	a := f.apply(partyID, c.ID, price)
	_, err := f.machine.Transition(f.ctx, SelectEvent{CampaignID: c.ID, ApplicationID: a.ID})
	require.NoError(f.t, err)
	out, err := f.machine.Transition(f.ctx, FundEvent{CampaignID: c.ID})
	require.NoError(f.t, err)
	f.deliver(f.proc.PlaceHold, out.Campaign.AuthorizationID)

	f.clock.Set(c.StartDate)
	_, err = f.machine.Transition(f.ctx, ActivateEvent{CampaignID: c.ID})
	require.NoError(f.t, err)
	_, err = f.machine.Transition(f.ctx, SubmitProofEvent{ApplicationID: a.ID, ProofURL: "https://social.example/p/2"})
	require.NoError(f.t, err)
	out, err = f.machine.Transition(f.ctx, ReviewEvent{ApplicationID: a.ID, Approve: true})
	require.NoError(f.t, err)
	return out.Campaign, out.Application
}

func TestScheduler_DeferredPayoutDoesNotBlockLaterCampaigns(t *testing.T) {
	f := newFixture(t)
	first, _ := f.approvedFor("fun_1", "cre_1", 1000)
	second, _ := f.approvedFor("fun_2", "cre_2", 2000)

	// The campaign sorting first has no payout account and stays deferred.
	stuck, ready := first, second
	if ready.ID < stuck.ID {
		stuck, ready = ready, stuck
	}
	require.NoError(t, f.machine.SetPayoutAccount(f.ctx, ready.SelectedPartyID, "acct_ready"))

	s := f.scheduler().WithBatchSize(1)
	f.clock.Set(second.EndDate.Add(time.Hour))
	for i := 0; i < 5; i++ {
		_, err := s.RunTick(f.ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, CampaignCompleted, f.reload(ready.ID).Status)
	assert.Equal(t, CampaignActive, f.reload(stuck.ID).Status)
	assert.Equal(t, 1, f.proc.TransferCount())
}

func TestScheduler_ProcessorCancelSettlesApplication(t *testing.T) {
	f := newFixture(t)
	c, app := f.active(1000)
	s := f.scheduler()

	f.deliver(f.proc.ExpireHold, c.AuthorizationID)
	require.Equal(t, CampaignCancelled, f.reload(c.ID).Status)
	assert.Equal(t, ApplicationFailedProof, f.reloadApp(app.ID).Status)

	f.clock.Advance(48 * time.Hour)
	due, err := f.store.ListApplicationsDue(f.ctx, ApplicationSelected, DeadlineProof, f.clock.Now(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	res, err := s.RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res)
}

func TestScheduler_SettlesApplicationOfCancelledCampaign(t *testing.T) {
	f := newFixture(t)
	c, app := f.active(1000)

	// The campaign was cancelled without its application being closed.
	applied, err := f.store.UpdateCampaign(f.ctx, c.ID,
		CampaignCondition{Status: []CampaignStatus{CampaignActive}},
		CampaignPatch{Status: ptr(CampaignCancelled)})
	require.NoError(t, err)
	require.True(t, applied)

	f.clock.Advance(25 * time.Hour)
	res, err := f.scheduler().RunTick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedProof)
	assert.Equal(t, ApplicationFailedProof, f.reloadApp(app.ID).Status)
}

type brokenStrandedStore struct {
	*MemoryStore
}

func (brokenStrandedStore) ListStranded(context.Context, string, int) ([]*Campaign, error) {
	return nil, errors.New("connection reset")
}

func TestScheduler_SweepFailureIsReported(t *testing.T) {
	f := newFixture(t)
	c, _ := f.funded(1000)

	store := brokenStrandedStore{f.store}
	payments := NewPayments(store, f.proc, logging.Discard()).WithRetryPolicy(fastPolicy)
	machine := NewMachine(store, payments, DefaultConfig, logging.Discard()).WithClock(f.clock.Now)
	s := NewScheduler(machine, logging.Discard())

	f.clock.Set(c.StartDate)
	res, err := s.RunTick(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unwind sweep")
	assert.Equal(t, 1, res.Activated, "other sweeps still run")
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	c, _ := f.funded(1000)
	f.clock.Set(c.StartDate)

	s := f.scheduler().WithInterval(5 * time.Millisecond)
	assert.False(t, s.Running())

	done := make(chan struct{})
	go func() {
		s.Start(f.ctx)
		close(done)
	}()

	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		cur, err := f.store.GetCampaign(f.ctx, c.ID)
		return err == nil && cur.Status == CampaignActive
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Running())
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler().WithInterval(time.Hour)
	ctx, cancel := context.WithCancel(f.ctx)

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler ignored context cancellation")
	}
}
