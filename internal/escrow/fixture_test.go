package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pactum-labs/pactum/internal/logging"
	"github.com/pactum-labs/pactum/internal/processor"
	"github.com/pactum-labs/pactum/internal/retry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fastPolicy keeps retries quick in tests.
var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	store      *MemoryStore
	proc       *processor.Sandbox
	payments   *Payments
	machine    *Machine
	reconciler *Reconciler
	clock      *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	proc := processor.NewSandbox()
	clock := &testClock{now: t0}
	payments := NewPayments(store, proc, logging.Discard()).WithRetryPolicy(fastPolicy)
	machine := NewMachine(store, payments, DefaultConfig, logging.Discard()).WithClock(clock.Now)
	return &fixture{
		t:          t,
		ctx:        context.Background(),
		store:      store,
		proc:       proc,
		payments:   payments,
		machine:    machine,
		reconciler: NewReconciler(machine, logging.Discard()),
		clock:      clock,
	}
}

// campaign creates an open campaign starting startIn from now and lasting length.
func (f *fixture) campaign(funderID string, startIn, length time.Duration) *Campaign {
	f.t.Helper()
	start := f.clock.Now().Add(startIn)
	c, err := f.machine.CreateCampaign(f.ctx, funderID, CreateCampaignRequest{
		AssetType:    string(AssetHeader),
		Requirements: "Feature our logo in your profile header",
		StartDate:    start,
		EndDate:      start.Add(length),
	})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) apply(partyID, campaignID string, price int64) *Application {
	f.t.Helper()
	a, err := f.machine.Apply(f.ctx, partyID, campaignID, ApplyRequest{ProposedPrice: price})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) selected(price int64) (*Campaign, *Application) {
	f.t.Helper()
	c := f.campaign("fun_1", 48*time.Hour, 7*24*time.Hour)
	a := f.apply("cre_1", c.ID, price)
	out, err := f.machine.Transition(f.ctx, SelectEvent{CampaignID: c.ID, ApplicationID: a.ID})
	require.NoError(f.t, err)
	return out.Campaign, out.Application
}

// funded returns a campaign whose hold the payer has confirmed.
func (f *fixture) funded(price int64) (*Campaign, *Application) {
	f.t.Helper()
	c, a := f.selected(price)
	out, err := f.machine.Transition(f.ctx, FundEvent{CampaignID: c.ID})
	require.NoError(f.t, err)
	f.deliver(f.proc.PlaceHold, out.Campaign.AuthorizationID)
	return f.reload(c.ID), a
}

// active returns a campaign past its start date with the proof deadline set.
func (f *fixture) active(price int64) (*Campaign, *Application) {
	f.t.Helper()
	c, _ := f.funded(price)
	f.clock.Set(c.StartDate)
	out, err := f.machine.Transition(f.ctx, ActivateEvent{CampaignID: c.ID})
	require.NoError(f.t, err)
	require.True(f.t, out.Applied)
	return out.Campaign, out.Application
}

// approved returns an active campaign whose proof was approved and captured.
func (f *fixture) approved(price int64) (*Campaign, *Application) {
	f.t.Helper()
	_, a := f.active(price)
	_, err := f.machine.Transition(f.ctx, SubmitProofEvent{ApplicationID: a.ID, ProofURL: "https://social.example/p/1"})
	require.NoError(f.t, err)
	out, err := f.machine.Transition(f.ctx, ReviewEvent{ApplicationID: a.ID, Approve: true})
	require.NoError(f.t, err)
	return out.Campaign, out.Application
}

func (f *fixture) deliver(sim func(string) (*processor.Event, error), holdID string) *Outcome {
	f.t.Helper()
	ev, err := sim(holdID)
	require.NoError(f.t, err)
	out, err := f.reconciler.Handle(f.ctx, ev)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) reload(campaignID string) *Campaign {
	f.t.Helper()
	c, err := f.store.GetCampaign(f.ctx, campaignID)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) reloadApp(applicationID string) *Application {
	f.t.Helper()
	a, err := f.store.GetApplication(f.ctx, applicationID)
	require.NoError(f.t, err)
	return a
}
