package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactum-labs/pactum/internal/processor"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		kind        processor.EventKind
		status      CampaignStatus
		payment     PaymentStatus
		wantOK      bool
		wantStatus  CampaignStatus
		wantPayment PaymentStatus
	}{
		{"hold placed funds selected campaign", processor.EventHoldPlaced, CampaignInfluencerSelected, PaymentRequiresPayment, true, CampaignFunded, PaymentRequiresCapture},
		{"hold placed after decline", processor.EventHoldPlaced, CampaignInfluencerSelected, PaymentFailed, true, CampaignFunded, PaymentRequiresCapture},
		{"hold placed twice", processor.EventHoldPlaced, CampaignFunded, PaymentRequiresCapture, false, CampaignFunded, PaymentRequiresCapture},
		{"hold placed on cancelled campaign", processor.EventHoldPlaced, CampaignCancelled, PaymentRequiresPayment, true, CampaignCancelled, PaymentRequiresCapture},
		{"hold placed after capture", processor.EventHoldPlaced, CampaignActive, PaymentCaptured, false, CampaignActive, PaymentCaptured},
		{"captured", processor.EventCaptured, CampaignActive, PaymentRequiresCapture, true, CampaignActive, PaymentCaptured},
		{"captured without hold event", processor.EventCaptured, CampaignInfluencerSelected, PaymentRequiresPayment, true, CampaignFunded, PaymentCaptured},
		{"captured after cancel", processor.EventCaptured, CampaignCancelled, PaymentCanceled, false, CampaignCancelled, PaymentCanceled},
		{"captured after refund", processor.EventCaptured, CampaignCancelled, PaymentRefunded, false, CampaignCancelled, PaymentRefunded},
		{"failed before hold", processor.EventFailed, CampaignInfluencerSelected, PaymentRequiresPayment, true, CampaignInfluencerSelected, PaymentFailed},
		{"stale failed after hold", processor.EventFailed, CampaignFunded, PaymentRequiresCapture, false, CampaignFunded, PaymentRequiresCapture},
		{"failed again", processor.EventFailed, CampaignInfluencerSelected, PaymentFailed, false, CampaignInfluencerSelected, PaymentFailed},
		{"canceled hold cancels campaign", processor.EventCanceled, CampaignFunded, PaymentRequiresCapture, true, CampaignCancelled, PaymentCanceled},
		{"canceled after capture", processor.EventCanceled, CampaignActive, PaymentCaptured, false, CampaignActive, PaymentCaptured},
		{"refunded cancels campaign", processor.EventRefunded, CampaignActive, PaymentCaptured, true, CampaignCancelled, PaymentRefunded},
		{"refund overtakes capture", processor.EventRefunded, CampaignActive, PaymentRequiresCapture, true, CampaignCancelled, PaymentRefunded},
		{"refunded completed campaign", processor.EventRefunded, CampaignCompleted, PaymentCaptured, true, CampaignCompleted, PaymentRefunded},
		{"refund before any hold", processor.EventRefunded, CampaignInfluencerSelected, PaymentRequiresPayment, false, CampaignInfluencerSelected, PaymentRequiresPayment},
		{"unknown kind", processor.EventUnknown, CampaignFunded, PaymentRequiresCapture, false, CampaignFunded, PaymentRequiresCapture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Campaign{ID: "cmp_1", Status: tt.status, PaymentStatus: tt.payment}
			patch, cond, ok := Decide(tt.kind, c, t0)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, []CampaignStatus{tt.status}, cond.Status, "condition pins the status that was read")
			assert.Equal(t, []PaymentStatus{tt.payment}, cond.PaymentStatus)
			require.NoError(t, checkCampaignUpdate(cond, patch), "Decide must only produce legal writes")

			applyCampaignPatch(c, patch)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.Equal(t, tt.wantPayment, c.PaymentStatus)
		})
	}
}

func TestDecide_Timestamps(t *testing.T) {
	c := &Campaign{Status: CampaignActive, PaymentStatus: PaymentRequiresCapture}
	patch, _, ok := Decide(processor.EventCaptured, c, t0)
	require.True(t, ok)
	require.NotNil(t, patch.CapturedAt)
	assert.True(t, patch.CapturedAt.Equal(t0))

	c = &Campaign{Status: CampaignActive, PaymentStatus: PaymentCaptured, CapturedAt: ptr(t0)}
	patch, _, ok = Decide(processor.EventRefunded, c, t0.Add(time.Hour))
	require.True(t, ok)
	assert.Nil(t, patch.CapturedAt)
	require.NotNil(t, patch.RefundedAt)
	assert.True(t, patch.RefundedAt.Equal(t0.Add(time.Hour)))
}

func TestReconciler_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	c, _ := f.funded(10000)
	require.Equal(t, CampaignFunded, c.Status)
	require.Equal(t, PaymentRequiresCapture, c.PaymentStatus)

	out := f.deliver(f.proc.PlaceHold, c.AuthorizationID)
	assert.False(t, out.Applied)
	assert.Equal(t, CampaignFunded, out.Campaign.Status)
	assert.Equal(t, c.UpdatedAt, f.reload(c.ID).UpdatedAt)
}

func TestReconciler_DeclineThenHold(t *testing.T) {
	f := newFixture(t)
	c, _ := f.selected(10000)
	out, err := f.machine.Transition(f.ctx, FundEvent{CampaignID: c.ID})
	require.NoError(t, err)
	holdID := out.Campaign.AuthorizationID

	declined := f.deliver(f.proc.DeclineHold, holdID)
	assert.True(t, declined.Applied)
	assert.Equal(t, PaymentFailed, declined.Campaign.PaymentStatus)
	assert.Equal(t, CampaignInfluencerSelected, declined.Campaign.Status)

	placed := f.deliver(f.proc.PlaceHold, holdID)
	assert.True(t, placed.Applied)
	assert.Equal(t, PaymentRequiresCapture, placed.Campaign.PaymentStatus)
	assert.Equal(t, CampaignFunded, placed.Campaign.Status)
}

func TestReconciler_StaleFailureKeepsHold(t *testing.T) {
	f := newFixture(t)
	c, _ := f.funded(10000)

	out, err := f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_old", Kind: processor.EventFailed, ObjectID: c.AuthorizationID})
	require.NoError(t, err)
	assert.False(t, out.Applied)

	got := f.reload(c.ID)
	assert.Equal(t, CampaignFunded, got.Status)
	assert.Equal(t, PaymentRequiresCapture, got.PaymentStatus)
}

func TestReconciler_RefundBeforeCapture(t *testing.T) {
	f := newFixture(t)
	c, _ := f.active(10000)

	out, err := f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_r", Kind: processor.EventRefunded, ObjectID: c.AuthorizationID})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, PaymentRefunded, out.Campaign.PaymentStatus)
	assert.Equal(t, CampaignCancelled, out.Campaign.Status)

	// The capture event arrives late and must not resurrect the charge.
	out, err = f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_c", Kind: processor.EventCaptured, ObjectID: c.AuthorizationID})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, PaymentRefunded, f.reload(c.ID).PaymentStatus)
}

func TestReconciler_CanceledHoldCancelsCampaign(t *testing.T) {
	f := newFixture(t)
	c, app := f.funded(10000)

	out, err := f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_x", Kind: processor.EventCanceled, ObjectID: c.AuthorizationID})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, CampaignCancelled, out.Campaign.Status)
	assert.Equal(t, PaymentCanceled, out.Campaign.PaymentStatus)
	assert.Equal(t, ApplicationSelected, f.reloadApp(app.ID).Status)
}

func TestReconciler_RefundDisputesSubmittedProof(t *testing.T) {
	f := newFixture(t)
	c, app := f.active(10000)
	_, err := f.machine.Transition(f.ctx, SubmitProofEvent{ApplicationID: app.ID, ProofURL: "https://social.example/p/1"})
	require.NoError(t, err)

	out, err := f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_r", Kind: processor.EventRefunded, ObjectID: c.AuthorizationID})
	require.NoError(t, err)
	assert.Equal(t, CampaignCancelled, out.Campaign.Status)

	got := f.reloadApp(app.ID)
	assert.Equal(t, ApplicationDisputed, got.Status)
	assert.Equal(t, "Payment refunded by processor", got.RejectedReason)

	// Review windows close without the auto-approve sweep touching it.
	f.clock.Advance(48 * time.Hour)
	res, err := f.scheduler().RunTick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.AutoApproved)
	assert.Equal(t, ApplicationDisputed, f.reloadApp(app.ID).Status)
}

func TestReconciler_IgnoresUnknownAndUnmatched(t *testing.T) {
	f := newFixture(t)

	out, err := f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_1", Kind: processor.EventUnknown, SourceType: "customer.created"})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_2", Kind: processor.EventCaptured, ObjectID: "pi_nobody"})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = f.reconciler.Handle(f.ctx, &processor.Event{ID: "evt_3", Kind: processor.EventCaptured, ObjectID: "pi_nobody", CampaignID: "cmp_missing"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReconciler_BindsAuthorizationFromMetadata(t *testing.T) {
	f := newFixture(t)
	c, _ := f.selected(10000)

	// The hold exists at the processor but authorize timed out before we
	// recorded its ID.
	hold, err := f.proc.CreateHold(f.ctx, processor.CreateHoldRequest{
		Amount:         c.Financials.TotalAmount,
		Currency:       "usd",
		IdempotencyKey: IdempotencyKey(OpAuthorize, c.ID),
	})
	require.NoError(t, err)
	ev, err := f.proc.PlaceHold(hold.ID)
	require.NoError(t, err)
	ev.CampaignID = c.ID

	out, err := f.reconciler.Handle(f.ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Applied)
	assert.Equal(t, hold.ID, out.Campaign.AuthorizationID)
	assert.Equal(t, CampaignFunded, out.Campaign.Status)

	// Funding again finds the bound hold instead of creating another.
	funded, err := f.machine.Transition(f.ctx, FundEvent{CampaignID: c.ID})
	require.NoError(t, err)
	assert.True(t, funded.Reused)
	assert.Equal(t, 1, f.proc.HoldCount())
}

func TestReconciler_MetadataCannotRebind(t *testing.T) {
	f := newFixture(t)
	c, _ := f.funded(10000)

	out, err := f.reconciler.Handle(f.ctx, &processor.Event{
		ID:         "evt_1",
		Kind:       processor.EventCanceled,
		ObjectID:   "pi_someone_else",
		CampaignID: c.ID,
	})
	require.NoError(t, err)
	assert.Nil(t, out)

	got := f.reload(c.ID)
	assert.Equal(t, c.AuthorizationID, got.AuthorizationID)
	assert.Equal(t, CampaignFunded, got.Status)
}
