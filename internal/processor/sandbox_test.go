package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandbox_CreateHoldIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()

	req := CreateHoldRequest{Amount: 10000, Currency: "usd", IdempotencyKey: "escrow_authorize_cmp_1"}
	h1, err := sb.CreateHold(ctx, req)
	require.NoError(t, err)
	h2, err := sb.CreateHold(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, h1.ID, h2.ID)
	assert.Equal(t, 1, sb.HoldCount())
	assert.Equal(t, 2, sb.Calls(OpCreateHold))
	assert.Equal(t, HoldRequiresPayment, h1.Status)
}

func TestSandbox_CaptureLifecycle(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()

	h, err := sb.CreateHold(ctx, CreateHoldRequest{Amount: 500, Currency: "usd", IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = sb.CaptureHold(ctx, h.ID, "escrow_capture_cmp_1")
	assert.ErrorIs(t, err, ErrInvalidRequest, "cannot capture before the payer confirms")

	ev, err := sb.PlaceHold(h.ID)
	require.NoError(t, err)
	assert.Equal(t, EventHoldPlaced, ev.Kind)
	assert.Equal(t, h.ID, ev.ObjectID)

	captured, err := sb.CaptureHold(ctx, h.ID, "escrow_capture_cmp_1")
	require.NoError(t, err)
	assert.Equal(t, HoldCaptured, captured.Status)

	// Same key replays the original result.
	again, err := sb.CaptureHold(ctx, h.ID, "escrow_capture_cmp_1")
	require.NoError(t, err)
	assert.Equal(t, HoldCaptured, again.Status)

	// A different key reports already done.
	_, err = sb.CaptureHold(ctx, h.ID, "other")
	assert.ErrorIs(t, err, ErrAlreadyDone)

	_, err = sb.CancelHold(ctx, h.ID, "escrow_cancel_cmp_1")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSandbox_ExpireHold(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()

	h, err := sb.CreateHold(ctx, CreateHoldRequest{Amount: 500, Currency: "usd", IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = sb.PlaceHold(h.ID)
	require.NoError(t, err)

	ev, err := sb.ExpireHold(h.ID)
	require.NoError(t, err)
	assert.Equal(t, EventCanceled, ev.Kind)

	got, err := sb.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HoldCanceled, got.Status)

	_, err = sb.ExpireHold("pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSandbox_RefundOnlyAfterCapture(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox(WithAutoConfirm())

	h, err := sb.CreateHold(ctx, CreateHoldRequest{Amount: 500, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, HoldRequiresCapture, h.Status)

	_, err = sb.Refund(ctx, h.ID, "escrow_refund_cmp_1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = sb.CaptureHold(ctx, h.ID, "cap")
	require.NoError(t, err)

	none, err := sb.FindRefund(ctx, h.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	r1, err := sb.Refund(ctx, h.ID, "escrow_refund_cmp_1")
	require.NoError(t, err)
	r2, err := sb.Refund(ctx, h.ID, "escrow_refund_cmp_1")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	_, err = sb.Refund(ctx, h.ID, "different")
	assert.ErrorIs(t, err, ErrAlreadyDone)

	found, err := sb.FindRefund(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, r1.ID, found.ID)
}

func TestSandbox_CancelTwice(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()
	h, _ := sb.CreateHold(ctx, CreateHoldRequest{Amount: 100, Currency: "usd"})

	c, err := sb.CancelHold(ctx, h.ID, "escrow_cancel_cmp_1")
	require.NoError(t, err)
	assert.Equal(t, HoldCanceled, c.Status)

	_, err = sb.CancelHold(ctx, h.ID, "escrow_cancel_cmp_2")
	assert.ErrorIs(t, err, ErrAlreadyDone)
}

func TestSandbox_TransferIdempotent(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()
	req := TransferRequest{Amount: 8500, Currency: "usd", Destination: "acct_1", IdempotencyKey: "escrow_transfer_cmp_1"}

	t1, err := sb.Transfer(ctx, req)
	require.NoError(t, err)
	t2, err := sb.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, t2.ID)
	assert.Equal(t, 1, sb.TransferCount())

	_, err = sb.Transfer(ctx, TransferRequest{Amount: 1, Currency: "usd"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSandbox_FailNext(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()
	sb.FailNext(OpCreateHold, ErrOutcomeUnknown)

	_, err := sb.CreateHold(ctx, CreateHoldRequest{Amount: 100, Currency: "usd", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.True(t, IsTransient(err))

	h, err := sb.CreateHold(ctx, CreateHoldRequest{Amount: 100, Currency: "usd", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
}

func TestSandbox_ParseEvent(t *testing.T) {
	sb := NewSandbox(WithSandboxWebhookSecret("shh"))
	payload, err := json.Marshal(Event{ID: "evt_1", Kind: EventCaptured, ObjectID: "pi_1"})
	require.NoError(t, err)

	_, err = sb.ParseEvent(payload, "wrong")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	ev, err := sb.ParseEvent(payload, "shh")
	require.NoError(t, err)
	assert.Equal(t, EventCaptured, ev.Kind)
}

func TestSandbox_Onboarding(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()
	acct, err := sb.CreatePayoutAccount(ctx, "creator@example.com")
	require.NoError(t, err)

	url, err := sb.OnboardingLink(ctx, acct, "http://x/refresh", "http://x/return")
	require.NoError(t, err)
	assert.Contains(t, url, acct)

	_, err = sb.OnboardingLink(ctx, "acct_missing", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}
