package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pactum-labs/pactum/internal/circuitbreaker"
	"github.com/pactum-labs/pactum/internal/processor"
	"github.com/pactum-labs/pactum/internal/retry"
	"github.com/pactum-labs/pactum/internal/traces"
)

// Payments wraps the processor with idempotent campaign operations. Every
// remote call carries IdempotencyKey(op, campaignID), so retries from
// double-clicks, timeouts or repeated sweeps produce one effect.
//
// Local state is written only after the processor confirms, except for
// authorize, where an unknown outcome is left for the webhook to settle.
type Payments struct {
	store    Store
	proc     processor.Processor
	breaker  *circuitbreaker.Breaker
	policy   retry.Policy
	currency string
	now      func() time.Time
	logger   *slog.Logger
}

// NewPayments creates a payment orchestrator.
func NewPayments(store Store, proc processor.Processor, logger *slog.Logger) *Payments {
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.DefaultPolicy
	policy.AttemptTimeout = 15 * time.Second
	return &Payments{
		store:    store,
		proc:     proc,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		policy:   policy,
		currency: "usd",
		now:      time.Now,
		logger:   logger,
	}
}

// WithRetryPolicy replaces the retry policy used for processor calls.
func (p *Payments) WithRetryPolicy(policy retry.Policy) *Payments {
	p.policy = policy
	return p
}

// WithTimeout bounds each processor attempt.
func (p *Payments) WithTimeout(d time.Duration) *Payments {
	p.policy.AttemptTimeout = d
	return p
}

// WithBreaker replaces the circuit breaker.
func (p *Payments) WithBreaker(b *circuitbreaker.Breaker) *Payments {
	p.breaker = b
	return p
}

// OpenCircuits lists the processor operations currently failing fast.
func (p *Payments) OpenCircuits() []string {
	return p.breaker.Open()
}

// WithCurrency sets the settlement currency.
func (p *Payments) WithCurrency(currency string) *Payments {
	p.currency = currency
	return p
}

// WithClock overrides the clock. Used by tests.
func (p *Payments) WithClock(now func() time.Time) *Payments {
	p.now = now
	return p
}

// AuthorizeResult is returned by Authorize.
type AuthorizeResult struct {
	Campaign     *Campaign
	Hold         *processor.Hold
	ClientSecret string
	Reused       bool
}

// Authorize places a hold for the campaign's total amount, or reuses the
// existing one.
func (p *Payments) Authorize(ctx context.Context, c *Campaign) (*AuthorizeResult, error) {
	if c.Financials == nil || c.Financials.TotalAmount <= 0 {
		return nil, invalid("totalAmount", "must be greater than zero")
	}
	if c.AuthorizationID != "" {
		return p.reuseHold(ctx, c)
	}

	if c.PaymentStatus == PaymentNone {
		_, err := p.store.UpdateCampaign(ctx, c.ID,
			CampaignCondition{PaymentStatus: []PaymentStatus{PaymentNone}},
			CampaignPatch{PaymentStatus: ptr(PaymentRequiresPayment), UpdatedAt: p.now()})
		if err != nil {
			return nil, err
		}
	}

	currency := c.Currency
	if currency == "" {
		currency = p.currency
	}
	var hold *processor.Hold
	err := p.call(ctx, OpAuthorize, c.ID, func(ctx context.Context) error {
		var err error
		hold, err = p.proc.CreateHold(ctx, processor.CreateHoldRequest{
			Amount:         c.Financials.TotalAmount,
			Currency:       currency,
			IdempotencyKey: IdempotencyKey(OpAuthorize, c.ID),
			TransferGroup:  transferGroup(c.ID),
			Metadata: map[string]string{
				"campaign_id":    c.ID,
				"application_id": c.SelectedApplicationID,
				"party_id":       c.SelectedPartyID,
			},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, processor.ErrOutcomeUnknown) {
			p.logger.Warn("authorize outcome unknown, deferring to webhook", "campaignId", c.ID, "error", err)
		}
		return nil, err
	}

	if _, err := p.store.UpdateCampaign(ctx, c.ID, CampaignCondition{},
		CampaignPatch{AuthorizationID: hold.ID, UpdatedAt: p.now()}); err != nil {
		return nil, err
	}
	updated, err := p.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if updated.AuthorizationID != hold.ID {
		return nil, &ConflictError{Reason: "campaign is bound to a different authorization"}
	}
	return &AuthorizeResult{Campaign: updated, Hold: hold, ClientSecret: hold.ClientSecret}, nil
}

func (p *Payments) reuseHold(ctx context.Context, c *Campaign) (*AuthorizeResult, error) {
	var hold *processor.Hold
	err := p.call(ctx, OpAuthorize, c.ID, func(ctx context.Context) error {
		var err error
		hold, err = p.proc.GetHold(ctx, c.AuthorizationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if hold.Status == processor.HoldCanceled {
		return nil, conflictf("authorization %s was canceled", hold.ID)
	}
	return &AuthorizeResult{Campaign: c, Hold: hold, ClientSecret: hold.ClientSecret, Reused: true}, nil
}

// Capture converts the hold into a charge. Captured or refunded campaigns
// are a no-op; any other payment state is a conflict.
func (p *Payments) Capture(ctx context.Context, c *Campaign) (*Campaign, error) {
	switch c.PaymentStatus {
	case PaymentCaptured, PaymentRefunded:
		return c, nil
	case PaymentRequiresCapture:
	default:
		return nil, conflictf("payment is %s, nothing to capture", c.PaymentStatus)
	}
	if c.AuthorizationID == "" {
		return nil, conflictf("campaign has no authorization")
	}

	hold, err := p.settle(ctx, OpCapture, c, func(ctx context.Context) (*processor.Hold, error) {
		return p.proc.CaptureHold(ctx, c.AuthorizationID, IdempotencyKey(OpCapture, c.ID))
	})
	if err != nil {
		return nil, err
	}
	if hold.Status != processor.HoldCaptured {
		return nil, conflictf("hold is %s after capture", hold.Status)
	}

	if err := p.markCaptured(ctx, c.ID); err != nil {
		return nil, err
	}
	return p.store.GetCampaign(ctx, c.ID)
}

// Release unwinds the campaign's money: an uncaptured hold is canceled, a
// captured charge is refunded, and anything already unwound is left alone.
// Safe to call any number of times.
func (p *Payments) Release(ctx context.Context, c *Campaign) (*Campaign, error) {
	if c.AuthorizationID == "" {
		return c, nil
	}
	switch c.PaymentStatus {
	case PaymentRefunded, PaymentCanceled:
		return c, nil
	case PaymentCaptured:
		return p.refund(ctx, c)
	}

	hold, err := p.settle(ctx, OpCancel, c, func(ctx context.Context) (*processor.Hold, error) {
		h, err := p.proc.CancelHold(ctx, c.AuthorizationID, IdempotencyKey(OpCancel, c.ID))
		if errors.Is(err, processor.ErrInvalidRequest) {
			// Captured in the meantime; the authoritative status decides below.
			return nil, processor.ErrAlreadyDone
		}
		return h, err
	})
	if err != nil {
		return nil, err
	}

	switch hold.Status {
	case processor.HoldCanceled:
		now := p.now()
		_, err := p.store.UpdateCampaign(ctx, c.ID,
			CampaignCondition{PaymentStatus: []PaymentStatus{
				PaymentNone, PaymentRequiresPayment, PaymentProcessing, PaymentFailed, PaymentRequiresCapture,
			}},
			CampaignPatch{PaymentStatus: ptr(PaymentCanceled), UpdatedAt: now})
		if err != nil {
			return nil, err
		}
		return p.store.GetCampaign(ctx, c.ID)
	case processor.HoldCaptured:
		if err := p.markCaptured(ctx, c.ID); err != nil {
			return nil, err
		}
		current, err := p.store.GetCampaign(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return p.refund(ctx, current)
	default:
		return nil, fmt.Errorf("%w: hold %s still %s after cancel", processor.ErrTransient, hold.ID, hold.Status)
	}
}

func (p *Payments) refund(ctx context.Context, c *Campaign) (*Campaign, error) {
	if c.RefundID != "" && c.PaymentStatus == PaymentRefunded {
		return c, nil
	}

	var refund *processor.Refund
	err := p.call(ctx, OpRefund, c.ID, func(ctx context.Context) error {
		var err error
		refund, err = p.proc.FindRefund(ctx, c.AuthorizationID)
		if err != nil || refund != nil {
			return err
		}
		refund, err = p.proc.Refund(ctx, c.AuthorizationID, IdempotencyKey(OpRefund, c.ID))
		if errors.Is(err, processor.ErrAlreadyDone) {
			refund, err = p.proc.FindRefund(ctx, c.AuthorizationID)
			if err == nil && refund == nil {
				err = fmt.Errorf("%w: refund reported done but not found", processor.ErrTransient)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	now := p.now()
	if _, err := p.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{PaymentStatus: []PaymentStatus{PaymentCaptured, PaymentRequiresCapture, PaymentRefunded}},
		CampaignPatch{RefundID: refund.ID, PaymentStatus: ptr(PaymentRefunded), RefundedAt: &now, UpdatedAt: now},
	); err != nil {
		return nil, err
	}
	return p.store.GetCampaign(ctx, c.ID)
}

// Payout transfers the payee amount to the selected party's payout account.
// It returns ErrNoPayoutAccount when the party has not onboarded yet.
func (p *Payments) Payout(ctx context.Context, c *Campaign, app *Application) (*Campaign, error) {
	if c.TransferID != "" {
		return c, nil
	}
	if c.PaymentStatus != PaymentCaptured {
		return nil, conflictf("payment is %s, payout needs captured funds", c.PaymentStatus)
	}
	if app.Status != ApplicationApproved && app.Status != ApplicationReleased {
		return nil, conflictf("application is %s, payout needs approval", app.Status)
	}
	if c.Financials == nil || c.Financials.PayeeAmount <= 0 {
		return nil, invalid("payeeAmount", "must be greater than zero")
	}

	account, err := p.store.GetPayoutAccount(ctx, c.SelectedPartyID)
	if err != nil {
		return nil, err
	}

	currency := c.Currency
	if currency == "" {
		currency = p.currency
	}
	var transfer *processor.Transfer
	err = p.call(ctx, OpTransfer, c.ID, func(ctx context.Context) error {
		var err error
		transfer, err = p.proc.Transfer(ctx, processor.TransferRequest{
			Amount:         c.Financials.PayeeAmount,
			Currency:       currency,
			Destination:    account,
			IdempotencyKey: IdempotencyKey(OpTransfer, c.ID),
			TransferGroup:  transferGroup(c.ID),
			Metadata:       map[string]string{"campaign_id": c.ID, "application_id": app.ID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	now := p.now()
	if _, err := p.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{PaymentStatus: []PaymentStatus{PaymentCaptured}},
		CampaignPatch{TransferID: transfer.ID, PaidOutAt: &now, UpdatedAt: now},
	); err != nil {
		return nil, err
	}
	updated, err := p.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if updated.TransferID != transfer.ID {
		return nil, conflictf("campaign recorded a different transfer")
	}
	return updated, nil
}

func (p *Payments) markCaptured(ctx context.Context, campaignID string) error {
	now := p.now()
	_, err := p.store.UpdateCampaign(ctx, campaignID,
		CampaignCondition{PaymentStatus: []PaymentStatus{
			PaymentRequiresCapture, PaymentRequiresPayment, PaymentProcessing, PaymentFailed, PaymentNone,
		}},
		CampaignPatch{PaymentStatus: ptr(PaymentCaptured), CapturedAt: &now, UpdatedAt: now})
	return err
}

// settle runs a capture or cancel and, when the processor says the work is
// already done, reads the authoritative hold status instead.
func (p *Payments) settle(ctx context.Context, op Operation, c *Campaign, fn func(context.Context) (*processor.Hold, error)) (*processor.Hold, error) {
	var hold *processor.Hold
	err := p.call(ctx, op, c.ID, func(ctx context.Context) error {
		var err error
		hold, err = fn(ctx)
		if errors.Is(err, processor.ErrAlreadyDone) {
			hold, err = p.proc.GetHold(ctx, c.AuthorizationID)
		}
		return err
	})
	return hold, err
}

// call runs fn under the circuit breaker and retry policy. Each attempt gets
// its own deadline; a deadline hit becomes ErrOutcomeUnknown.
func (p *Payments) call(ctx context.Context, op Operation, campaignID string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow.processor."+string(op),
		traces.CampaignID(campaignID),
		traces.Operation(string(op)),
		traces.IdempotencyKey(IdempotencyKey(op, campaignID)),
	)
	defer span.End()

	err := p.policy.Run(ctx, func(attemptCtx context.Context) error {
		err := p.breaker.Execute(string(op), func() error {
			err := fn(attemptCtx)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, processor.ErrTransient) {
				err = fmt.Errorf("%w: %v", processor.ErrOutcomeUnknown, err)
			}
			return err
		}, processor.IsTransient)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(fmt.Errorf("%w: %v", processor.ErrTransient, err))
		case !processor.IsTransient(err):
			return retry.Permanent(err)
		}
		return err
	})

	processorDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	processorCalls.WithLabelValues(string(op), callResult(err)).Inc()
	traces.Fail(span, err)
	return err
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, processor.ErrOutcomeUnknown):
		return "unknown"
	case processor.IsTransient(err):
		return "transient"
	case errors.Is(err, processor.ErrAlreadyDone):
		return "already_done"
	default:
		return "rejected"
	}
}
