package escrow

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/pactum-labs/pactum/internal/processor"
	"github.com/pactum-labs/pactum/internal/traces"
)

// maxPaymentAttempts bounds the re-read loop when a payment update keeps
// losing to concurrent writers.
const maxPaymentAttempts = 3

// Decide computes the guarded write that applies a payment event to c. It is
// a pure function of the event and the current row: the condition pins the
// exact statuses that were read, so a concurrent change makes the write miss
// and the caller re-reads. ok is false when the event changes nothing, which
// is what makes duplicate and stale deliveries no-ops.
func Decide(kind processor.EventKind, c *Campaign, now time.Time) (patch CampaignPatch, cond CampaignCondition, ok bool) {
	cond = CampaignCondition{
		Status:        []CampaignStatus{c.Status},
		PaymentStatus: []PaymentStatus{c.PaymentStatus},
	}
	patch = CampaignPatch{UpdatedAt: now}
	payment := c.PaymentStatus

	setPayment := func(to PaymentStatus) {
		if payment != to && CanTransitionPayment(c.PaymentStatus, to) {
			payment = to
			patch.PaymentStatus = ptr(to)
		}
	}
	setStatus := func(to CampaignStatus) {
		if c.Status != to && CanTransitionCampaign(c.Status, to) {
			patch.Status = ptr(to)
		}
	}
	held := func() bool {
		return payment == PaymentRequiresCapture || payment == PaymentCaptured
	}

	switch kind {
	case processor.EventHoldPlaced:
		if slices.Contains(preHold, c.PaymentStatus) {
			setPayment(PaymentRequiresCapture)
		}
		if c.Status == CampaignInfluencerSelected && held() {
			setStatus(CampaignFunded)
		}

	case processor.EventCaptured:
		if c.PaymentStatus != PaymentRefunded && c.PaymentStatus != PaymentCanceled {
			setPayment(PaymentCaptured)
			if payment == PaymentCaptured && c.CapturedAt == nil {
				patch.CapturedAt = &now
			}
		}
		if c.Status == CampaignInfluencerSelected && held() {
			setStatus(CampaignFunded)
		}

	case processor.EventFailed:
		if slices.Contains(preHold, c.PaymentStatus) {
			setPayment(PaymentFailed)
		}
		// A stale failure after the hold was placed leaves payment untouched,
		// so the campaign is only rolled back when nothing is held.
		if c.Status == CampaignFunded && payment == PaymentFailed {
			setStatus(CampaignInfluencerSelected)
		}

	case processor.EventCanceled:
		switch c.PaymentStatus {
		case PaymentCaptured, PaymentRefunded, PaymentCanceled:
		default:
			setPayment(PaymentCanceled)
		}
		if !c.Status.IsTerminal() && payment == PaymentCanceled {
			setStatus(CampaignCancelled)
		}

	case processor.EventRefunded:
		if c.PaymentStatus == PaymentRequiresCapture || c.PaymentStatus == PaymentCaptured {
			setPayment(PaymentRefunded)
		}
		if payment == PaymentRefunded && c.RefundedAt == nil {
			patch.RefundedAt = &now
		}
		if !c.Status.IsTerminal() && payment == PaymentRefunded {
			setStatus(CampaignCancelled)
		}
	}

	ok = patch.PaymentStatus != nil || patch.Status != nil || patch.CapturedAt != nil || patch.RefundedAt != nil
	return patch, cond, ok
}

// ApplyPayment applies a processor-reported hold change to the campaign.
// Re-applying an event that already took effect returns Applied false.
func (m *Machine) ApplyPayment(ctx context.Context, campaignID string, kind processor.EventKind) (*Outcome, error) {
	for attempt := 0; attempt < maxPaymentAttempts; attempt++ {
		c, err := m.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		patch, cond, ok := Decide(kind, c, m.now())
		if !ok {
			return &Outcome{Campaign: c}, nil
		}
		applied, err := m.store.UpdateCampaign(ctx, c.ID, cond, patch)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}

		updated, err := m.store.GetCampaign(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		transitionsTotal.WithLabelValues("payment_" + string(kind)).Inc()
		m.logger.Info("payment status updated",
			"campaignId", c.ID,
			"event", kind,
			"from", c.PaymentStatus,
			"to", updated.PaymentStatus,
			"status", updated.Status,
		)
		if c.Status == CampaignActive && updated.Status == CampaignCancelled {
			if _, err := m.settleSelected(ctx, c.SelectedApplicationID, "Payment "+string(kind)+" by processor"); err != nil {
				return nil, err
			}
		}
		return &Outcome{Campaign: updated, Applied: true}, nil
	}
	return nil, lost("payment_" + string(kind))
}

// Reconciler turns processor webhook events into state machine transitions.
type Reconciler struct {
	machine *Machine
	store   Store
	logger  *slog.Logger
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(machine *Machine, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{machine: machine, store: machine.Store(), logger: logger}
}

// Handle applies one event. Unknown kinds and events for holds that match no
// campaign return a nil outcome and no error so the processor stops
// redelivering them. Errors are store failures worth a redelivery.
func (r *Reconciler) Handle(ctx context.Context, ev *processor.Event) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.webhook",
		traces.Operation(string(ev.Kind)),
		traces.CampaignID(ev.CampaignID),
	)
	defer span.End()

	if ev.Kind == processor.EventUnknown || ev.Kind == "" {
		webhookEvents.WithLabelValues(string(processor.EventUnknown), "ignored").Inc()
		r.logger.Debug("ignoring webhook event", "eventId", ev.ID, "sourceType", ev.SourceType)
		return nil, nil
	}

	c, err := r.lookup(ctx, ev)
	if err != nil {
		webhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		return nil, err
	}
	if c == nil {
		webhookEvents.WithLabelValues(string(ev.Kind), "unmatched").Inc()
		r.logger.Warn("webhook event matches no campaign",
			"eventId", ev.ID, "kind", ev.Kind, "objectId", ev.ObjectID)
		return nil, nil
	}

	span.SetAttributes(traces.CampaignID(c.ID))
	out, err := r.machine.Transition(ctx, PaymentEvent{CampaignID: c.ID, Kind: ev.Kind})
	if err != nil {
		traces.Fail(span, err)
		webhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		r.logger.Error("failed to apply webhook event",
			"eventId", ev.ID, "campaignId", c.ID, "kind", ev.Kind, "error", err)
		return nil, err
	}
	result := "noop"
	if out.Applied {
		result = "applied"
	}
	webhookEvents.WithLabelValues(string(ev.Kind), result).Inc()
	return out, nil
}

// lookup finds the campaign by authorization ID. When authorize timed out
// before the ID was recorded, the campaign named in the hold's metadata is
// bound to it, provided that campaign has no authorization yet.
func (r *Reconciler) lookup(ctx context.Context, ev *processor.Event) (*Campaign, error) {
	c, err := r.store.GetCampaignByAuthorization(ctx, ev.ObjectID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if ev.CampaignID == "" || ev.ObjectID == "" {
		return nil, nil
	}

	c, err = r.store.GetCampaign(ctx, ev.CampaignID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.AuthorizationID != "" {
		return nil, nil
	}
	if _, err := r.store.UpdateCampaign(ctx, c.ID, CampaignCondition{},
		CampaignPatch{AuthorizationID: ev.ObjectID, UpdatedAt: time.Now()}); err != nil {
		return nil, err
	}
	c, err = r.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if c.AuthorizationID != ev.ObjectID {
		return nil, nil
	}
	r.logger.Info("bound authorization from webhook metadata", "campaignId", c.ID, "authorizationId", ev.ObjectID)
	return c, nil
}
