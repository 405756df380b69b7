package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pactum-labs/pactum/internal/processor"
	"github.com/pactum-labs/pactum/internal/traces"
	"github.com/pactum-labs/pactum/internal/validation"
)

// Config holds the business parameters of the lifecycle.
type Config struct {
	CommissionRate float64
	Currency       string
	ProofWindow    time.Duration
	ReviewWindow   time.Duration
}

// DefaultConfig matches the production defaults.
var DefaultConfig = Config{
	CommissionRate: 0.15,
	Currency:       "usd",
	ProofWindow:    24 * time.Hour,
	ReviewWindow:   24 * time.Hour,
}

// Outcome is the result of a transition. Applied is false when the event was
// valid but had nothing to do (already in the target state, not yet due).
type Outcome struct {
	Campaign     *Campaign    `json:"campaign,omitempty"`
	Application  *Application `json:"application,omitempty"`
	Applied      bool         `json:"applied"`
	ClientSecret string       `json:"clientSecret,omitempty"`
	Reused       bool         `json:"reused,omitempty"`
}

// Event is a lifecycle event accepted by Machine.Transition.
type Event interface {
	eventName() string
}

type (
	SelectEvent struct{ CampaignID, ApplicationID string }
	FundEvent   struct{ CampaignID string }

	SubmitProofEvent struct {
		ApplicationID string
		ProofURL      string
		Notes         string
	}

	ReviewEvent struct {
		ApplicationID string
		Approve       bool
		Reason        string
	}

	// ReleaseEvent is the admin unwind: refund or cancel, then cancel the campaign.
	ReleaseEvent struct{ CampaignID string }
	CancelEvent  struct{ CampaignID string }

	ActivateEvent    struct{ CampaignID string }
	ExpireProofEvent struct{ ApplicationID string }
	AutoApproveEvent struct{ ApplicationID string }
	CompleteEvent    struct{ CampaignID string }

	// PaymentEvent carries a processor-reported hold change for a campaign.
	PaymentEvent struct {
		CampaignID string
		Kind       processor.EventKind
	}
)

func (SelectEvent) eventName() string      { return "select" }
func (FundEvent) eventName() string        { return "fund" }
func (SubmitProofEvent) eventName() string { return "submit_proof" }
func (ReviewEvent) eventName() string      { return "review" }
func (ReleaseEvent) eventName() string     { return "release" }
func (CancelEvent) eventName() string      { return "cancel" }
func (ActivateEvent) eventName() string    { return "activate" }
func (ExpireProofEvent) eventName() string { return "expire_proof" }
func (AutoApproveEvent) eventName() string { return "auto_approve" }
func (CompleteEvent) eventName() string    { return "complete" }
func (e PaymentEvent) eventName() string   { return "payment_" + string(e.Kind) }

// Machine is the single authority for campaign and application transitions.
// Actor requests, webhooks and the scheduler all go through it.
type Machine struct {
	store    Store
	payments *Payments
	guard    *OverlapGuard
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewMachine creates a state machine.
func NewMachine(store Store, payments *Payments, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    store,
		payments: payments,
		guard:    NewOverlapGuard(store),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for the machine and its payments.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	m.payments.WithClock(now)
	return m
}

// Store returns the backing store.
func (m *Machine) Store() Store { return m.store }

// Transition dispatches ev to the matching operation.
func (m *Machine) Transition(ctx context.Context, ev Event) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.transition."+ev.eventName())
	defer span.End()

	var (
		out *Outcome
		err error
	)
	switch e := ev.(type) {
	case SelectEvent:
		out, err = m.Select(ctx, e.CampaignID, e.ApplicationID)
	case FundEvent:
		out, err = m.Fund(ctx, e.CampaignID)
	case SubmitProofEvent:
		out, err = m.SubmitProof(ctx, e.ApplicationID, e.ProofURL, e.Notes)
	case ReviewEvent:
		out, err = m.Review(ctx, e.ApplicationID, e.Approve, e.Reason)
	case ReleaseEvent:
		out, err = m.Release(ctx, e.CampaignID)
	case CancelEvent:
		out, err = m.Cancel(ctx, e.CampaignID)
	case ActivateEvent:
		out, err = m.Activate(ctx, e.CampaignID)
	case ExpireProofEvent:
		out, err = m.ExpireProof(ctx, e.ApplicationID)
	case AutoApproveEvent:
		out, err = m.AutoApprove(ctx, e.ApplicationID)
	case CompleteEvent:
		out, err = m.Complete(ctx, e.CampaignID)
	case PaymentEvent:
		out, err = m.ApplyPayment(ctx, e.CampaignID, e.Kind)
	default:
		return nil, invalid("event", "unknown event")
	}
	traces.Fail(span, err)
	if out != nil {
		span.SetAttributes(traces.Applied(out.Applied))
	}
	return out, err
}

// Select chooses an application for an open campaign, locks the fee split and
// rejects the competing applications.
func (m *Machine) Select(ctx context.Context, campaignID, applicationID string) (*Outcome, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.CampaignID != c.ID {
		return nil, invalid("applicationId", "application does not belong to this campaign")
	}
	if c.Status != CampaignOpen {
		return nil, notOpen(c)
	}
	if app.Status != ApplicationApplied {
		return nil, conflictf("application is %s", app.Status)
	}

	unlock, err := m.guard.Lock(ctx, app.PartyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conflictID, err := m.guard.Check(ctx, app.PartyID, c.StartDate, c.EndDate, c.ID)
	if err != nil {
		return nil, err
	}
	if conflictID != "" {
		conflictsTotal.WithLabelValues("select").Inc()
		return nil, overlapConflict(conflictID)
	}

	now := m.now()
	applied, err := m.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{Status: []CampaignStatus{CampaignOpen}},
		CampaignPatch{
			Status: ptr(CampaignInfluencerSelected),
			Selection: &Selection{
				ApplicationID: app.ID,
				PartyID:       app.PartyID,
				At:            now,
				Financials:    ComputeFinancials(app.ProposedPrice, m.cfg.CommissionRate),
			},
			UpdatedAt: now,
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		conflictsTotal.WithLabelValues("select").Inc()
		current, err := m.store.GetCampaign(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return nil, notOpen(current)
	}

	selected, err := m.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	// Another selection for the same party may have committed between Check
	// and our write; any overlap seen now aborts this one.
	conflictID, err = m.guard.Recheck(ctx, selected)
	if err != nil || conflictID != "" {
		m.revertSelection(ctx, selected)
		if err != nil {
			return nil, err
		}
		conflictsTotal.WithLabelValues("select").Inc()
		return nil, overlapConflict(conflictID)
	}

	applied, err = m.store.UpdateApplication(ctx, app.ID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationApplied}},
		ApplicationPatch{Status: ptr(ApplicationSelected), UpdatedAt: now})
	if err != nil || !applied {
		m.revertSelection(ctx, selected)
		if err != nil {
			return nil, err
		}
		conflictsTotal.WithLabelValues("select").Inc()
		return nil, conflictf("application is no longer applied")
	}

	if n, err := m.store.RejectSiblings(ctx, c.ID, app.ID, now); err != nil {
		m.logger.Warn("failed to reject sibling applications", "campaignId", c.ID, "error", err)
	} else if n > 0 {
		m.logger.Info("rejected sibling applications", "campaignId", c.ID, "count", n)
	}

	transitionsTotal.WithLabelValues("select").Inc()
	m.logger.Info("application selected",
		"campaignId", c.ID,
		"applicationId", app.ID,
		"partyId", app.PartyID,
		"totalAmount", selected.Financials.TotalAmount,
	)
	return m.outcome(ctx, c.ID, app.ID, true)
}

func (m *Machine) revertSelection(ctx context.Context, c *Campaign) {
	_, err := m.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{
			Status:                []CampaignStatus{CampaignInfluencerSelected},
			PaymentStatus:         []PaymentStatus{PaymentNone},
			SelectedApplicationID: c.SelectedApplicationID,
		},
		CampaignPatch{Status: ptr(CampaignOpen), ClearSelection: true, UpdatedAt: m.now()})
	if err != nil {
		m.logger.Error("failed to revert selection", "campaignId", c.ID, "error", err)
	}
}

// Fund authorizes the hold for a selected campaign. A campaign that already
// has a non-terminal authorization gets it back with Reused set.
func (m *Machine) Fund(ctx context.Context, campaignID string) (*Outcome, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignInfluencerSelected && c.Status != CampaignFunded {
		return nil, conflictf("campaign is %s", c.Status)
	}

	res, err := m.payments.Authorize(ctx, c)
	if err != nil {
		return nil, err
	}

	// Bring paymentStatus in line with the processor's view of the hold.
	updated := res.Campaign
	if kind, ok := holdEventKind(res.Hold.Status); ok {
		out, err := m.ApplyPayment(ctx, c.ID, kind)
		if err != nil {
			return nil, err
		}
		updated = out.Campaign
	}

	transitionsTotal.WithLabelValues("fund").Inc()
	m.logger.Info("campaign funding authorized",
		"campaignId", c.ID,
		"authorizationId", res.Hold.ID,
		"holdStatus", res.Hold.Status,
		"reused", res.Reused,
	)
	return &Outcome{Campaign: updated, Applied: true, ClientSecret: res.ClientSecret, Reused: res.Reused}, nil
}

func holdEventKind(status processor.HoldStatus) (processor.EventKind, bool) {
	switch status {
	case processor.HoldRequiresCapture:
		return processor.EventHoldPlaced, true
	case processor.HoldCaptured:
		return processor.EventCaptured, true
	case processor.HoldCanceled:
		return processor.EventCanceled, true
	}
	return "", false
}

// SubmitProof records the party's proof of publication and opens the review window.
func (m *Machine) SubmitProof(ctx context.Context, applicationID, proofURL, notes string) (*Outcome, error) {
	if errs := validation.Validate(
		validation.Required("proofUrl", proofURL),
		validation.ValidURL("proofUrl", proofURL),
		validation.MaxLength("notes", notes, 2000),
	); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationSelected {
		return nil, conflictf("application is %s", app.Status)
	}
	c, err := m.store.GetCampaign(ctx, app.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignActive {
		return nil, conflictf("campaign is %s", c.Status)
	}
	now := m.now()
	if app.ProofDueAt != nil && now.After(*app.ProofDueAt) {
		return nil, conflictf("proof deadline has passed")
	}

	reviewDue := now.Add(m.cfg.ReviewWindow)
	applied, err := m.store.UpdateApplication(ctx, app.ID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationSelected}},
		ApplicationPatch{
			Status:           ptr(ApplicationProofSubmitted),
			ProofURL:         ptr(strings.TrimSpace(proofURL)),
			ProofNotes:       ptr(validation.SanitizeString(notes, 2000)),
			ProofSubmittedAt: &now,
			ReviewDueAt:      &reviewDue,
			UpdatedAt:        now,
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost("submit_proof")
	}

	transitionsTotal.WithLabelValues("submit_proof").Inc()
	m.logger.Info("proof submitted", "campaignId", c.ID, "applicationId", app.ID, "reviewDueAt", reviewDue)
	return m.outcome(ctx, c.ID, app.ID, true)
}

// defaultRejectReason is recorded when a reviewer rejects without a reason.
const defaultRejectReason = "Proof rejected"

// Review approves or rejects submitted proof. Approval captures the hold;
// rejection disputes the application and unwinds the payment.
func (m *Machine) Review(ctx context.Context, applicationID string, approve bool, reason string) (*Outcome, error) {
	reason = validation.SanitizeString(reason, 1000)
	if reason == "" {
		reason = defaultRejectReason
	}

	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationProofSubmitted {
		return nil, conflictf("application is %s", app.Status)
	}
	c, err := m.store.GetCampaign(ctx, app.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignActive {
		return nil, conflictf("campaign is %s", c.Status)
	}
	if app.ReviewDueAt != nil && m.now().After(*app.ReviewDueAt) {
		return nil, conflictf("review window has closed")
	}
	if c.AuthorizationID == "" || (c.PaymentStatus != PaymentRequiresCapture && c.PaymentStatus != PaymentCaptured) {
		return nil, conflictf("payment is %s, funds are not held", c.PaymentStatus)
	}

	if approve {
		return m.approve(ctx, c, app, "review")
	}

	now := m.now()
	applied, err := m.store.UpdateApplication(ctx, app.ID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationProofSubmitted}},
		ApplicationPatch{
			Status:         ptr(ApplicationDisputed),
			RejectedReason: ptr(reason),
			UpdatedAt:      now,
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost("review")
	}
	transitionsTotal.WithLabelValues("reject").Inc()
	m.logger.Info("proof rejected", "campaignId", c.ID, "applicationId", app.ID)

	if _, err := m.unwind(ctx, c.ID); err != nil {
		m.logger.Warn("unwind after rejection failed, left for reconciliation",
			"campaignId", c.ID, "error", err)
	}
	return m.outcome(ctx, c.ID, app.ID, true)
}

func (m *Machine) approve(ctx context.Context, c *Campaign, app *Application, event string) (*Outcome, error) {
	now := m.now()
	applied, err := m.store.UpdateApplication(ctx, app.ID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationProofSubmitted}},
		ApplicationPatch{Status: ptr(ApplicationApproved), ApprovedAt: &now, UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost(event)
	}
	transitionsTotal.WithLabelValues(event).Inc()
	m.logger.Info("proof approved", "campaignId", c.ID, "applicationId", app.ID, "via", event)

	if c.PaymentStatus == PaymentRequiresCapture {
		if _, err := m.payments.Capture(ctx, c); err != nil {
			// The payout sweep captures before paying out.
			m.logger.Warn("capture after approval failed", "campaignId", c.ID, "error", err)
		}
	}
	return m.outcome(ctx, c.ID, app.ID, true)
}

// Release is the admin unwind: it settles the payment side and cancels the campaign.
func (m *Machine) Release(ctx context.Context, campaignID string) (*Outcome, error) {
	c, err := m.unwind(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Campaign: c, Applied: true}, nil
}

// Cancel withdraws a campaign before it goes live.
func (m *Machine) Cancel(ctx context.Context, campaignID string) (*Outcome, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case CampaignOpen, CampaignInfluencerSelected, CampaignFunded:
	default:
		return nil, conflictf("campaign is %s", c.Status)
	}
	updated, err := m.unwind(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Campaign: updated, Applied: updated.Status == CampaignCancelled}, nil
}

// unwind releases the payment and then moves the campaign to cancelled. Both
// steps tolerate repetition.
func (m *Machine) unwind(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status == CampaignCompleted {
		return nil, conflictf("campaign is completed")
	}

	if _, err := m.payments.Release(ctx, c); err != nil {
		return nil, err
	}

	applied, err := m.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{Status: []CampaignStatus{
			CampaignOpen, CampaignInfluencerSelected, CampaignFunded, CampaignActive,
		}},
		CampaignPatch{Status: ptr(CampaignCancelled), UpdatedAt: m.now()})
	if err != nil {
		return nil, err
	}
	if applied {
		transitionsTotal.WithLabelValues("cancel").Inc()
		m.logger.Info("campaign cancelled", "campaignId", c.ID)
		if c.Status == CampaignActive {
			if _, err := m.settleSelected(ctx, c.SelectedApplicationID, "Campaign cancelled"); err != nil {
				return nil, err
			}
		}
	}
	return m.store.GetCampaign(ctx, c.ID)
}

// settleSelected closes the selected application of a campaign cancelled
// while live: pending proof fails and submitted proof is disputed. Without it
// the proof and review sweeps would list the application forever.
func (m *Machine) settleSelected(ctx context.Context, applicationID, reason string) (bool, error) {
	if applicationID == "" {
		return false, nil
	}
	now := m.now()
	applied, err := m.store.UpdateApplication(ctx, applicationID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationSelected}},
		ApplicationPatch{Status: ptr(ApplicationFailedProof), UpdatedAt: now})
	if err != nil || applied {
		return applied, err
	}
	applied, err = m.store.UpdateApplication(ctx, applicationID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationProofSubmitted}},
		ApplicationPatch{Status: ptr(ApplicationDisputed), RejectedReason: ptr(reason), UpdatedAt: now})
	if applied {
		m.logger.Info("application settled after cancellation", "applicationId", applicationID, "reason", reason)
	}
	return applied, err
}

// Activate starts a funded campaign once its start date is reached and sets
// the proof deadline.
func (m *Machine) Activate(ctx context.Context, campaignID string) (*Outcome, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignFunded {
		return &Outcome{Campaign: c}, nil
	}
	now := m.now()
	if c.StartDate.After(now) {
		return &Outcome{Campaign: c}, nil
	}

	due := c.StartDate.Add(m.cfg.ProofWindow)
	if _, err := m.store.UpdateApplication(ctx, c.SelectedApplicationID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationSelected}},
		ApplicationPatch{ProofDueAt: &due, UpdatedAt: now},
	); err != nil {
		return nil, err
	}

	applied, err := m.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{Status: []CampaignStatus{CampaignFunded}},
		CampaignPatch{Status: ptr(CampaignActive), UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost("activate")
	}
	transitionsTotal.WithLabelValues("activate").Inc()
	m.logger.Info("campaign activated", "campaignId", c.ID, "proofDueAt", due)
	return m.outcome(ctx, c.ID, c.SelectedApplicationID, true)
}

// ExpireProof fails a selected application whose proof deadline passed and
// unwinds the campaign.
func (m *Machine) ExpireProof(ctx context.Context, applicationID string) (*Outcome, error) {
	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if app.Status != ApplicationSelected || app.ProofDueAt == nil || app.ProofDueAt.After(now) {
		return &Outcome{Application: app}, nil
	}
	c, err := m.store.GetCampaign(ctx, app.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Status == CampaignCancelled {
		return m.settleCancelled(ctx, c, app)
	}
	if c.Status != CampaignActive {
		return &Outcome{Campaign: c, Application: app}, nil
	}

	applied, err := m.store.UpdateApplication(ctx, app.ID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationSelected}},
		ApplicationPatch{Status: ptr(ApplicationFailedProof), UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost("expire_proof")
	}
	transitionsTotal.WithLabelValues("expire_proof").Inc()
	m.logger.Info("proof deadline missed", "campaignId", c.ID, "applicationId", app.ID)

	if _, err := m.unwind(ctx, c.ID); err != nil {
		m.logger.Warn("unwind after missed proof failed, left for reconciliation",
			"campaignId", c.ID, "error", err)
	}
	return m.outcome(ctx, c.ID, app.ID, true)
}

// AutoApprove approves proof whose review window closed without a decision.
func (m *Machine) AutoApprove(ctx context.Context, applicationID string) (*Outcome, error) {
	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationProofSubmitted || app.ReviewDueAt == nil || app.ReviewDueAt.After(m.now()) {
		return &Outcome{Application: app}, nil
	}
	c, err := m.store.GetCampaign(ctx, app.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Status == CampaignCancelled {
		return m.settleCancelled(ctx, c, app)
	}
	if c.Status != CampaignActive {
		return &Outcome{Campaign: c, Application: app}, nil
	}
	return m.approve(ctx, c, app, "auto_approve")
}

// settleCancelled handles a deadline that fell due after the campaign was
// cancelled elsewhere, for example by a processor-side cancel.
func (m *Machine) settleCancelled(ctx context.Context, c *Campaign, app *Application) (*Outcome, error) {
	if c.SelectedApplicationID != app.ID {
		return &Outcome{Campaign: c, Application: app}, nil
	}
	applied, err := m.settleSelected(ctx, app.ID, "Campaign cancelled")
	if err != nil {
		return nil, err
	}
	return m.outcome(ctx, c.ID, app.ID, applied)
}

// Complete pays out an approved campaign whose end date passed. A party
// without a payout account is skipped until one is configured.
func (m *Machine) Complete(ctx context.Context, campaignID string) (*Outcome, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignActive || c.EndDate.After(m.now()) {
		return &Outcome{Campaign: c}, nil
	}
	app, err := m.store.GetApplication(ctx, c.SelectedApplicationID)
	if err != nil {
		return nil, err
	}

	if app.Status != ApplicationReleased {
		if app.Status != ApplicationApproved {
			return &Outcome{Campaign: c, Application: app}, nil
		}
		if c.PaymentStatus == PaymentRequiresCapture {
			if c, err = m.payments.Capture(ctx, c); err != nil {
				return nil, err
			}
		}
		if c.PaymentStatus != PaymentCaptured {
			return &Outcome{Campaign: c, Application: app}, nil
		}

		paid, err := m.payments.Payout(ctx, c, app)
		if errors.Is(err, ErrNoPayoutAccount) {
			m.logger.Info("payout deferred, party has no payout account",
				"campaignId", c.ID, "partyId", app.PartyID)
			return &Outcome{Campaign: c, Application: app}, nil
		}
		if err != nil {
			return nil, err
		}
		c = paid

		now := m.now()
		if _, err := m.store.UpdateApplication(ctx, app.ID,
			ApplicationCondition{Status: []ApplicationStatus{ApplicationApproved}},
			ApplicationPatch{Status: ptr(ApplicationReleased), UpdatedAt: now},
		); err != nil {
			return nil, err
		}
	}

	applied, err := m.store.UpdateCampaign(ctx, c.ID,
		CampaignCondition{Status: []CampaignStatus{CampaignActive}},
		CampaignPatch{Status: ptr(CampaignCompleted), UpdatedAt: m.now()})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost("complete")
	}
	transitionsTotal.WithLabelValues("complete").Inc()
	m.logger.Info("campaign completed",
		"campaignId", c.ID,
		"transferId", c.TransferID,
		"payeeAmount", c.Financials.PayeeAmount,
	)
	return m.outcome(ctx, c.ID, app.ID, true)
}

func (m *Machine) outcome(ctx context.Context, campaignID, applicationID string, applied bool) (*Outcome, error) {
	out := &Outcome{Applied: applied}
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out.Campaign = c
	if applicationID != "" {
		if out.Application, err = m.store.GetApplication(ctx, applicationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func notOpen(c *Campaign) error {
	if c.SelectedApplicationID != "" {
		return conflictf("campaign already has a selected application")
	}
	return conflictf("campaign is %s", c.Status)
}

func overlapConflict(campaignID string) error {
	return &ConflictError{
		Reason:                "booking overlaps campaign " + campaignID,
		ConflictingCampaignID: campaignID,
	}
}

// lost reports a guarded write that found the row already moved on.
func lost(event string) error {
	conflictsTotal.WithLabelValues(event).Inc()
	return conflictf("%s lost to a concurrent update; reload and retry", strings.ReplaceAll(event, "_", " "))
}
