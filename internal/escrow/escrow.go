// Package escrow runs the campaign escrow lifecycle.
//
// Flow:
//  1. Funder creates a campaign (open), parties apply.
//  2. Funder selects one application → influencer_selected, fee split locked.
//  3. Funder authorizes a hold → funded once the processor reports the hold.
//  4. Start date reached → active, proof deadline set.
//  5. Party submits proof → funder approves (capture) or rejects (cancel/refund).
//  6. End date passed with approved proof and captured funds → payout, completed.
//
// Every status change is a conditional write against the Store. There are no
// in-process locks; losing a race is reported as a conflict or a no-op.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pactum-labs/pactum/internal/validation"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrCampaignNotFound    = fmt.Errorf("campaign %w", ErrNotFound)
	ErrApplicationNotFound = fmt.Errorf("application %w", ErrNotFound)
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation failed")
	ErrForbidden           = errors.New("not authorized for this campaign")
	ErrNoPayoutAccount     = errors.New("no payout account configured")
	ErrIllegalTransition   = errors.New("illegal status transition")
)

// ConflictError reports a lost race or a business-rule conflict. Reason is
// safe to show to the actor.
type ConflictError struct {
	Reason                string
	ConflictingCampaignID string
}

func (e *ConflictError) Error() string { return e.Reason }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError wraps field-level validation failures.
type ValidationError struct {
	Fields validation.ValidationErrors
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Fields.Error() }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Fields: validation.ValidationErrors{{Field: field, Message: message}}}
}

// CampaignStatus is the campaign lifecycle state.
type CampaignStatus string

const (
	CampaignOpen               CampaignStatus = "open"
	CampaignInfluencerSelected CampaignStatus = "influencer_selected"
	CampaignFunded             CampaignStatus = "funded"
	CampaignActive             CampaignStatus = "active"
	CampaignCompleted          CampaignStatus = "completed"
	CampaignCancelled          CampaignStatus = "cancelled"
)

// IsTerminal returns true for completed and cancelled campaigns.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// BookingStatuses are the campaign states that hold a party's calendar.
var BookingStatuses = []CampaignStatus{CampaignInfluencerSelected, CampaignFunded, CampaignActive}

// PaymentStatus mirrors the processor-side state of the campaign's hold.
type PaymentStatus string

const (
	PaymentNone            PaymentStatus = "none"
	PaymentRequiresPayment PaymentStatus = "requires_payment"
	PaymentProcessing      PaymentStatus = "processing"
	PaymentRequiresCapture PaymentStatus = "requires_capture"
	PaymentCaptured        PaymentStatus = "captured"
	PaymentRefunded        PaymentStatus = "refunded"
	PaymentCanceled        PaymentStatus = "canceled"
	PaymentFailed          PaymentStatus = "failed"
)

// LivePayments are payment states where money may still be held or charged.
var LivePayments = []PaymentStatus{
	PaymentRequiresPayment, PaymentProcessing, PaymentRequiresCapture, PaymentCaptured, PaymentFailed,
}

// ApplicationStatus is the application lifecycle state.
type ApplicationStatus string

const (
	ApplicationApplied        ApplicationStatus = "applied"
	ApplicationSelected       ApplicationStatus = "selected"
	ApplicationProofSubmitted ApplicationStatus = "proof_submitted"
	ApplicationApproved       ApplicationStatus = "approved"
	ApplicationReleased       ApplicationStatus = "released"
	ApplicationRejected       ApplicationStatus = "rejected"
	ApplicationWithdrawn      ApplicationStatus = "withdrawn"
	ApplicationFailedProof    ApplicationStatus = "failed_proof"
	ApplicationDisputed       ApplicationStatus = "disputed"
)

// AssetType is what the party promises to publish.
type AssetType string

const (
	AssetHeader AssetType = "header"
	AssetBio    AssetType = "bio"
	AssetPost   AssetType = "post"
)

// Financials is the fee split locked at selection. Amounts are minor units.
type Financials struct {
	TotalAmount int64 `json:"totalAmount"`
	PlatformFee int64 `json:"platformFee"`
	PayeeAmount int64 `json:"payeeAmount"`
}

// ComputeFinancials splits total by rate, rounding the fee half away from zero.
func ComputeFinancials(total int64, rate float64) Financials {
	fee := int64(math.Round(float64(total) * rate))
	if fee > total {
		fee = total
	}
	return Financials{TotalAmount: total, PlatformFee: fee, PayeeAmount: total - fee}
}

// Campaign is one funding engagement.
type Campaign struct {
	ID           string    `json:"id"`
	FunderID     string    `json:"funderId"`
	AssetType    AssetType `json:"assetType"`
	Requirements string    `json:"requirements"`
	BudgetMin    *int64    `json:"budgetMin,omitempty"`
	BudgetMax    *int64    `json:"budgetMax,omitempty"`
	// Window is [StartDate, EndDate).
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Currency  string    `json:"currency"`

	Status        CampaignStatus `json:"status"`
	PaymentStatus PaymentStatus  `json:"paymentStatus"`

	SelectedApplicationID string      `json:"selectedApplicationId,omitempty"`
	SelectedPartyID       string      `json:"selectedPartyId,omitempty"`
	SelectedAt            *time.Time  `json:"selectedAt,omitempty"`
	Financials            *Financials `json:"financials,omitempty"`

	AuthorizationID string `json:"authorizationId,omitempty"`
	RefundID        string `json:"refundId,omitempty"`
	TransferID      string `json:"transferId,omitempty"`

	CapturedAt *time.Time `json:"capturedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	PaidOutAt  *time.Time `json:"paidOutAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Overlaps reports whether the campaign window intersects [start, end).
// Windows are half-open, so touching windows do not overlap.
func (c *Campaign) Overlaps(start, end time.Time) bool {
	return c.StartDate.Before(end) && c.EndDate.After(start)
}

func (c *Campaign) clone() *Campaign {
	out := *c
	if c.Financials != nil {
		f := *c.Financials
		out.Financials = &f
	}
	return &out
}

// Application is one party's proposal against a campaign.
type Application struct {
	ID            string            `json:"id"`
	CampaignID    string            `json:"campaignId"`
	PartyID       string            `json:"partyId"`
	ProposedPrice int64             `json:"proposedPrice"`
	Message       string            `json:"message,omitempty"`
	Status        ApplicationStatus `json:"status"`

	ProofURL         string     `json:"proofUrl,omitempty"`
	ProofNotes       string     `json:"proofNotes,omitempty"`
	ProofSubmittedAt *time.Time `json:"proofSubmittedAt,omitempty"`
	ProofDueAt       *time.Time `json:"proofDueAt,omitempty"`
	ReviewDueAt      *time.Time `json:"reviewDueAt,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	RejectedReason   string     `json:"rejectedReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CampaignCondition guards a conditional campaign update. Empty slices match any value.
type CampaignCondition struct {
	Status                []CampaignStatus
	PaymentStatus         []PaymentStatus
	SelectedApplicationID string
}

// Selection is the set-once record written when an application is chosen.
type Selection struct {
	ApplicationID string
	PartyID       string
	At            time.Time
	Financials    Financials
}

// CampaignPatch is applied only when the condition holds. Handle fields
// (AuthorizationID, RefundID, TransferID) and Selection are set-once: a patch
// that would overwrite a different existing value is not applied.
type CampaignPatch struct {
	Status          *CampaignStatus
	PaymentStatus   *PaymentStatus
	Selection       *Selection
	ClearSelection  bool
	AuthorizationID string
	RefundID        string
	TransferID      string
	CapturedAt      *time.Time
	RefundedAt      *time.Time
	PaidOutAt       *time.Time
	UpdatedAt       time.Time
}

// ApplicationCondition guards a conditional application update.
type ApplicationCondition struct {
	Status []ApplicationStatus
}

// ApplicationPatch is applied only when the condition holds.
type ApplicationPatch struct {
	Status           *ApplicationStatus
	ProposedPrice    *int64
	Message          *string
	ProofURL         *string
	ProofNotes       *string
	ProofSubmittedAt *time.Time
	ProofDueAt       *time.Time
	ReviewDueAt      *time.Time
	ApprovedAt       *time.Time
	RejectedReason   *string
	UpdatedAt        time.Time
}

// DeadlineField selects the timestamp a due-list query compares against.
type DeadlineField string

const (
	DeadlineStart  DeadlineField = "start_date"
	DeadlineEnd    DeadlineField = "end_date"
	DeadlineProof  DeadlineField = "proof_due_at"
	DeadlineReview DeadlineField = "review_due_at"
)

// CampaignFilter narrows ListCampaigns. Results are newest first.
type CampaignFilter struct {
	FunderID string
	PartyID  string
	Status   CampaignStatus
	Cursor   string
	Limit    int
}

// ApplicationFilter narrows ListApplications.
type ApplicationFilter struct {
	CampaignID string
	PartyID    string
	Status     ApplicationStatus
}

// Store persists campaigns and applications. UpdateCampaign and
// UpdateApplication are the only mutation primitives; they report whether
// the guarded write was applied.
type Store interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	GetCampaignByAuthorization(ctx context.Context, authorizationID string) (*Campaign, error)
	// ListCampaigns returns up to Limit+1 rows so callers can detect a further page.
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error)
	UpdateCampaign(ctx context.Context, id string, cond CampaignCondition, patch CampaignPatch) (bool, error)

	// ListBookings returns the party's campaigns in BookingStatuses.
	ListBookings(ctx context.Context, partyID string) ([]*Campaign, error)
	// ListCampaignsDue, ListStranded and ListApplicationsDue page by ID: they
	// return up to limit rows with ID greater than after, in ID order.
	ListCampaignsDue(ctx context.Context, status CampaignStatus, field DeadlineField, before time.Time, after string, limit int) ([]*Campaign, error)
	// ListStranded returns campaigns whose money still needs unwinding:
	// cancelled with a live payment, or active with a failed_proof or disputed application.
	ListStranded(ctx context.Context, after string, limit int) ([]*Campaign, error)

	CreateApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error)
	UpdateApplication(ctx context.Context, id string, cond ApplicationCondition, patch ApplicationPatch) (bool, error)
	// RejectSiblings moves every other applied application of the campaign to rejected.
	RejectSiblings(ctx context.Context, campaignID, keepID string, at time.Time) (int, error)
	ListApplicationsDue(ctx context.Context, status ApplicationStatus, field DeadlineField, before time.Time, after string, limit int) ([]*Application, error)

	SetPayoutAccount(ctx context.Context, partyID, accountID string) error
	// GetPayoutAccount returns ErrNoPayoutAccount when none is configured.
	GetPayoutAccount(ctx context.Context, partyID string) (string, error)
}

// Operation names an external payment operation.
type Operation string

const (
	OpAuthorize Operation = "authorize"
	OpCapture   Operation = "capture"
	OpCancel    Operation = "cancel"
	OpRefund    Operation = "refund"
	OpTransfer  Operation = "transfer"
)

// IdempotencyKey derives the processor idempotency key for op on a campaign.
func IdempotencyKey(op Operation, campaignID string) string {
	return "escrow_" + string(op) + "_" + campaignID
}

func transferGroup(campaignID string) string {
	return "campaign_" + strings.TrimSpace(campaignID)
}

func ptr[T any](v T) *T { return &v }
