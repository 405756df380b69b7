// Package processor abstracts the external payment processor that holds,
// captures, refunds and transfers campaign funds.
//
// Every mutating call carries an idempotency key. Processors must return the
// original result when a key is replayed, which is what lets callers retry
// after a timeout without creating a second hold, refund or transfer.
package processor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, rate limits,
	// network errors, an open circuit.
	ErrTransient = errors.New("processor: transient failure")

	// ErrOutcomeUnknown means the call may or may not have taken effect.
	// Callers reconcile through webhooks or the next sweep.
	ErrOutcomeUnknown = fmt.Errorf("%w: outcome unknown", ErrTransient)

	// ErrInvalidRequest is a permanent rejection (bad amount, wrong state).
	ErrInvalidRequest = errors.New("processor: invalid request")

	// ErrAlreadyDone means the processor reports the operation as already
	// completed. Callers re-read the authoritative status and treat it as success.
	ErrAlreadyDone = errors.New("processor: operation already completed")

	ErrNotFound         = errors.New("processor: object not found")
	ErrInvalidSignature = errors.New("processor: invalid webhook signature")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// HoldStatus is the processor-side status of an authorization.
type HoldStatus string

const (
	HoldRequiresPayment HoldStatus = "requires_payment"
	HoldProcessing      HoldStatus = "processing"
	HoldRequiresCapture HoldStatus = "requires_capture"
	HoldCaptured        HoldStatus = "captured"
	HoldCanceled        HoldStatus = "canceled"
)

// Hold is an authorization of funds, captured or not.
type Hold struct {
	ID           string     `json:"id"`
	Status       HoldStatus `json:"status"`
	Amount       int64      `json:"amount"`
	Currency     string     `json:"currency"`
	ClientSecret string     `json:"-"`
}

// Refund returns captured funds to the payer.
type Refund struct {
	ID     string `json:"id"`
	HoldID string `json:"holdId"`
	Status string `json:"status"`
}

// Transfer moves captured funds to a connected payout account.
type Transfer struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// CreateHoldRequest describes a new authorization.
type CreateHoldRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	TransferGroup  string
	Metadata       map[string]string
}

// TransferRequest describes a payout.
type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	IdempotencyKey string
	TransferGroup  string
	Metadata       map[string]string
}

// Processor is the capability the escrow engine consumes.
type Processor interface {
	CreateHold(ctx context.Context, req CreateHoldRequest) (*Hold, error)
	GetHold(ctx context.Context, id string) (*Hold, error)
	CaptureHold(ctx context.Context, id, idempotencyKey string) (*Hold, error)
	CancelHold(ctx context.Context, id, idempotencyKey string) (*Hold, error)
	Refund(ctx context.Context, holdID, idempotencyKey string) (*Refund, error)
	// FindRefund returns an existing refund for the hold, or nil when none exists.
	FindRefund(ctx context.Context, holdID string) (*Refund, error)
	Transfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// EventKind is the processor-neutral classification of a webhook event.
type EventKind string

const (
	EventHoldPlaced EventKind = "hold_placed"
	EventCaptured   EventKind = "captured"
	EventFailed     EventKind = "failed"
	EventCanceled   EventKind = "canceled"
	EventRefunded   EventKind = "refunded"
	EventUnknown    EventKind = "unknown"
)

// Event is one asynchronous notification from the processor.
type Event struct {
	ID   string    `json:"id"`
	Kind EventKind `json:"kind"`
	// ObjectID is the authorization (hold) the event refers to.
	ObjectID string `json:"objectId"`
	Status   string `json:"status,omitempty"`
	// CampaignID comes from metadata the server attached when creating the hold.
	CampaignID string `json:"campaignId,omitempty"`
	// SourceType is the processor's own event type, kept for logging.
	SourceType string `json:"sourceType,omitempty"`
}

// EventParser verifies and decodes a signed webhook payload.
type EventParser interface {
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// Onboarder creates connected payout accounts and their onboarding links.
type Onboarder interface {
	CreatePayoutAccount(ctx context.Context, email string) (string, error)
	OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
}
