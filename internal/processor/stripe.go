package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Stripe implements Processor on PaymentIntents with manual capture,
// Refunds and Connect Transfers.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe creates a Stripe processor. backends may be nil to use the
// default HTTP backends.
func NewStripe(secretKey, webhookSecret string, backends *stripe.Backends) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{api: api, webhookSecret: webhookSecret}
}

func (s *Stripe) CreateHold(ctx context.Context, req CreateHoldRequest) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyError(err)
	}
	return holdFromIntent(pi), nil
}

func (s *Stripe) GetHold(ctx context.Context, id string) (*Hold, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return holdFromIntent(pi), nil
}

func (s *Stripe) CaptureHold(ctx context.Context, id, key string) (*Hold, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(key)
	pi, err := s.api.PaymentIntents.Capture(id, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return holdFromIntent(pi), nil
}

func (s *Stripe) CancelHold(ctx context.Context, id, key string) (*Hold, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(key)
	pi, err := s.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return holdFromIntent(pi), nil
}

func (s *Stripe) Refund(ctx context.Context, holdID, key string) (*Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(holdID)}
	params.Context = ctx
	params.SetIdempotencyKey(key)
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classifyError(err)
	}
	return &Refund{ID: r.ID, HoldID: holdID, Status: string(r.Status)}, nil
}

func (s *Stripe) FindRefund(ctx context.Context, holdID string) (*Refund, error) {
	params := &stripe.RefundListParams{PaymentIntent: stripe.String(holdID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	it := s.api.Refunds.List(params)
	for it.Next() {
		r := it.Refund()
		return &Refund{ID: r.ID, HoldID: holdID, Status: string(r.Status)}, nil
	}
	if err := it.Err(); err != nil {
		return nil, classifyError(err)
	}
	return nil, nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classifyError(err)
	}
	return &Transfer{ID: tr.ID, Destination: req.Destination, Amount: tr.Amount}, nil
}

// CreatePayoutAccount creates an Express connected account.
func (s *Stripe) CreatePayoutAccount(ctx context.Context, email string) (string, error) {
	params := &stripe.AccountParams{Type: stripe.String(string(stripe.AccountTypeExpress))}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", classifyError(err)
	}
	return acct.ID, nil
}

// OnboardingLink returns a hosted onboarding URL for a connected account.
func (s *Stripe) OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx
	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", classifyError(err)
	}
	return link.URL, nil
}

// ParseEvent verifies the Stripe-Signature header and maps the event to a
// processor-neutral Event. Event types the engine does not act on come back
// as EventUnknown.
func (s *Stripe) ParseEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return mapStripeEvent(ev)
}

func mapStripeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{ID: ev.ID, Kind: EventUnknown, SourceType: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}

	switch string(ev.Type) {
	case "payment_intent.amount_capturable_updated",
		"payment_intent.succeeded",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.ObjectID = pi.ID
		out.Status = string(pi.Status)
		out.CampaignID = pi.Metadata["campaign_id"]
		switch string(ev.Type) {
		case "payment_intent.amount_capturable_updated":
			out.Kind = EventHoldPlaced
		case "payment_intent.succeeded":
			out.Kind = EventCaptured
		case "payment_intent.payment_failed":
			out.Kind = EventFailed
		case "payment_intent.canceled":
			out.Kind = EventCanceled
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return out, nil
		}
		out.Kind = EventRefunded
		out.ObjectID = ch.PaymentIntent.ID
		out.Status = "refunded"
		out.CampaignID = ch.Metadata["campaign_id"]
	}
	return out, nil
}

func holdFromIntent(pi *stripe.PaymentIntent) *Hold {
	return &Hold{
		ID:           pi.ID,
		Status:       mapIntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		ClientSecret: pi.ClientSecret,
	}
}

func mapIntentStatus(st stripe.PaymentIntentStatus) HoldStatus {
	switch st {
	case stripe.PaymentIntentStatusRequiresCapture:
		return HoldRequiresCapture
	case stripe.PaymentIntentStatusSucceeded:
		return HoldCaptured
	case stripe.PaymentIntentStatusCanceled:
		return HoldCanceled
	case stripe.PaymentIntentStatusProcessing:
		return HoldProcessing
	default:
		return HoldRequiresPayment
	}
}

// classifyError maps Stripe SDK errors onto the processor error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		// Network failures never reached a response.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch {
	case se.Code == stripe.ErrorCodePaymentIntentUnexpectedState,
		se.Code == stripe.ErrorCodeChargeAlreadyRefunded:
		return fmt.Errorf("%w: %s", ErrAlreadyDone, se.Msg)
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= 500,
		se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrTransient, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Msg)
	}
}

var (
	_ Processor   = (*Stripe)(nil)
	_ EventParser = (*Stripe)(nil)
	_ Onboarder   = (*Stripe)(nil)
)
