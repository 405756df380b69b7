package processor

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pactum-labs/pactum/internal/idgen"
)

// Operation names used by the Sandbox call counters and failure injection.
const (
	OpCreateHold = "create_hold"
	OpGetHold    = "get_hold"
	OpCapture    = "capture"
	OpCancel     = "cancel"
	OpRefund     = "refund"
	OpFindRefund = "find_refund"
	OpTransfer   = "transfer"
)

// Sandbox is an in-memory processor for development and tests.
// It honors idempotency keys the way the real processor does and lets
// tests inject failures per operation.
type Sandbox struct {
	mu            sync.Mutex
	holds         map[string]*Hold
	holdByKey     map[string]string
	refunds       map[string]*Refund // by hold ID
	refundByKey   map[string]string
	transfers     map[string]*Transfer // by idempotency key
	capturedKeys  map[string]string
	canceledKeys  map[string]string
	accounts      map[string]bool
	calls         map[string]int
	failNext      map[string][]error
	autoConfirm   bool
	webhookSecret string
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithAutoConfirm makes new holds start in requires_capture, as if the payer
// confirmed immediately.
func WithAutoConfirm() SandboxOption {
	return func(s *Sandbox) { s.autoConfirm = true }
}

// WithSandboxWebhookSecret sets the shared secret ParseEvent checks.
func WithSandboxWebhookSecret(secret string) SandboxOption {
	return func(s *Sandbox) { s.webhookSecret = secret }
}

// NewSandbox creates an empty Sandbox.
func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		holds:        make(map[string]*Hold),
		holdByKey:    make(map[string]string),
		refunds:      make(map[string]*Refund),
		refundByKey:  make(map[string]string),
		transfers:    make(map[string]*Transfer),
		capturedKeys: make(map[string]string),
		canceledKeys: make(map[string]string),
		accounts:     make(map[string]bool),
		calls:        make(map[string]int),
		failNext:     make(map[string][]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext queues err to be returned by the next call to op. Queued errors
// are consumed in order.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], err)
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// HoldCount returns the number of distinct holds created.
func (s *Sandbox) HoldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holds)
}

// TransferCount returns the number of distinct transfers created.
func (s *Sandbox) TransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

// PlaceHold simulates the payer confirming a hold. It returns the event the
// processor would deliver.
func (s *Sandbox) PlaceHold(holdID string) (*Event, error) {
	return s.setStatus(holdID, HoldRequiresCapture, EventHoldPlaced)
}

// DeclineHold simulates a failed payment attempt.
func (s *Sandbox) DeclineHold(holdID string) (*Event, error) {
	return s.setStatus(holdID, HoldRequiresPayment, EventFailed)
}

// ExpireHold simulates the processor cancelling an uncaptured hold on its
// own, as card authorizations do once they age out.
func (s *Sandbox) ExpireHold(holdID string) (*Event, error) {
	return s.setStatus(holdID, HoldCanceled, EventCanceled)
}

func (s *Sandbox) setStatus(holdID string, status HoldStatus, kind EventKind) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}
	h.Status = status
	return &Event{
		ID:       idgen.WithPrefix("evt_"),
		Kind:     kind,
		ObjectID: h.ID,
		Status:   string(status),
	}, nil
}

func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	if q := s.failNext[op]; len(q) > 0 {
		err := q[0]
		s.failNext[op] = q[1:]
		return err
	}
	return nil
}

func (s *Sandbox) CreateHold(_ context.Context, req CreateHoldRequest) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateHold); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if id, ok := s.holdByKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		h := *s.holds[id]
		return &h, nil
	}
	h := &Hold{
		ID:           idgen.WithPrefix("pi_"),
		Status:       HoldRequiresPayment,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ClientSecret: idgen.WithPrefix("secret_"),
	}
	if s.autoConfirm {
		h.Status = HoldRequiresCapture
	}
	s.holds[h.ID] = h
	if req.IdempotencyKey != "" {
		s.holdByKey[req.IdempotencyKey] = h.ID
	}
	out := *h
	return &out, nil
}

func (s *Sandbox) GetHold(_ context.Context, id string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetHold); err != nil {
		return nil, err
	}
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *h
	return &out, nil
}

func (s *Sandbox) CaptureHold(_ context.Context, id, key string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCapture); err != nil {
		return nil, err
	}
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if prev, ok := s.capturedKeys[key]; ok && prev == id {
		out := *h
		return &out, nil
	}
	switch h.Status {
	case HoldRequiresCapture:
		h.Status = HoldCaptured
		s.capturedKeys[key] = id
	case HoldCaptured:
		return nil, ErrAlreadyDone
	default:
		return nil, fmt.Errorf("%w: hold is %s", ErrInvalidRequest, h.Status)
	}
	out := *h
	return &out, nil
}

func (s *Sandbox) CancelHold(_ context.Context, id, key string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCancel); err != nil {
		return nil, err
	}
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if prev, ok := s.canceledKeys[key]; ok && prev == id {
		out := *h
		return &out, nil
	}
	switch h.Status {
	case HoldCanceled:
		return nil, ErrAlreadyDone
	case HoldCaptured:
		return nil, fmt.Errorf("%w: hold already captured", ErrInvalidRequest)
	}
	h.Status = HoldCanceled
	s.canceledKeys[key] = id
	out := *h
	return &out, nil
}

func (s *Sandbox) Refund(_ context.Context, holdID, key string) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRefund); err != nil {
		return nil, err
	}
	if prev, ok := s.refundByKey[key]; ok && key != "" {
		out := *s.refunds[prev]
		return &out, nil
	}
	h, ok := s.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}
	if h.Status != HoldCaptured {
		return nil, fmt.Errorf("%w: hold is %s", ErrInvalidRequest, h.Status)
	}
	if _, ok := s.refunds[holdID]; ok {
		return nil, ErrAlreadyDone
	}
	r := &Refund{ID: idgen.WithPrefix("re_"), HoldID: holdID, Status: "succeeded"}
	s.refunds[holdID] = r
	if key != "" {
		s.refundByKey[key] = holdID
	}
	out := *r
	return &out, nil
}

func (s *Sandbox) FindRefund(_ context.Context, holdID string) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFindRefund); err != nil {
		return nil, err
	}
	r, ok := s.refunds[holdID]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (s *Sandbox) Transfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpTransfer); err != nil {
		return nil, err
	}
	if req.Amount <= 0 || req.Destination == "" {
		return nil, fmt.Errorf("%w: transfer needs a positive amount and a destination", ErrInvalidRequest)
	}
	if t, ok := s.transfers[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		out := *t
		return &out, nil
	}
	t := &Transfer{ID: idgen.WithPrefix("tr_"), Destination: req.Destination, Amount: req.Amount}
	key := req.IdempotencyKey
	if key == "" {
		key = t.ID
	}
	s.transfers[key] = t
	out := *t
	return &out, nil
}

// CreatePayoutAccount registers a fake connected account.
func (s *Sandbox) CreatePayoutAccount(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := idgen.WithPrefix("acct_")
	s.accounts[id] = true
	return id, nil
}

// OnboardingLink returns a local URL; there is nothing to onboard in the sandbox.
func (s *Sandbox) OnboardingLink(_ context.Context, accountID, _, returnURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accounts[accountID] {
		return "", ErrNotFound
	}
	return returnURL + "?account=" + accountID, nil
}

// ParseEvent decodes a JSON-encoded Event. The signature must equal the
// configured secret when one is set.
func (s *Sandbox) ParseEvent(payload []byte, signature string) (*Event, error) {
	if s.webhookSecret != "" && !hmac.Equal([]byte(signature), []byte(s.webhookSecret)) {
		return nil, ErrInvalidSignature
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if ev.Kind == "" {
		ev.Kind = EventUnknown
	}
	return &ev, nil
}

var (
	_ Processor   = (*Sandbox)(nil)
	_ EventParser = (*Sandbox)(nil)
	_ Onboarder   = (*Sandbox)(nil)
)
