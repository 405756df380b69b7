package escrow

import (
	"fmt"
	"slices"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignOpen:               {CampaignInfluencerSelected, CampaignCancelled},
	CampaignInfluencerSelected: {CampaignFunded, CampaignOpen, CampaignCancelled},
	CampaignFunded:             {CampaignActive, CampaignInfluencerSelected, CampaignCancelled},
	CampaignActive:             {CampaignCompleted, CampaignCancelled},
	CampaignCompleted:          nil,
	CampaignCancelled:          nil,
}

var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	ApplicationApplied:        {ApplicationSelected, ApplicationRejected, ApplicationWithdrawn},
	ApplicationSelected:       {ApplicationProofSubmitted, ApplicationFailedProof, ApplicationApplied},
	ApplicationProofSubmitted: {ApplicationApproved, ApplicationDisputed},
	ApplicationApproved:       {ApplicationReleased},
	ApplicationReleased:       nil,
	ApplicationRejected:       nil,
	ApplicationWithdrawn:      nil,
	ApplicationFailedProof:    nil,
	ApplicationDisputed:       nil,
}

// Pre-hold states may move freely among themselves: the payer can retry a
// declined card against the same hold.
var preHold = []PaymentStatus{PaymentNone, PaymentRequiresPayment, PaymentProcessing, PaymentFailed}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentNone:            append(slices.Clone(preHold), PaymentRequiresCapture, PaymentCaptured, PaymentCanceled),
	PaymentRequiresPayment: append(slices.Clone(preHold), PaymentRequiresCapture, PaymentCaptured, PaymentCanceled),
	PaymentProcessing:      append(slices.Clone(preHold), PaymentRequiresCapture, PaymentCaptured, PaymentCanceled),
	PaymentFailed:          append(slices.Clone(preHold), PaymentRequiresCapture, PaymentCaptured, PaymentCanceled),
	// refunded is reachable directly when the refund webhook overtakes the capture webhook.
	PaymentRequiresCapture: {PaymentCaptured, PaymentCanceled, PaymentRefunded},
	PaymentCaptured:        {PaymentRefunded},
	PaymentRefunded:        nil,
	PaymentCanceled:        nil,
}

// CanTransitionCampaign reports whether from → to is a legal campaign step.
func CanTransitionCampaign(from, to CampaignStatus) bool {
	return slices.Contains(campaignTransitions[from], to)
}

// CanTransitionApplication reports whether from → to is a legal application step.
func CanTransitionApplication(from, to ApplicationStatus) bool {
	return slices.Contains(applicationTransitions[from], to)
}

// CanTransitionPayment reports whether from → to is a legal payment step.
// Staying in place is always legal.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return from == to || slices.Contains(paymentTransitions[from], to)
}

// checkCampaignUpdate rejects condition/patch pairs that could produce an
// illegal transition. It runs before the store is touched, so a bad pair is a
// programming error rather than a lost race.
func checkCampaignUpdate(cond CampaignCondition, patch CampaignPatch) error {
	if patch.Status != nil {
		if len(cond.Status) == 0 {
			return fmt.Errorf("%w: campaign status change to %s needs an expected status", ErrIllegalTransition, *patch.Status)
		}
		for _, from := range cond.Status {
			if !CanTransitionCampaign(from, *patch.Status) {
				return fmt.Errorf("%w: campaign %s → %s", ErrIllegalTransition, from, *patch.Status)
			}
		}
	}
	if patch.PaymentStatus != nil {
		if len(cond.PaymentStatus) == 0 {
			return fmt.Errorf("%w: payment status change to %s needs an expected status", ErrIllegalTransition, *patch.PaymentStatus)
		}
		for _, from := range cond.PaymentStatus {
			if !CanTransitionPayment(from, *patch.PaymentStatus) {
				return fmt.Errorf("%w: payment %s → %s", ErrIllegalTransition, from, *patch.PaymentStatus)
			}
		}
	}
	if patch.ClearSelection {
		if patch.Selection != nil || patch.Status == nil || *patch.Status != CampaignOpen {
			return fmt.Errorf("%w: selection may only be cleared when reverting to open", ErrIllegalTransition)
		}
	}
	return nil
}

func checkApplicationUpdate(cond ApplicationCondition, patch ApplicationPatch) error {
	if patch.Status == nil {
		return nil
	}
	if len(cond.Status) == 0 {
		return fmt.Errorf("%w: application status change to %s needs an expected status", ErrIllegalTransition, *patch.Status)
	}
	for _, from := range cond.Status {
		if !CanTransitionApplication(from, *patch.Status) {
			return fmt.Errorf("%w: application %s → %s", ErrIllegalTransition, from, *patch.Status)
		}
	}
	return nil
}

// campaignMatches evaluates cond and the set-once rules against c.
func campaignMatches(c *Campaign, cond CampaignCondition, patch CampaignPatch) bool {
	if len(cond.Status) > 0 && !slices.Contains(cond.Status, c.Status) {
		return false
	}
	if len(cond.PaymentStatus) > 0 && !slices.Contains(cond.PaymentStatus, c.PaymentStatus) {
		return false
	}
	if cond.SelectedApplicationID != "" && c.SelectedApplicationID != cond.SelectedApplicationID {
		return false
	}
	if patch.Selection != nil && c.SelectedApplicationID != "" {
		return false
	}
	if !setOnce(c.AuthorizationID, patch.AuthorizationID) ||
		!setOnce(c.RefundID, patch.RefundID) ||
		!setOnce(c.TransferID, patch.TransferID) {
		return false
	}
	return true
}

func setOnce(current, next string) bool {
	return next == "" || current == "" || current == next
}

// applyCampaignPatch mutates c in place. Callers check campaignMatches first.
func applyCampaignPatch(c *Campaign, patch CampaignPatch) {
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.PaymentStatus != nil {
		c.PaymentStatus = *patch.PaymentStatus
	}
	if patch.ClearSelection {
		c.SelectedApplicationID = ""
		c.SelectedPartyID = ""
		c.SelectedAt = nil
		c.Financials = nil
	}
	if s := patch.Selection; s != nil {
		c.SelectedApplicationID = s.ApplicationID
		c.SelectedPartyID = s.PartyID
		c.SelectedAt = ptr(s.At)
		c.Financials = ptr(s.Financials)
	}
	if patch.AuthorizationID != "" {
		c.AuthorizationID = patch.AuthorizationID
	}
	if patch.RefundID != "" {
		c.RefundID = patch.RefundID
	}
	if patch.TransferID != "" {
		c.TransferID = patch.TransferID
	}
	if patch.CapturedAt != nil && c.CapturedAt == nil {
		c.CapturedAt = ptr(*patch.CapturedAt)
	}
	if patch.RefundedAt != nil && c.RefundedAt == nil {
		c.RefundedAt = ptr(*patch.RefundedAt)
	}
	if patch.PaidOutAt != nil && c.PaidOutAt == nil {
		c.PaidOutAt = ptr(*patch.PaidOutAt)
	}
	if !patch.UpdatedAt.IsZero() {
		c.UpdatedAt = patch.UpdatedAt
	}
}

func applicationMatches(a *Application, cond ApplicationCondition) bool {
	return len(cond.Status) == 0 || slices.Contains(cond.Status, a.Status)
}

func applyApplicationPatch(a *Application, patch ApplicationPatch) {
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	if patch.ProposedPrice != nil {
		a.ProposedPrice = *patch.ProposedPrice
	}
	if patch.Message != nil {
		a.Message = *patch.Message
	}
	if patch.ProofURL != nil {
		a.ProofURL = *patch.ProofURL
	}
	if patch.ProofNotes != nil {
		a.ProofNotes = *patch.ProofNotes
	}
	if patch.ProofSubmittedAt != nil {
		a.ProofSubmittedAt = ptr(*patch.ProofSubmittedAt)
	}
	if patch.ProofDueAt != nil {
		a.ProofDueAt = ptr(*patch.ProofDueAt)
	}
	if patch.ReviewDueAt != nil {
		a.ReviewDueAt = ptr(*patch.ReviewDueAt)
	}
	if patch.ApprovedAt != nil {
		a.ApprovedAt = ptr(*patch.ApprovedAt)
	}
	if patch.RejectedReason != nil {
		a.RejectedReason = *patch.RejectedReason
	}
	if !patch.UpdatedAt.IsZero() {
		a.UpdatedAt = patch.UpdatedAt
	}
}
