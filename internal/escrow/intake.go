package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/pactum-labs/pactum/internal/idgen"
	"github.com/pactum-labs/pactum/internal/pagination"
	"github.com/pactum-labs/pactum/internal/validation"
)

// CreateCampaignRequest contains the parameters for a new campaign.
type CreateCampaignRequest struct {
	AssetType    string    `json:"assetType" binding:"required"`
	Requirements string    `json:"requirements" binding:"required"`
	BudgetMin    *int64    `json:"budgetMin,omitempty"`
	BudgetMax    *int64    `json:"budgetMax,omitempty"`
	StartDate    time.Time `json:"startDate" binding:"required"`
	EndDate      time.Time `json:"endDate" binding:"required"`
}

// ApplyRequest is a party's proposal.
type ApplyRequest struct {
	ProposedPrice int64  `json:"proposedPrice"`
	Message       string `json:"message,omitempty"`
}

// UpdateApplicationRequest edits an application that has not been decided yet.
type UpdateApplicationRequest struct {
	ProposedPrice *int64  `json:"proposedPrice,omitempty"`
	Message       *string `json:"message,omitempty"`
}

// CampaignPage is one page of ListCampaigns.
type CampaignPage struct {
	Campaigns  []*Campaign `json:"campaigns"`
	NextCursor string      `json:"nextCursor,omitempty"`
	HasMore    bool        `json:"hasMore"`
}

const (
	minRequirementsLen = 10
	maxRequirementsLen = 5000
	maxMessageLen      = 2000
)

// CreateCampaign opens a new campaign for funderID.
func (m *Machine) CreateCampaign(ctx context.Context, funderID string, req CreateCampaignRequest) (*Campaign, error) {
	requirements := strings.TrimSpace(req.Requirements)
	checks := []func() *validation.ValidationError{
		validation.Required("funderId", funderID),
		validation.OneOf("assetType", req.AssetType, string(AssetHeader), string(AssetBio), string(AssetPost)),
		validation.MinLength("requirements", requirements, minRequirementsLen),
		validation.MaxLength("requirements", requirements, maxRequirementsLen),
		validation.Before("endDate", req.StartDate, req.EndDate),
	}
	if req.BudgetMin != nil {
		checks = append(checks, validation.Positive("budgetMin", *req.BudgetMin))
	}
	if req.BudgetMax != nil {
		checks = append(checks, validation.Positive("budgetMax", *req.BudgetMax))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	if req.BudgetMin != nil && req.BudgetMax != nil && *req.BudgetMin > *req.BudgetMax {
		return nil, invalid("budgetMax", "must not be less than budgetMin")
	}

	now := m.now()
	c := &Campaign{
		ID:            idgen.Campaign(),
		FunderID:      funderID,
		AssetType:     AssetType(req.AssetType),
		Requirements:  requirements,
		BudgetMin:     req.BudgetMin,
		BudgetMax:     req.BudgetMax,
		StartDate:     req.StartDate.UTC(),
		EndDate:       req.EndDate.UTC(),
		Currency:      m.cfg.Currency,
		Status:        CampaignOpen,
		PaymentStatus: PaymentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	m.logger.Info("campaign created", "campaignId", c.ID, "funderId", funderID, "assetType", c.AssetType)
	return c, nil
}

// GetCampaign returns a campaign by ID.
func (m *Machine) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	return m.store.GetCampaign(ctx, id)
}

// ListCampaigns returns one page of campaigns, newest first.
func (m *Machine) ListCampaigns(ctx context.Context, filter CampaignFilter) (*CampaignPage, error) {
	filter.Limit = pagination.ClampLimit(filter.Limit)
	rows, err := m.store.ListCampaigns(ctx, filter)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, filter.Limit, func(c *Campaign) (time.Time, string) {
		return c.CreatedAt, c.ID
	})
	if items == nil {
		items = []*Campaign{}
	}
	return &CampaignPage{Campaigns: items, NextCursor: next, HasMore: more}, nil
}

// Apply records partyID's proposal for an open campaign. One application per
// party per campaign.
func (m *Machine) Apply(ctx context.Context, partyID, campaignID string, req ApplyRequest) (*Application, error) {
	if errs := validation.Validate(
		validation.Required("partyId", partyID),
		validation.Positive("proposedPrice", req.ProposedPrice),
		validation.MaxLength("message", req.Message, maxMessageLen),
	); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != CampaignOpen {
		return nil, conflictf("campaign is %s", c.Status)
	}
	if c.FunderID == partyID {
		return nil, ErrForbidden
	}

	now := m.now()
	app := &Application{
		ID:            idgen.Application(),
		CampaignID:    c.ID,
		PartyID:       partyID,
		ProposedPrice: req.ProposedPrice,
		Message:       validation.SanitizeString(req.Message, maxMessageLen),
		Status:        ApplicationApplied,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	// A selection may have closed the campaign after the read above, in which
	// case its sibling rejection could have missed this row.
	current, err := m.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != CampaignOpen {
		if _, err := m.store.UpdateApplication(ctx, app.ID,
			ApplicationCondition{Status: []ApplicationStatus{ApplicationApplied}},
			ApplicationPatch{Status: ptr(ApplicationRejected), UpdatedAt: m.now()},
		); err != nil {
			return nil, err
		}
		return nil, conflictf("campaign is %s", current.Status)
	}

	m.logger.Info("application submitted", "campaignId", c.ID, "applicationId", app.ID, "partyId", partyID)
	return app, nil
}

// GetApplication returns an application by ID.
func (m *Machine) GetApplication(ctx context.Context, id string) (*Application, error) {
	return m.store.GetApplication(ctx, id)
}

// ListApplications returns applications matching filter, oldest first.
func (m *Machine) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error) {
	apps, err := m.store.ListApplications(ctx, filter)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []*Application{}
	}
	return apps, nil
}

// UpdateApplication edits price or message while the application is still applied.
func (m *Machine) UpdateApplication(ctx context.Context, applicationID string, req UpdateApplicationRequest) (*Application, error) {
	var checks []func() *validation.ValidationError
	if req.ProposedPrice != nil {
		checks = append(checks, validation.Positive("proposedPrice", *req.ProposedPrice))
	}
	if req.Message != nil {
		checks = append(checks, validation.MaxLength("message", *req.Message, maxMessageLen))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	patch := ApplicationPatch{ProposedPrice: req.ProposedPrice, UpdatedAt: m.now()}
	if req.Message != nil {
		patch.Message = ptr(validation.SanitizeString(*req.Message, maxMessageLen))
	}
	return m.updateApplied(ctx, applicationID, patch, "update_application")
}

// Withdraw takes back an application that has not been decided yet.
func (m *Machine) Withdraw(ctx context.Context, applicationID string) (*Application, error) {
	return m.updateApplied(ctx, applicationID,
		ApplicationPatch{Status: ptr(ApplicationWithdrawn), UpdatedAt: m.now()}, "withdraw")
}

func (m *Machine) updateApplied(ctx context.Context, applicationID string, patch ApplicationPatch, event string) (*Application, error) {
	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationApplied {
		return nil, conflictf("application is %s", app.Status)
	}
	applied, err := m.store.UpdateApplication(ctx, app.ID,
		ApplicationCondition{Status: []ApplicationStatus{ApplicationApplied}}, patch)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, lost(event)
	}
	return m.store.GetApplication(ctx, app.ID)
}

// SetPayoutAccount records where partyID's payouts go.
func (m *Machine) SetPayoutAccount(ctx context.Context, partyID, accountID string) error {
	if errs := validation.Validate(
		validation.Required("partyId", partyID),
		validation.Required("accountId", accountID),
		validation.MaxLength("accountId", accountID, 255),
	); len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	if err := m.store.SetPayoutAccount(ctx, partyID, strings.TrimSpace(accountID)); err != nil {
		return err
	}
	m.logger.Info("payout account configured", "partyId", partyID)
	return nil
}

// PayoutAccount returns partyID's payout account or ErrNoPayoutAccount.
func (m *Machine) PayoutAccount(ctx context.Context, partyID string) (string, error) {
	return m.store.GetPayoutAccount(ctx, partyID)
}
