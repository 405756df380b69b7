package escrow

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pactum-labs/pactum/internal/pagination"
)

// MemoryStore is an in-memory store for development mode and tests. Its mutex
// plays the role of the database's row locking: each UpdateCampaign and
// UpdateApplication call is one atomic compare-and-set.
type MemoryStore struct {
	campaigns      map[string]*Campaign
	applications   map[string]*Application
	payoutAccounts map[string]string
	mu             sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:      make(map[string]*Campaign),
		applications:   make(map[string]*Application),
		payoutAccounts: make(map[string]string),
	}
}

func (m *MemoryStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.campaigns[c.ID]; ok {
		return conflictf("campaign %s already exists", c.ID)
	}
	m.campaigns[c.ID] = c.clone()
	return nil
}

func (m *MemoryStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return c.clone(), nil
}

func (m *MemoryStore) GetCampaignByAuthorization(ctx context.Context, authorizationID string) (*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if authorizationID == "" {
		return nil, ErrCampaignNotFound
	}
	for _, c := range m.campaigns {
		if c.AuthorizationID == authorizationID {
			return c.clone(), nil
		}
	}
	return nil, ErrCampaignNotFound
}

func (m *MemoryStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error) {
	cursor, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, invalid("cursor", err.Error())
	}
	limit := pagination.ClampLimit(filter.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Campaign
	for _, c := range m.campaigns {
		if filter.FunderID != "" && c.FunderID != filter.FunderID {
			continue
		}
		if filter.PartyID != "" && c.SelectedPartyID != filter.PartyID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !cursor.Precedes(c.CreatedAt, c.ID) {
			continue
		}
		out = append(out, c.clone())
	}
	sortNewestFirst(out)
	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out, nil
}

func (m *MemoryStore) UpdateCampaign(ctx context.Context, id string, cond CampaignCondition, patch CampaignPatch) (bool, error) {
	if err := checkCampaignUpdate(cond, patch); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrCampaignNotFound
	}
	if !campaignMatches(c, cond, patch) {
		return false, nil
	}
	applyCampaignPatch(c, patch)
	return true, nil
}

func (m *MemoryStore) ListBookings(ctx context.Context, partyID string) ([]*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Campaign
	for _, c := range m.campaigns {
		if c.SelectedPartyID == partyID && slices.Contains(BookingStatuses, c.Status) {
			out = append(out, c.clone())
		}
	}
	sortByID(out)
	return out, nil
}

func (m *MemoryStore) ListCampaignsDue(ctx context.Context, status CampaignStatus, field DeadlineField, before time.Time, after string, limit int) ([]*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Campaign
	for _, c := range m.campaigns {
		if c.Status != status || c.ID <= after {
			continue
		}
		var due time.Time
		switch field {
		case DeadlineStart:
			due = c.StartDate
		case DeadlineEnd:
			due = c.EndDate
		default:
			return nil, invalid("field", "unsupported campaign deadline "+string(field))
		}
		if !due.After(before) {
			out = append(out, c.clone())
		}
	}
	sortByID(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListStranded(ctx context.Context, after string, limit int) ([]*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Campaign
	for _, c := range m.campaigns {
		if c.ID <= after {
			continue
		}
		switch c.Status {
		case CampaignCancelled:
			if c.AuthorizationID != "" && slices.Contains(LivePayments, c.PaymentStatus) {
				out = append(out, c.clone())
			}
		case CampaignActive:
			a, ok := m.applications[c.SelectedApplicationID]
			if ok && (a.Status == ApplicationFailedProof || a.Status == ApplicationDisputed) {
				out = append(out, c.clone())
			}
		}
	}
	sortByID(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) CreateApplication(ctx context.Context, a *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.applications {
		if existing.CampaignID == a.CampaignID && existing.PartyID == a.PartyID {
			return conflictf("party has already applied to this campaign")
		}
	}
	cp := *a
	m.applications[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.applications[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Application
	for _, a := range m.applications {
		if filter.CampaignID != "" && a.CampaignID != filter.CampaignID {
			continue
		}
		if filter.PartyID != "" && a.PartyID != filter.PartyID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateApplication(ctx context.Context, id string, cond ApplicationCondition, patch ApplicationPatch) (bool, error) {
	if err := checkApplicationUpdate(cond, patch); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.applications[id]
	if !ok {
		return false, ErrApplicationNotFound
	}
	if !applicationMatches(a, cond) {
		return false, nil
	}
	applyApplicationPatch(a, patch)
	return true, nil
}

func (m *MemoryStore) RejectSiblings(ctx context.Context, campaignID, keepID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.applications {
		if a.CampaignID == campaignID && a.ID != keepID && a.Status == ApplicationApplied {
			a.Status = ApplicationRejected
			a.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListApplicationsDue(ctx context.Context, status ApplicationStatus, field DeadlineField, before time.Time, after string, limit int) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Application
	for _, a := range m.applications {
		if a.Status != status || a.ID <= after {
			continue
		}
		var due *time.Time
		switch field {
		case DeadlineProof:
			due = a.ProofDueAt
		case DeadlineReview:
			due = a.ReviewDueAt
		default:
			return nil, invalid("field", "unsupported application deadline "+string(field))
		}
		if due != nil && !due.After(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetPayoutAccount(ctx context.Context, partyID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payoutAccounts[partyID] = accountID
	return nil
}

func (m *MemoryStore) GetPayoutAccount(ctx context.Context, partyID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.payoutAccounts[partyID]
	if !ok || acct == "" {
		return "", ErrNoPayoutAccount
	}
	return acct, nil
}

func sortNewestFirst(cs []*Campaign) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID > cs[j].ID
		}
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}

func sortByID(cs []*Campaign) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func truncate(cs []*Campaign, limit int) []*Campaign {
	if limit > 0 && len(cs) > limit {
		return cs[:limit]
	}
	return cs
}

var _ Store = (*MemoryStore)(nil)
