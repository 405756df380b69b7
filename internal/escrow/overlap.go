package escrow

import (
	"context"
	"time"

	"github.com/pactum-labs/pactum/internal/syncutil"
)

// OverlapGuard checks a party's calendar before a selection takes effect.
type OverlapGuard struct {
	store Store
	locks *syncutil.KeyedMutex
}

// NewOverlapGuard creates a guard reading bookings from store.
func NewOverlapGuard(store Store) *OverlapGuard {
	return &OverlapGuard{store: store, locks: syncutil.NewKeyedMutex()}
}

// Lock serializes selections for one party within this process so that
// same-process races resolve to one winner instead of two aborts. Overlap
// safety does not depend on it: Recheck after the selection write is what
// guarantees a party is never booked twice, across instances too.
func (g *OverlapGuard) Lock(ctx context.Context, partyID string) (func(), error) {
	return g.locks.Lock(ctx, partyID)
}

// Check returns the ID of a booked campaign whose window intersects
// [start, end) for the party, or "" when the party is free. The campaign
// being selected is excluded.
func (g *OverlapGuard) Check(ctx context.Context, partyID string, start, end time.Time, excludeCampaignID string) (string, error) {
	bookings, err := g.store.ListBookings(ctx, partyID)
	if err != nil {
		return "", err
	}
	for _, b := range bookings {
		if b.ID == excludeCampaignID {
			continue
		}
		if b.Overlaps(start, end) {
			return b.ID, nil
		}
	}
	return "", nil
}

// Recheck runs after a selection committed. Two selections for the same party
// can both pass Check and both commit. Whichever rechecks second always sees
// the other, so aborting on any overlap leaves at most one booking standing.
// Both may abort under a close race; the funder retries. It returns the ID of
// the conflicting booking, or "" when c keeps its selection.
func (g *OverlapGuard) Recheck(ctx context.Context, c *Campaign) (string, error) {
	if c.SelectedPartyID == "" {
		return "", nil
	}
	return g.Check(ctx, c.SelectedPartyID, c.StartDate, c.EndDate, c.ID)
}
