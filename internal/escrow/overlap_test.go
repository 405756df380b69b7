package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func booking(id, partyID string, status CampaignStatus, start time.Time, days int, selectedAt *time.Time) *Campaign {
	return &Campaign{
		ID:              id,
		Status:          status,
		PaymentStatus:   PaymentNone,
		StartDate:       start,
		EndDate:         start.Add(time.Duration(days) * 24 * time.Hour),
		SelectedPartyID: partyID,
		SelectedAt:      selectedAt,
	}
}

func TestCampaign_OverlapsIsHalfOpen(t *testing.T) {
	day := 24 * time.Hour
	c := &Campaign{StartDate: t0, EndDate: t0.Add(7 * day)}

	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"identical", t0, t0.Add(7 * day), true},
		{"inside", t0.Add(day), t0.Add(2 * day), true},
		{"straddles start", t0.Add(-day), t0.Add(day), true},
		{"straddles end", t0.Add(6 * day), t0.Add(8 * day), true},
		{"ends where c starts", t0.Add(-day), t0, false},
		{"starts where c ends", t0.Add(7 * day), t0.Add(8 * day), false},
		{"far apart", t0.Add(30 * day), t0.Add(31 * day), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Overlaps(tt.start, tt.end))
		})
	}
}

func TestOverlapGuard_Check(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	guard := NewOverlapGuard(store)
	day := 24 * time.Hour

	for _, c := range []*Campaign{
		booking("cmp_funded", "cre_1", CampaignFunded, t0, 7, ptr(t0)),
		booking("cmp_done", "cre_1", CampaignCompleted, t0.Add(20*day), 7, ptr(t0)),
		booking("cmp_cancel", "cre_1", CampaignCancelled, t0.Add(40*day), 7, ptr(t0)),
		booking("cmp_other", "cre_2", CampaignActive, t0.Add(60*day), 7, ptr(t0)),
	} {
		require.NoError(t, store.CreateCampaign(ctx, c))
	}

	t.Run("conflict with booked campaign", func(t *testing.T) {
		id, err := guard.Check(ctx, "cre_1", t0.Add(3*day), t0.Add(10*day), "cmp_new")
		require.NoError(t, err)
		assert.Equal(t, "cmp_funded", id)
	})

	t.Run("adjacent window is free", func(t *testing.T) {
		id, err := guard.Check(ctx, "cre_1", t0.Add(7*day), t0.Add(9*day), "cmp_new")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("terminal campaigns do not block", func(t *testing.T) {
		id, err := guard.Check(ctx, "cre_1", t0.Add(20*day), t0.Add(50*day), "cmp_new")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("campaign being selected is excluded", func(t *testing.T) {
		id, err := guard.Check(ctx, "cre_1", t0, t0.Add(day), "cmp_funded")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("other party's bookings are ignored", func(t *testing.T) {
		id, err := guard.Check(ctx, "cre_1", t0.Add(60*day), t0.Add(61*day), "cmp_new")
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}

func TestOverlapGuard_RecheckAbortsOnAnyOverlap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	guard := NewOverlapGuard(store)

	a := booking("cmp_a", "cre_1", CampaignInfluencerSelected, t0, 7, ptr(t0))
	b := booking("cmp_b", "cre_1", CampaignInfluencerSelected, t0.Add(time.Hour), 7, ptr(t0))
	require.NoError(t, store.CreateCampaign(ctx, a))

	id, err := guard.Recheck(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, id, "alone on the calendar")

	require.NoError(t, store.CreateCampaign(ctx, b))

	id, err = guard.Recheck(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "cmp_b", id)

	id, err = guard.Recheck(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "cmp_a", id)
}

func TestOverlapGuard_RecheckWithoutSelection(t *testing.T) {
	guard := NewOverlapGuard(NewMemoryStore())
	id, err := guard.Recheck(context.Background(), &Campaign{ID: "cmp_1"})
	require.NoError(t, err)
	assert.Empty(t, id)
}
