// Package idgen generates identifiers for campaigns, applications and
// sandbox processor objects.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

const (
	CampaignPrefix    = "cmp_"
	ApplicationPrefix = "app_"
)

// WithPrefix returns prefix followed by the 32 hex digits of a random UUID,
// e.g. "cmp_9f0c1d..." or "pi_5b2e...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func Campaign() string    { return WithPrefix(CampaignPrefix) }
func Application() string { return WithPrefix(ApplicationPrefix) }
