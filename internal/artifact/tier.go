package artifact

import (
	"fmt"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// TierFor picks the retention tier for an artifact created at t. The first
// day of the year is kept yearly, the first of any other month monthly.
func TierFor(t time.Time) domain.RetentionTier {
	t = t.UTC()
	switch {
	case t.YearDay() == 1:
		return domain.TierYearly
	case t.Day() == 1:
		return domain.TierMonthly
	default:
		return domain.TierStandard
	}
}

// Key is the storage key of an archive. The tier prefix lets lifecycle
// rules act on key prefixes alone.
func Key(tier domain.RetentionTier, userID, projectID, versionID string) string {
	return fmt.Sprintf("%s/%s/%s/%s.tar.gz", tier, userID, projectID, versionID)
}

// KeyVariants lists the key under every tier, most durable first. Used when
// the tier an archive was written under is unknown.
func KeyVariants(userID, projectID, versionID string) []string {
	keys := make([]string, 0, len(domain.RetentionTiers))
	for _, tier := range domain.RetentionTiers {
		keys = append(keys, Key(tier, userID, projectID, versionID))
	}
	return keys
}
