// Package tenant models tenant isolation tiers and tier migration phases.
package tenant

import "strings"

// Tier is a tenant isolation level.
type Tier string

const (
	// TierRowLevel shares tables across tenants with row-level scoping.
	TierRowLevel Tier = "row_level"
	// TierSchemaPerTenant gives the tenant a dedicated schema.
	TierSchemaPerTenant Tier = "schema_per_tenant"
	// TierDatabasePerTenant gives the tenant a dedicated database.
	TierDatabasePerTenant Tier = "database_per_tenant"
)

// IsValid reports whether the tier is one of the known isolation levels.
func (t Tier) IsValid() bool {
	switch t {
	case TierRowLevel, TierSchemaPerTenant, TierDatabasePerTenant:
		return true
	}
	return false
}

// rank orders tiers from least to most isolated.
func (t Tier) rank() int {
	switch t {
	case TierRowLevel:
		return 0
	case TierSchemaPerTenant:
		return 1
	case TierDatabasePerTenant:
		return 2
	}
	return -1
}

// IsPromotionTo reports whether target is exactly one isolation level above t.
// Tier migrations only move one level at a time.
func (t Tier) IsPromotionTo(target Tier) bool {
	return t.rank() >= 0 && target.rank() == t.rank()+1
}

// ParseTier normalizes a tier string.
func ParseTier(value string) (Tier, bool) {
	tier := Tier(strings.TrimSpace(strings.ToLower(value)))
	return tier, tier.IsValid()
}

// Thresholds holds the aggregate-count limits that trigger tier promotions.
// Zero disables the corresponding promotion.
type Thresholds struct {
	// SchemaPerTenant promotes row_level tenants above this aggregate count.
	SchemaPerTenant int64
	// DatabasePerTenant promotes schema_per_tenant tenants above this count.
	DatabasePerTenant int64
}

// PromotionFor returns the target tier a tenant at the current tier should be
// promoted to given its aggregate count, or ok=false when no promotion is due.
func (t Thresholds) PromotionFor(current Tier, aggregateCount int64) (Tier, bool) {
	switch current {
	case TierRowLevel:
		if t.SchemaPerTenant > 0 && aggregateCount > t.SchemaPerTenant {
			return TierSchemaPerTenant, true
		}
	case TierSchemaPerTenant:
		if t.DatabasePerTenant > 0 && aggregateCount > t.DatabasePerTenant {
			return TierDatabasePerTenant, true
		}
	}
	return "", false
}
