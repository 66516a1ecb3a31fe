// Package limits reads per-org plan entitlements: how many pipeline runs an
// organization may start per day and per month, and how many may run at once.
// It is the read-only limit source consumed by the quota reservation service.
package limits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/conveyor/pkg/quota"
)

// PlanTier represents subscription plan tiers
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
	PlanCustom     PlanTier = "custom"
)

// Source provides per-org limits. Refresh must bypass any caching layer.
type Source interface {
	OrgLimits(ctx context.Context, orgID int64) (quota.Limits, error)
	Refresh(ctx context.Context, orgID int64) (quota.Limits, error)
}

// DefaultLimits returns the built-in entitlements for a plan tier
func DefaultLimits(tier PlanTier) quota.Limits {
	switch tier {
	case PlanPro:
		return quota.Limits{Daily: 200, Monthly: 3000, Concurrent: 10}
	case PlanEnterprise:
		return quota.Limits{Daily: 2000, Monthly: 40000, Concurrent: 50}
	default:
		return quota.Limits{Daily: 10, Monthly: 100, Concurrent: 2}
	}
}

// StaticSource serves the same limits to every org. Development mode and
// tests only.
type StaticSource struct {
	Limits quota.Limits
}

// OrgLimits returns the fixed limits
func (s StaticSource) OrgLimits(ctx context.Context, orgID int64) (quota.Limits, error) {
	return s.Limits, nil
}

// Refresh returns the fixed limits
func (s StaticSource) Refresh(ctx context.Context, orgID int64) (quota.Limits, error) {
	return s.Limits, nil
}

// PostgresSource reads limits from the org_plans table. Custom-tier rows
// carry explicit limits; other tiers fall back to the plan defaults.
//
// Table:
//
//	org_plans (org_id BIGINT PRIMARY KEY, plan_tier, daily_limit,
//	           monthly_limit, concurrent_limit)
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a PostgresSource
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// OrgLimits returns the org's entitlements. Orgs with no plan row get the
// free tier.
func (s *PostgresSource) OrgLimits(ctx context.Context, orgID int64) (quota.Limits, error) {
	var tier string
	var daily, monthly, concurrent sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_tier, daily_limit, monthly_limit, concurrent_limit FROM org_plans WHERE org_id = $1`,
		orgID).Scan(&tier, &daily, &monthly, &concurrent)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultLimits(PlanFree), nil
	}
	if err != nil {
		return quota.Limits{}, fmt.Errorf("failed to query org plan: %w", err)
	}

	limits := DefaultLimits(PlanTier(tier))
	if daily.Valid {
		limits.Daily = int(daily.Int64)
	}
	if monthly.Valid {
		limits.Monthly = int(monthly.Int64)
	}
	if concurrent.Valid {
		limits.Concurrent = int(concurrent.Int64)
	}
	return limits, nil
}

// Refresh is identical to OrgLimits; the Postgres source has no cache
func (s *PostgresSource) Refresh(ctx context.Context, orgID int64) (quota.Limits, error) {
	return s.OrgLimits(ctx, orgID)
}
