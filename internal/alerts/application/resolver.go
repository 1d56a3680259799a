package application

import (
	"context"
	"errors"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/observability/metrics"

	"go.uber.org/zap"
)

// RuleResolver merges rule fragments across organization, site and unit scope.
// It never fails: unusable configuration resolves to the conservative default.
type RuleResolver struct {
	rules  RuleStore
	units  UnitDirectory
	logger *zap.Logger
}

// NewRuleResolver constructs a resolver.
func NewRuleResolver(rules RuleStore, units UnitDirectory, logger *zap.Logger) (*RuleResolver, error) {
	if rules == nil || units == nil {
		return nil, errors.New("rule resolver: nil store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleResolver{rules: rules, units: units, logger: logger.Named("rules")}, nil
}

// Resolve returns the effective rule for a unit id.
func (r *RuleResolver) Resolve(ctx context.Context, unitID string) alerts.EffectiveRule {
	unit, err := r.units.GetUnit(ctx, unitID)
	if err != nil {
		return r.fallback("unit_lookup", unitID, err)
	}
	return r.ResolveUnit(ctx, unit)
}

// ResolveUnit returns the effective rule for a known unit.
func (r *RuleResolver) ResolveUnit(ctx context.Context, unit alerts.Unit) alerts.EffectiveRule {
	scopes := []struct {
		scope alerts.Scope
		id    string
	}{
		{alerts.ScopeOrganization, unit.OrganizationID},
		{alerts.ScopeSite, unit.SiteID},
		{alerts.ScopeUnit, unit.ID},
	}
	fragments := make([]*alerts.RuleFragment, 0, len(scopes))
	for _, s := range scopes {
		if s.id == "" {
			continue
		}
		fragment, err := r.rules.GetRules(ctx, s.scope, s.id)
		if err != nil {
			return r.fallback("store_error", unit.ID, err)
		}
		if fragment == nil {
			continue
		}
		if err := fragment.Validate(); err != nil {
			return r.fallback("invalid_fragment", unit.ID, err)
		}
		fragments = append(fragments, fragment)
	}
	if len(fragments) == 0 {
		return r.fallback("no_rules", unit.ID, nil)
	}
	rule := alerts.MergeRuleFragments(fragments...)
	if err := rule.Validate(); err != nil {
		return r.fallback("invalid_merge", unit.ID, err)
	}
	return rule
}

func (r *RuleResolver) fallback(reason, unitID string, err error) alerts.EffectiveRule {
	metrics.IncRuleFallback(reason)
	if err != nil {
		r.logger.Error("rule resolution failed, using conservative default",
			zap.String("unit_id", unitID), zap.String("reason", reason), zap.Error(err))
	} else {
		r.logger.Debug("no rules configured, using conservative default", zap.String("unit_id", unitID))
	}
	return alerts.ConservativeRule()
}
