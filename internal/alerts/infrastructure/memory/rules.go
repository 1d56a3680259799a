package memory

import (
	"context"
	"sort"
	"sync"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// RuleStore is an in-memory rule fragment store.
type RuleStore struct {
	mu   sync.RWMutex
	data map[string]alerts.RuleFragment
}

// NewRuleStore constructs a store.
func NewRuleStore() *RuleStore {
	return &RuleStore{data: make(map[string]alerts.RuleFragment)}
}

func ruleKey(scope alerts.Scope, scopeID string) string {
	return string(scope) + "|" + scopeID
}

// PutRules stores a fragment, replacing any fragment bound to the same scope.
func (s *RuleStore) PutRules(_ context.Context, fragment alerts.RuleFragment) error {
	if err := fragment.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data[ruleKey(fragment.Scope, fragment.ScopeID)] = fragment
	s.mu.Unlock()
	return nil
}

// GetRules returns the fragment for a scope, nil when none is defined.
func (s *RuleStore) GetRules(_ context.Context, scope alerts.Scope, scopeID string) (*alerts.RuleFragment, error) {
	s.mu.RLock()
	fragment, ok := s.data[ruleKey(scope, scopeID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &fragment, nil
}

// ListRules returns every stored fragment ordered by scope key.
func (s *RuleStore) ListRules(_ context.Context) ([]alerts.RuleFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]alerts.RuleFragment, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.data[k])
	}
	return out, nil
}
