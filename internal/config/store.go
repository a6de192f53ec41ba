package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

const policyKey = "platform_policy"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called after the policy is updated.
type OnChangeFunc func(p domain.PlatformPolicy)

// PolicyStore keeps the platform admission policy in memory and persists it as a JSON
// document in the settings table.
type PolicyStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	repo     SettingsRepository
	policy   domain.PlatformPolicy
	onChange []OnChangeFunc
}

// NewPolicyStore loads the persisted policy, or persists and uses defaults when none is saved.
// Any other load failure is returned as is: the stored policy is never overwritten on a guess.
func NewPolicyStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, defaults domain.PlatformPolicy) (*PolicyStore, error) {
	store := &PolicyStore{
		logger: logger,
		repo:   repo,
	}

	policy, err := store.loadFromDB(ctx)
	switch {
	case errors.Is(err, ports.ErrSettingNotFound):
		logger.Warn("no saved platform policy found, using defaults")
		policy = defaults.Clone()
		if err := store.saveToDB(ctx, policy); err != nil {
			return nil, fmt.Errorf("failed to save default policy: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load platform policy: %w", err)
	}

	store.policy = policy
	return store, nil
}

// OnChange registers a callback for when the policy is updated.
func (s *PolicyStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Policy returns a copy of the current policy.
func (s *PolicyStore) Policy() domain.PlatformPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Clone()
}

// UpdatePolicy applies mutate to a copy of the policy, persists it and triggers onChange
// callbacks. Nothing changes when mutate or persistence fails.
func (s *PolicyStore) UpdatePolicy(ctx context.Context, mutate func(p *domain.PlatformPolicy) error) (domain.PlatformPolicy, error) {
	s.mu.Lock()

	next := s.policy.Clone()
	if err := mutate(&next); err != nil {
		s.mu.Unlock()
		return domain.PlatformPolicy{}, err
	}
	if err := s.saveToDB(ctx, next); err != nil {
		s.mu.Unlock()
		return domain.PlatformPolicy{}, err
	}
	s.policy = next
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	// Outside the lock: callbacks may read the policy.
	for _, fn := range callbacks {
		fn(next.Clone())
	}
	return next.Clone(), nil
}

func (s *PolicyStore) loadFromDB(ctx context.Context) (domain.PlatformPolicy, error) {
	raw, err := s.repo.GetSetting(ctx, policyKey)
	if err != nil {
		return domain.PlatformPolicy{}, err
	}

	var policy domain.PlatformPolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return domain.PlatformPolicy{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	return policy.Clone(), nil
}

func (s *PolicyStore) saveToDB(ctx context.Context, policy domain.PlatformPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return s.repo.SaveSetting(ctx, policyKey, string(raw))
}
