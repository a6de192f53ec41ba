package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mapSettings struct {
	mu      sync.Mutex
	values  map[string]string
	failing bool
}

func newMapSettings() *mapSettings {
	return &mapSettings{values: map[string]string{}}
}

func (m *mapSettings) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ports.ErrSettingNotFound
	}
	return v, nil
}

func (m *mapSettings) SaveSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.values[key] = value
	return nil
}

func TestPolicyStore_DefaultsArePersisted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	repo := newMapSettings()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	store, err := NewPolicyStore(context.Background(), logger, repo, domain.DefaultPolicy(owner))
	require.NoError(t, err)

	p := store.Policy()
	assert.Equal(t, owner, p.Owner)
	assert.Equal(t, owner, p.FeeRecipient)
	assert.False(t, p.Paused)
	assert.Contains(t, repo.values, policyKey)

	// A second store over the same settings sees the persisted document, not new defaults.
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	reloaded, err := NewPolicyStore(context.Background(), logger, repo, domain.DefaultPolicy(other))
	require.NoError(t, err)
	assert.Equal(t, owner, reloaded.Policy().Owner)
}

type MockSettings struct {
	mock.Mock
}

func (m *MockSettings) GetSetting(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockSettings) SaveSetting(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func TestPolicyStore_LoadErrorKeepsStoredPolicy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{name: "connection error", err: errors.New("connection reset by peer")},
		{name: "corrupt document", raw: "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockSettings)
			repo.On("GetSetting", mock.Anything, policyKey).Return(tt.raw, tt.err)

			store, err := NewPolicyStore(context.Background(), logger, repo, domain.DefaultPolicy(owner))
			require.Error(t, err)
			assert.Nil(t, store)
			assert.NotErrorIs(t, err, ports.ErrSettingNotFound)

			repo.AssertExpectations(t)
			repo.AssertNotCalled(t, "SaveSetting", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPolicyStore_UpdateAndOnChange(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	repo := newMapSettings()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	store, err := NewPolicyStore(context.Background(), logger, repo, domain.DefaultPolicy(owner))
	require.NoError(t, err)

	var seen []uint16
	store.OnChange(func(p domain.PlatformPolicy) {
		seen = append(seen, p.FeeBps)
		// Reading inside the callback must not deadlock.
		_ = store.Policy()
	})

	updated, err := store.UpdatePolicy(context.Background(), func(p *domain.PlatformPolicy) error {
		p.FeeBps = 200
		p.Paused = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(200), updated.FeeBps)
	assert.True(t, store.Policy().Paused)
	assert.Equal(t, []uint16{200}, seen)

	reloaded, err := NewPolicyStore(context.Background(), logger, repo, domain.DefaultPolicy(owner))
	require.NoError(t, err)
	assert.Equal(t, uint16(200), reloaded.Policy().FeeBps)
}

func TestPolicyStore_FailedUpdateChangesNothing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	repo := newMapSettings()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	store, err := NewPolicyStore(context.Background(), logger, repo, domain.DefaultPolicy(owner))
	require.NoError(t, err)

	_, err = store.UpdatePolicy(context.Background(), func(p *domain.PlatformPolicy) error {
		p.FeeBps = 900
		return domain.ErrFeeTooHigh
	})
	assert.ErrorIs(t, err, domain.ErrFeeTooHigh)
	assert.Equal(t, uint16(0), store.Policy().FeeBps)

	repo.failing = true
	_, err = store.UpdatePolicy(context.Background(), func(p *domain.PlatformPolicy) error {
		p.Paused = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, store.Policy().Paused)
}

func TestPolicyStore_PolicyIsACopy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	store, err := NewPolicyStore(context.Background(), logger, newMapSettings(), domain.DefaultPolicy(owner))
	require.NoError(t, err)

	custodian := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	_, err = store.UpdatePolicy(context.Background(), func(p *domain.PlatformPolicy) error {
		p.SetAllowlisted(custodian, true)
		return nil
	})
	require.NoError(t, err)

	p := store.Policy()
	p.Allowlist[0] = common.Address{}
	assert.True(t, store.Policy().IsAllowlisted(custodian))
}
