package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

const stateKey = "dev_ledger"

// SettingsRepository is the settings document store the bank persists itself to.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

type balanceState struct {
	Token  common.Address `json:"token"`
	Holder common.Address `json:"holder"`
	Amount string         `json:"amount"`
}

type allowanceState struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

type bankState struct {
	Balances   []balanceState   `json:"balances"`
	Allowances []allowanceState `json:"allowances"`
}

// Attach restores the bank from repo and writes every later transfer through to it, so
// balances survive a restart alongside the jobs they back. It reports whether a saved state
// was found; without one the bank keeps its current contents.
func (b *Bank) Attach(ctx context.Context, repo SettingsRepository) (bool, error) {
	raw, err := repo.GetSetting(ctx, stateKey)
	if err != nil && !errors.Is(err, ports.ErrSettingNotFound) {
		return false, fmt.Errorf("load ledger state: %w", err)
	}
	found := err == nil

	var state bankState
	if found {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return false, fmt.Errorf("unmarshal ledger state: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if found {
		if err := b.restore(state); err != nil {
			return false, err
		}
	}
	b.repo = repo
	b.logger.Info("ledger attached to settings store", "restored", found, "balances", len(state.Balances))
	return found, nil
}

// Save persists the current state. Mint and Approve only change memory until Save runs.
func (b *Bank) Save(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.repo == nil {
		return errors.New("ledger is not attached to a settings store")
	}
	return b.saveToDB(ctx)
}

// saveToDB writes the whole state. Caller holds mu.
func (b *Bank) saveToDB(ctx context.Context) error {
	var state bankState
	for token, holders := range b.balances {
		for holder, amount := range holders {
			if amount.Sign() == 0 {
				continue
			}
			state.Balances = append(state.Balances, balanceState{Token: token, Holder: holder, Amount: amount.String()})
		}
	}
	for token, grants := range b.allowances {
		for key, amount := range grants {
			state.Allowances = append(state.Allowances, allowanceState{Token: token, Owner: key.owner, Spender: key.spender, Amount: amount.String()})
		}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}
	return b.repo.SaveSetting(ctx, stateKey, string(raw))
}

// restore replaces the in-memory state. Caller holds mu.
func (b *Bank) restore(state bankState) error {
	balances := make(map[common.Address]map[common.Address]*big.Int)
	for _, e := range state.Balances {
		amount, ok := new(big.Int).SetString(e.Amount, 10)
		if !ok {
			return fmt.Errorf("ledger state: bad balance %q for %s", e.Amount, e.Holder)
		}
		if balances[e.Token] == nil {
			balances[e.Token] = make(map[common.Address]*big.Int)
		}
		balances[e.Token][e.Holder] = amount
	}

	allowances := make(map[common.Address]map[allowanceKey]*big.Int)
	for _, e := range state.Allowances {
		amount, ok := new(big.Int).SetString(e.Amount, 10)
		if !ok {
			return fmt.Errorf("ledger state: bad allowance %q for %s", e.Amount, e.Owner)
		}
		if allowances[e.Token] == nil {
			allowances[e.Token] = make(map[allowanceKey]*big.Int)
		}
		allowances[e.Token][allowanceKey{e.Owner, e.Spender}] = amount
	}

	b.balances = balances
	b.allowances = allowances
	return nil
}
