package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// TransferHook observes a completed movement. It runs after the bank lock is released and
// receives the caller's context, so it may call back into whoever initiated the transfer.
type TransferHook func(ctx context.Context, token, from, to common.Address, amount *big.Int)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Bank is an in-process multi-token ledger with ERC-20 style balances and allowances.
// It backs development deployments and tests; production ledgers live outside the process.
// Once attached to a settings store, every transfer is persisted before it is acknowledged.
type Bank struct {
	mu         sync.Mutex
	logger     *slog.Logger
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
	hooks      []TransferHook
	repo       SettingsRepository
}

func NewBank(logger *slog.Logger) *Bank {
	return &Bank{
		logger:     logger,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[allowanceKey]*big.Int),
	}
}

// OnTransfer registers a hook run after every successful transfer.
func (b *Bank) OnTransfer(hook TransferHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, hook)
}

// Mint credits amount of token to holder.
func (b *Bank) Mint(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balance(token, holder)
	bal.Add(bal, amount)
	b.logger.Debug("minted", "token", token, "holder", holder, "amount", amount)
}

// Approve sets the allowance spender may draw from owner.
func (b *Bank) Approve(token, owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowances[token] == nil {
		b.allowances[token] = make(map[allowanceKey]*big.Int)
	}
	b.allowances[token][allowanceKey{owner, spender}] = new(big.Int).Set(amount)
}

func (b *Bank) Balance(token, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance(token, holder))
}

func (b *Bank) AllowanceOf(token, owner, spender common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.allowances[token][allowanceKey{owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Account binds the bank to one token and one acting holder.
func (b *Bank) Account(token, holder common.Address) *Account {
	return &Account{bank: b, token: token, holder: holder}
}

// Holdings returns the TokenLedgers view of every token held by holder.
func (b *Bank) Holdings(holder common.Address) *Holdings {
	return &Holdings{bank: b, holder: holder}
}

// balance returns the live entry. Caller holds mu.
func (b *Bank) balance(token, holder common.Address) *big.Int {
	if b.balances[token] == nil {
		b.balances[token] = make(map[common.Address]*big.Int)
	}
	bal, ok := b.balances[token][holder]
	if !ok {
		bal = new(big.Int)
		b.balances[token][holder] = bal
	}
	return bal
}

func (b *Bank) move(ctx context.Context, token, spender, from, to common.Address, amount *big.Int, useAllowance bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	var allowed *big.Int
	if useAllowance {
		allowed = b.allowances[token][allowanceKey{from, spender}]
		if allowed == nil || allowed.Cmp(amount) < 0 {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s may spend %s of %s, needs %s", ErrInsufficientAllowance, spender, allowedOrZero(allowed), from, amount)
		}
	}
	src := b.balance(token, from)
	if src.Cmp(amount) < 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, src, amount)
	}
	if allowed != nil {
		allowed.Sub(allowed, amount)
	}
	src.Sub(src, amount)
	dst := b.balance(token, to)
	dst.Add(dst, amount)
	if b.repo != nil {
		if err := b.saveToDB(ctx); err != nil {
			dst.Sub(dst, amount)
			src.Add(src, amount)
			if allowed != nil {
				allowed.Add(allowed, amount)
			}
			b.mu.Unlock()
			return fmt.Errorf("persist transfer: %w", err)
		}
	}
	hooks := append([]TransferHook(nil), b.hooks...)
	b.mu.Unlock()

	b.logger.Debug("transfer", "token", token, "from", from, "to", to, "amount", amount)
	for _, hook := range hooks {
		hook(ctx, token, from, to, new(big.Int).Set(amount))
	}
	return nil
}

func allowedOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// Account is an EscrowLedger for a single token, acting as holder.
type Account struct {
	bank   *Bank
	token  common.Address
	holder common.Address
}

var _ ports.EscrowLedger = (*Account)(nil)

// TransferFrom spends an allowance owner granted to the account holder.
func (a *Account) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return a.bank.move(ctx, a.token, a.holder, from, to, amount, true)
}

// Transfer moves the holder's own funds.
func (a *Account) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return a.bank.move(ctx, a.token, a.holder, a.holder, to, amount, false)
}

func (a *Account) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	return a.bank.Balance(a.token, account), nil
}

func (a *Account) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	return a.bank.AllowanceOf(a.token, owner, spender), nil
}

// Holdings resolves per-token accounts of one holder.
type Holdings struct {
	bank   *Bank
	holder common.Address
}

var _ ports.TokenLedgers = (*Holdings)(nil)

func (h *Holdings) Ledger(token common.Address) (ports.EscrowLedger, error) {
	return h.bank.Account(token, h.holder), nil
}
