package services

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
)

const (
	OpPause             = "pause"
	OpUnpause           = "unpause"
	OpSetFee            = "set_fee"
	OpSetFeeRecipient   = "set_fee_recipient"
	OpSetAllowlisted    = "set_allowlisted"
	OpWithdrawFees      = "withdraw_fees"
	OpSweep             = "sweep"
	OpTransferOwnership = "transfer_ownership"
)

// Admin operations stay available while the platform is paused.

func (m *Marketplace) requireOwner(op string, caller common.Address) error {
	if caller != m.policy.Policy().Owner {
		return m.rejected(op, fmt.Errorf("%s: %w", op, domain.ErrNotOwner))
	}
	return nil
}

// updatePolicy runs an owner-only policy mutation under writeMu and emits evt on success.
func (m *Marketplace) updatePolicy(ctx context.Context, op string, caller common.Address, mutate func(p *domain.PlatformPolicy) error, evt domain.MarketEvent) error {
	unlock, err := m.enter(ctx, op)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireOwner(op, caller); err != nil {
		return err
	}

	policy, err := m.policy.UpdatePolicy(ctx, mutate)
	if err != nil {
		if domain.KindOf(err) != "" {
			return m.rejected(op, fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	m.logger.Info("platform policy updated", "op", op, "paused", policy.Paused, "fee_bps", policy.FeeBps, "fee_recipient", policy.FeeRecipient, "owner", policy.Owner)
	evt.Actor = caller
	m.emit(evt)
	return nil
}

func (m *Marketplace) Pause(ctx context.Context, caller common.Address) error {
	return m.updatePolicy(ctx, OpPause, caller, func(p *domain.PlatformPolicy) error {
		p.Paused = true
		return nil
	}, domain.MarketEvent{Type: domain.EventPaused})
}

func (m *Marketplace) Unpause(ctx context.Context, caller common.Address) error {
	return m.updatePolicy(ctx, OpUnpause, caller, func(p *domain.PlatformPolicy) error {
		p.Paused = false
		return nil
	}, domain.MarketEvent{Type: domain.EventUnpaused})
}

// SetFee sets the protocol fee in basis points, capped at domain.MaxFeeBps.
func (m *Marketplace) SetFee(ctx context.Context, caller common.Address, feeBps uint16) error {
	return m.updatePolicy(ctx, OpSetFee, caller, func(p *domain.PlatformPolicy) error {
		if feeBps > domain.MaxFeeBps {
			return domain.ErrFeeTooHigh
		}
		p.FeeBps = feeBps
		return nil
	}, domain.MarketEvent{Type: domain.EventFeeUpdated, FeeBps: &feeBps})
}

func (m *Marketplace) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	return m.updatePolicy(ctx, OpSetFeeRecipient, caller, func(p *domain.PlatformPolicy) error {
		if recipient == (common.Address{}) {
			return domain.ErrZeroAddress
		}
		p.FeeRecipient = recipient
		return nil
	}, domain.MarketEvent{Type: domain.EventFeeRecipientUpdated, Counterparty: &recipient})
}

// SetAllowlisted adds or removes a claimant that may claim identities it does not control.
func (m *Marketplace) SetAllowlisted(ctx context.Context, caller, account common.Address, allowed bool) error {
	return m.updatePolicy(ctx, OpSetAllowlisted, caller, func(p *domain.PlatformPolicy) error {
		if account == (common.Address{}) {
			return domain.ErrZeroAddress
		}
		p.SetAllowlisted(account, allowed)
		return nil
	}, domain.MarketEvent{Type: domain.EventAllowlistUpdated, Counterparty: &account, Allowed: &allowed})
}

func (m *Marketplace) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return m.updatePolicy(ctx, OpTransferOwnership, caller, func(p *domain.PlatformPolicy) error {
		if newOwner == (common.Address{}) {
			return domain.ErrZeroAddress
		}
		p.Owner = newOwner
		return nil
	}, domain.MarketEvent{Type: domain.EventOwnershipTransferred, Counterparty: &newOwner})
}

// WithdrawFees sends the whole accrued fee pool to the fee recipient. The pool is emptied
// before the call-out; fees accrued meanwhile stay in it, and a failed transfer adds the
// withdrawn amount back.
func (m *Marketplace) WithdrawFees(ctx context.Context, caller common.Address) (*big.Int, error) {
	unlock, err := m.enter(ctx, OpWithdrawFees)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.requireOwner(OpWithdrawFees, caller); err != nil {
		return nil, err
	}
	if m.withdrawing {
		return nil, m.rejected(OpWithdrawFees, fmt.Errorf("%s: %w: withdrawal in flight", OpWithdrawFees, domain.ErrReentrantCall))
	}

	platform, err := m.store.GetPlatformStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: platform stats: %w", OpWithdrawFees, err)
	}
	amount := domain.AmountOrZero(platform.AccruedFees)
	if amount.Sign() == 0 {
		return nil, m.rejected(OpWithdrawFees, fmt.Errorf("%s: %w", OpWithdrawFees, domain.ErrNothingToWithdraw))
	}
	amount = new(big.Int).Set(amount)

	next := platform.Clone()
	next.AccruedFees = new(big.Int)
	if err := m.store.Commit(ctx, domain.Change{Platform: &next}); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", OpWithdrawFees, err)
	}

	recipient := m.policy.Policy().FeeRecipient
	m.withdrawing = true
	err = m.callout(func() error {
		return m.ledger.Transfer(calloutContext(ctx, OpWithdrawFees), recipient, amount)
	})
	m.withdrawing = false

	if err != nil {
		if rbErr := m.restoreFees(ctx, amount); rbErr != nil {
			m.logger.Error("rollback failed after ledger error", "op", OpWithdrawFees, "error", rbErr, "ledger_error", err)
			return nil, fmt.Errorf("%s: %w: %w (rollback: %v)", OpWithdrawFees, domain.ErrTransferFailed, err, rbErr)
		}
		m.logger.Error("ledger transfer failed, withdrawal rolled back", "recipient", recipient, "amount", amount, "error", err)
		return nil, m.rejected(OpWithdrawFees, fmt.Errorf("%s: %w: %w", OpWithdrawFees, domain.ErrTransferFailed, err))
	}

	m.logger.Info("fees withdrawn", "recipient", recipient, "amount", amount)
	m.emit(domain.MarketEvent{
		Type:         domain.EventFeesWithdrawn,
		Actor:        caller,
		Counterparty: &recipient,
		Amount:       new(big.Int).Set(amount),
	})
	return amount, nil
}

// restoreFees adds amount back to the current pool. Caller holds writeMu.
func (m *Marketplace) restoreFees(ctx context.Context, amount *big.Int) error {
	platform, err := m.store.GetPlatformStats(ctx)
	if err != nil {
		return err
	}
	next := platform.Clone()
	next.AccruedFees = new(big.Int).Add(domain.AmountOrZero(platform.AccruedFees), amount)
	return m.store.Commit(ctx, domain.Change{Platform: &next})
}

// Sweep transfers the engine's whole balance of a non-payment token to `to`. Tokens sent to
// the engine by mistake are recoverable this way; escrow never is.
func (m *Marketplace) Sweep(ctx context.Context, caller, token, to common.Address) (*big.Int, error) {
	unlock, err := m.enter(ctx, OpSweep)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.requireOwner(OpSweep, caller); err != nil {
		return nil, err
	}
	fail := func(err error) error {
		return m.rejected(OpSweep, fmt.Errorf("%s %s: %w", OpSweep, token, err))
	}
	if token == m.cfg.PaymentToken {
		return nil, fail(domain.ErrSweepPaymentToken)
	}
	if to == (common.Address{}) {
		return nil, fail(domain.ErrZeroAddress)
	}
	if m.tokens == nil {
		return nil, fail(domain.ErrSweepUnsupported)
	}

	ledger, err := m.tokens.Ledger(token)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}
	balance, err := ledger.BalanceOf(ctx, m.cfg.Address)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}
	if balance.Sign() > 0 {
		err := m.callout(func() error {
			return ledger.Transfer(calloutContext(ctx, OpSweep), to, balance)
		})
		if err != nil {
			return nil, fail(fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
		}
	}

	m.logger.Info("tokens swept", "token", token, "to", to, "amount", balance)
	m.emit(domain.MarketEvent{
		Type:         domain.EventTokensSwept,
		Actor:        caller,
		Token:        &token,
		Counterparty: &to,
		Amount:       new(big.Int).Set(balance),
	})
	return balance, nil
}
