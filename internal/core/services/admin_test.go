package services

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_PauseBlocksLifecycle(t *testing.T) {
	h := newHarness(t, 0)
	id := h.post(t, 100, 200, 60*time.Second, 300*time.Second)

	assert.ErrorIs(t, h.market.Pause(h.ctx, poster), domain.ErrNotOwner)
	require.NoError(t, h.market.Pause(h.ctx, owner))
	assert.True(t, h.market.Policy().Paused)

	_, err := h.market.Post(h.ctx, poster, domain.PostParams{
		Description: "x", MinPrice: big.NewInt(1), MaxPrice: big.NewInt(2),
		AuctionDuration: time.Minute, WorkDeadline: time.Minute,
	})
	assert.ErrorIs(t, err, domain.ErrPaused)
	assert.Equal(t, domain.KindAdmission, domain.KindOf(err))
	_, err = h.market.Claim(h.ctx, agentA, id, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrPaused)
	assert.ErrorIs(t, h.market.Cancel(h.ctx, poster, id), domain.ErrPaused)

	// Reads and admin actions keep working.
	_, err = h.market.CurrentPrice(h.ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.market.SetFee(h.ctx, owner, 100))

	require.NoError(t, h.market.Unpause(h.ctx, owner))
	_, err = h.market.Claim(h.ctx, agentA, id, big.NewInt(1))
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventJobPosted,
		domain.EventPaused,
		domain.EventFeeUpdated,
		domain.EventUnpaused,
		domain.EventJobClaimed,
	}, h.events.types())
}

func TestAdmin_SetFee(t *testing.T) {
	h := newHarness(t, 0)

	err := h.market.SetFee(h.ctx, owner, domain.MaxFeeBps+1)
	assert.ErrorIs(t, err, domain.ErrFeeTooHigh)
	assert.Equal(t, uint16(0), h.market.Policy().FeeBps)

	require.NoError(t, h.market.SetFee(h.ctx, owner, domain.MaxFeeBps))
	assert.Equal(t, uint16(domain.MaxFeeBps), h.market.Policy().FeeBps)
	assert.Equal(t, uint16(domain.MaxFeeBps), *h.events.last().FeeBps)

	assert.ErrorIs(t, h.market.SetFee(h.ctx, agentA, 1), domain.ErrNotOwner)
}

func TestAdmin_FeeRecipientAndWithdraw(t *testing.T) {
	h := newHarness(t, 500)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000000c1")

	_, err := h.market.WithdrawFees(h.ctx, owner)
	assert.ErrorIs(t, err, domain.ErrNothingToWithdraw)

	assert.ErrorIs(t, h.market.SetFeeRecipient(h.ctx, owner, common.Address{}), domain.ErrZeroAddress)
	require.NoError(t, h.market.SetFeeRecipient(h.ctx, owner, treasury))

	id := h.post(t, 100, 200, 60*time.Second, 300*time.Second)
	_, err = h.market.Claim(h.ctx, agentA, id, big.NewInt(1))
	require.NoError(t, err)
	require.NoError(t, h.market.Submit(h.ctx, agentA, id, "ipfs://x"))
	_, err = h.market.Approve(h.ctx, poster, id, 70)
	require.NoError(t, err)

	_, err = h.market.WithdrawFees(h.ctx, agentA)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	amount, err := h.market.WithdrawFees(h.ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), amount)
	assert.Equal(t, int64(5), h.balance(treasury))
	h.assertEscrow(t)
}

func TestAdmin_Allowlist(t *testing.T) {
	h := newHarness(t, 0)

	assert.ErrorIs(t, h.market.SetAllowlisted(h.ctx, agentA, agentA, true), domain.ErrNotOwner)
	require.NoError(t, h.market.SetAllowlisted(h.ctx, owner, agentA, true))
	require.NoError(t, h.market.SetAllowlisted(h.ctx, owner, agentA, true))
	assert.Equal(t, []common.Address{agentA}, h.market.Policy().Allowlist)

	require.NoError(t, h.market.SetAllowlisted(h.ctx, owner, agentA, false))
	assert.False(t, h.market.Policy().IsAllowlisted(agentA))
	assert.False(t, *h.events.last().Allowed)
}

func TestAdmin_Sweep(t *testing.T) {
	stray := common.HexToAddress("0x00000000000000000000000000000000000000f2")
	rescue := common.HexToAddress("0x00000000000000000000000000000000000000c2")

	h := newHarness(t, 0)
	h.market.tokens = h.bank.Holdings(engine)
	h.bank.Mint(stray, engine, big.NewInt(7))
	h.post(t, 100, 200, 60*time.Second, 300*time.Second)

	_, err := h.market.Sweep(h.ctx, owner, token, rescue)
	assert.ErrorIs(t, err, domain.ErrSweepPaymentToken)
	_, err = h.market.Sweep(h.ctx, owner, stray, common.Address{})
	assert.ErrorIs(t, err, domain.ErrZeroAddress)
	_, err = h.market.Sweep(h.ctx, agentA, stray, rescue)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	swept, err := h.market.Sweep(h.ctx, owner, stray, rescue)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), swept)
	assert.Equal(t, big.NewInt(7), h.bank.Balance(stray, rescue))
	assert.Equal(t, int64(200), h.balance(engine))
	h.assertEscrow(t)

	noTokens := newHarness(t, 0)
	_, err = noTokens.market.Sweep(noTokens.ctx, owner, stray, rescue)
	assert.ErrorIs(t, err, domain.ErrSweepUnsupported)
}

func TestAdmin_TransferOwnership(t *testing.T) {
	h := newHarness(t, 0)
	next := common.HexToAddress("0x00000000000000000000000000000000000000d1")

	assert.ErrorIs(t, h.market.TransferOwnership(h.ctx, owner, common.Address{}), domain.ErrZeroAddress)
	require.NoError(t, h.market.TransferOwnership(h.ctx, owner, next))

	assert.ErrorIs(t, h.market.Pause(h.ctx, owner), domain.ErrNotOwner)
	require.NoError(t, h.market.Pause(h.ctx, next))

	assert.Equal(t, next, h.policy.Policy().Owner)
	assert.Equal(t, domain.EventPaused, h.events.last().Type)
}

func TestAdmin_WithdrawFeesRefusesSecondWithdrawalInFlight(t *testing.T) {
	h := newHarness(t, 500)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	require.NoError(t, h.market.SetFeeRecipient(h.ctx, owner, treasury))

	id := h.post(t, 100, 200, 60*time.Second, 300*time.Second)
	_, err := h.market.Claim(h.ctx, agentA, id, big.NewInt(1))
	require.NoError(t, err)
	require.NoError(t, h.market.Submit(h.ctx, agentA, id, "ipfs://x"))
	_, err = h.market.Approve(h.ctx, poster, id, 90)
	require.NoError(t, err)

	var (
		nestedErr error
		poolSeen  int64 = -1
	)
	h.bank.OnTransfer(func(_ context.Context, _, _, to common.Address, _ *big.Int) {
		if to != treasury {
			return
		}
		_, nestedErr = h.market.WithdrawFees(context.Background(), owner)
		if stats, err := h.market.PlatformStats(context.Background()); err == nil {
			poolSeen = stats.AccruedFees.Int64()
		}
	})

	amount, err := h.market.WithdrawFees(h.ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), amount)
	assert.ErrorIs(t, nestedErr, domain.ErrReentrantCall)
	assert.Equal(t, int64(0), poolSeen)
	assert.Equal(t, int64(5), h.balance(treasury))
	h.assertEscrow(t)
}
