package services

import (
	"math/big"
	"time"

	"github.com/manthysbr/auleMarket/internal/core/domain"
)

// CurrentPrice is the reverse Dutch auction price at now: it rises linearly from min at
// start to max at start+duration, with floor division on whole elapsed seconds, and stays
// at max afterwards. A now before start prices at min.
func CurrentPrice(now, start time.Time, duration time.Duration, min, max *big.Int) *big.Int {
	durationSec := int64(duration / time.Second)
	elapsed := now.Unix() - start.Unix()

	if durationSec <= 0 || elapsed >= durationSec {
		return new(big.Int).Set(max)
	}
	if elapsed <= 0 {
		return new(big.Int).Set(min)
	}

	spread := new(big.Int).Sub(max, min)
	spread.Mul(spread, big.NewInt(elapsed))
	spread.Quo(spread, big.NewInt(durationSec)) // both operands non-negative: Quo floors
	return spread.Add(spread, min)
}

// JobPrice prices a job at now.
func JobPrice(job domain.Job, now time.Time) *big.Int {
	return CurrentPrice(now, job.AuctionStart, job.AuctionDuration, job.MinPrice, job.MaxPrice)
}

// SplitFee divides a settled amount into the protocol fee (floor of amount*bps/10000) and
// the agent payout. fee + payout == amount.
func SplitFee(amount *big.Int, feeBps uint16) (fee, payout *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Quo(fee, big.NewInt(domain.BpsDenominator))
	payout = new(big.Int).Sub(amount, fee)
	return fee, payout
}

// ClaimRefund is the part of the escrowed ceiling returned to the poster when a job is
// claimed at price.
func ClaimRefund(maxPrice, price *big.Int) *big.Int {
	return new(big.Int).Sub(maxPrice, price)
}
