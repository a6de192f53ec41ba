package services

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
)

// RecordCompletion returns stats updated for one completed job paying payout with rating.
func RecordCompletion(stats domain.AgentStats, agent common.Address, payout *big.Int, rating uint8, now time.Time) domain.AgentStats {
	next := stats.Clone()
	next.Agent = agent
	next.CompletedJobs++
	next.TotalEarned = new(big.Int).Add(domain.AmountOrZero(stats.TotalEarned), payout)
	next.TotalRating += uint64(rating)
	if next.FirstJobAt.IsZero() {
		next.FirstJobAt = now
	}
	return next
}

// RecordDispute returns stats updated for one disputed job. Nothing else is credited.
func RecordDispute(stats domain.AgentStats, agent common.Address) domain.AgentStats {
	next := stats.Clone()
	next.Agent = agent
	next.DisputedJobs++
	if next.TotalEarned == nil {
		next.TotalEarned = new(big.Int)
	}
	return next
}
