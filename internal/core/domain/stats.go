package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AgentStats is the reputation record of one agent account, created on its first
// completion or dispute.
type AgentStats struct {
	Agent         common.Address
	CompletedJobs uint64
	DisputedJobs  uint64
	TotalEarned   *big.Int
	TotalRating   uint64
	FirstJobAt    time.Time // set once, on first completion
}

func (s AgentStats) Clone() AgentStats {
	c := s
	c.TotalEarned = CloneAmount(s.TotalEarned)
	return c
}

// AverageRating is TotalRating / CompletedJobs with floor division, 0 without completions.
func (s AgentStats) AverageRating() uint64 {
	if s.CompletedJobs == 0 {
		return 0
	}
	return s.TotalRating / s.CompletedJobs
}

// SeniorityDays is the number of whole days elapsed since the first completion.
func (s AgentStats) SeniorityDays(now time.Time) uint64 {
	if s.FirstJobAt.IsZero() || now.Before(s.FirstJobAt) {
		return 0
	}
	return uint64(now.Sub(s.FirstJobAt) / (24 * time.Hour))
}

// AgentReputation is the query-time view of AgentStats with derived fields.
type AgentReputation struct {
	Agent         common.Address `json:"agent"`
	CompletedJobs uint64         `json:"completed_jobs"`
	DisputedJobs  uint64         `json:"disputed_jobs"`
	TotalEarned   *big.Int       `json:"total_earned"`
	TotalRating   uint64         `json:"total_rating"`
	AverageRating uint64         `json:"average_rating"`
	FirstJobAt    int64          `json:"first_job_at"`
	SeniorityDays uint64         `json:"seniority_days"`
}

func (s AgentStats) Reputation(now time.Time) AgentReputation {
	return AgentReputation{
		Agent:         s.Agent,
		CompletedJobs: s.CompletedJobs,
		DisputedJobs:  s.DisputedJobs,
		TotalEarned:   new(big.Int).Set(AmountOrZero(s.TotalEarned)),
		TotalRating:   s.TotalRating,
		AverageRating: s.AverageRating(),
		FirstJobAt:    UnixOrZero(s.FirstJobAt),
		SeniorityDays: s.SeniorityDays(now),
	}
}

// PlatformStats are the marketplace-wide counters. All fields except AccruedFees only grow;
// AccruedFees is the withdrawable fee pool.
type PlatformStats struct {
	TotalJobsPosted    uint64   `json:"total_jobs_posted"`
	TotalJobsCompleted uint64   `json:"total_jobs_completed"`
	TotalValuePaid     *big.Int `json:"total_value_paid"`
	TotalDisputes      uint64   `json:"total_disputes"`
	TotalFeesAccrued   *big.Int `json:"total_fees_accrued"`
	AccruedFees        *big.Int `json:"accrued_fees"`
}

func (p PlatformStats) Clone() PlatformStats {
	c := p
	c.TotalValuePaid = new(big.Int).Set(AmountOrZero(p.TotalValuePaid))
	c.TotalFeesAccrued = new(big.Int).Set(AmountOrZero(p.TotalFeesAccrued))
	c.AccruedFees = new(big.Int).Set(AmountOrZero(p.AccruedFees))
	return c
}

// Change is the unit of work a store commits atomically: the next job state and the
// aggregate records touched by the same transition. Nil members are left untouched.
type Change struct {
	Job      *Job
	Agent    *AgentStats
	Platform *PlatformStats
}
