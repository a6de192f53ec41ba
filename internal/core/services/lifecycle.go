package services

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
)

const (
	OpPost    = "post"
	OpClaim   = "claim"
	OpSubmit  = "submit"
	OpApprove = "approve"
	OpDispute = "dispute"
	OpCancel  = "cancel"
	OpExpire  = "expire"
	OpReclaim = "reclaim"
)

func validatePost(p domain.PostParams) error {
	if p.Description == "" {
		return domain.ErrEmptyDescription
	}
	if p.MinPrice == nil || p.MaxPrice == nil || p.MinPrice.Sign() <= 0 || p.MaxPrice.Cmp(p.MinPrice) < 0 {
		return domain.ErrInvalidPriceRange
	}
	if p.AuctionDuration < time.Second {
		return domain.ErrZeroDuration
	}
	if p.WorkDeadline < time.Second {
		return domain.ErrZeroDeadline
	}
	return nil
}

// Post lists a new Open job and pulls MaxPrice from the poster into escrow.
// The job does not exist before the pull succeeds, so there is no state for a re-entrant
// call to observe; if the job cannot be persisted afterwards the escrow is returned.
func (m *Marketplace) Post(ctx context.Context, poster common.Address, p domain.PostParams) (domain.JobID, error) {
	unlock, err := m.enter(ctx, OpPost)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := m.requireOpen(OpPost); err != nil {
		return 0, err
	}
	if err := validatePost(p); err != nil {
		return 0, m.rejected(OpPost, fmt.Errorf("%s: %w", OpPost, err))
	}

	ceiling := domain.CloneAmount(p.MaxPrice)
	err = m.callout(func() error {
		allowance, err := m.ledger.Allowance(ctx, poster, m.cfg.Address)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
		}
		if allowance.Cmp(ceiling) < 0 {
			return fmt.Errorf("%w: have %s, need %s", domain.ErrInsufficientAllowance, allowance, ceiling)
		}
		if err := m.ledger.TransferFrom(calloutContext(ctx, OpPost), poster, m.cfg.Address, ceiling); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
		}
		return nil
	})
	if err != nil {
		return 0, m.rejected(OpPost, fmt.Errorf("%s: %w", OpPost, err))
	}

	job, err := m.recordPost(ctx, poster, p, ceiling)
	if err != nil {
		refundErr := m.callout(func() error {
			return m.ledger.Transfer(calloutContext(ctx, OpPost), poster, ceiling)
		})
		if refundErr != nil {
			m.logger.Error("failed to return escrow after commit error", "poster", poster, "amount", ceiling, "error", refundErr)
		}
		return 0, fmt.Errorf("%s: %w", OpPost, err)
	}

	m.logger.Info("job posted", "job_id", job.ID, "poster", poster, "min_price", job.MinPrice, "max_price", job.MaxPrice)
	m.emit(domain.MarketEvent{
		Type:               domain.EventJobPosted,
		JobID:              job.ID,
		Actor:              poster,
		Description:        job.Description,
		MinPrice:           domain.CloneAmount(job.MinPrice),
		MaxPrice:           domain.CloneAmount(job.MaxPrice),
		AuctionDurationSec: uint64(job.AuctionDuration / time.Second),
		WorkDeadlineSec:    uint64(job.WorkDeadline / time.Second),
	})
	return job.ID, nil
}

// recordPost assigns the next ID and persists an escrowed job. Caller holds writeMu.
func (m *Marketplace) recordPost(ctx context.Context, poster common.Address, p domain.PostParams, ceiling *big.Int) (domain.Job, error) {
	count, err := m.store.CountJobs(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("count jobs: %w", err)
	}
	platform, err := m.store.GetPlatformStats(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("platform stats: %w", err)
	}

	now := m.clock()
	job := domain.Job{
		ID:              domain.JobID(count + 1),
		Poster:          poster,
		Description:     p.Description,
		MinPrice:        domain.CloneAmount(p.MinPrice),
		MaxPrice:        ceiling,
		AuctionStart:    now,
		AuctionDuration: p.AuctionDuration.Truncate(time.Second),
		WorkDeadline:    p.WorkDeadline.Truncate(time.Second),
		PaidAmount:      new(big.Int),
		Status:          domain.JobStatusOpen,
	}
	nextPlatform := platform.Clone()
	nextPlatform.TotalJobsPosted++

	if err := m.store.Commit(ctx, domain.Change{Job: &job, Platform: &nextPlatform}); err != nil {
		return domain.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// Claim assigns an Open job to the caller at the current auction price and refunds the
// rest of the escrowed ceiling to the poster. Only the first claim on a job can succeed.
func (m *Marketplace) Claim(ctx context.Context, caller common.Address, id domain.JobID, agentID *big.Int) (*big.Int, error) {
	unlock, err := m.enter(ctx, OpClaim)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.requireOpen(OpClaim); err != nil {
		return nil, err
	}
	job, err := m.loadJob(ctx, OpClaim, id)
	if err != nil {
		return nil, err
	}
	fail := func(err error) error {
		return m.rejected(OpClaim, fmt.Errorf("%s job %d: %w", OpClaim, id, err))
	}

	if job.Status != domain.JobStatusOpen {
		return nil, fail(domain.ErrJobNotOpen)
	}
	if caller == job.Poster {
		return nil, fail(domain.ErrSelfClaim)
	}
	if agentID == nil {
		agentID = new(big.Int)
	}
	if err := m.verifyClaimant(ctx, caller, agentID); err != nil {
		return nil, fail(err)
	}

	now := m.clock()
	price := JobPrice(job, now)
	refund := ClaimRefund(job.MaxPrice, price)

	next := job.Clone()
	next.Status = domain.JobStatusClaimed
	next.PaidAmount = price
	next.ClaimedAt = now
	next.Agent = caller
	next.AgentID = domain.CloneAmount(agentID)

	poster := job.Poster
	err = m.apply(ctx, transition{
		op:   OpClaim,
		next: next,
		prev: job,
		pay:  &payment{to: poster, amount: refund},
		evt: domain.MarketEvent{
			Type:         domain.EventJobClaimed,
			JobID:        id,
			Actor:        caller,
			AgentID:      domain.CloneAmount(agentID),
			Counterparty: &poster,
			Price:        new(big.Int).Set(price),
			Refund:       new(big.Int).Set(refund),
		},
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("job claimed", "job_id", id, "agent", caller, "agent_id", agentID, "price", price, "refund", refund)
	return new(big.Int).Set(price), nil
}

// Submit records the assigned agent's delivery reference before the work deadline.
func (m *Marketplace) Submit(ctx context.Context, caller common.Address, id domain.JobID, submissionURI string) error {
	unlock, err := m.enter(ctx, OpSubmit)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireOpen(OpSubmit); err != nil {
		return err
	}
	job, err := m.loadJob(ctx, OpSubmit, id)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		return m.rejected(OpSubmit, fmt.Errorf("%s job %d: %w", OpSubmit, id, err))
	}

	if caller != job.Agent {
		return fail(domain.ErrNotAgent)
	}
	if job.Status != domain.JobStatusClaimed {
		return fail(domain.ErrJobNotClaimed)
	}
	if submissionURI == "" {
		return fail(domain.ErrEmptySubmission)
	}
	if m.clock().After(job.WorkDue()) {
		return fail(domain.ErrDeadlinePassed)
	}

	next := job.Clone()
	next.Status = domain.JobStatusSubmitted
	next.SubmissionURI = submissionURI

	err = m.apply(ctx, transition{
		op:   OpSubmit,
		next: next,
		prev: job,
		evt: domain.MarketEvent{
			Type:          domain.EventWorkSubmitted,
			JobID:         id,
			Actor:         caller,
			SubmissionURI: submissionURI,
		},
	})
	if err != nil {
		return err
	}

	m.logger.Info("work submitted", "job_id", id, "agent", caller, "submission_uri", submissionURI)
	return nil
}

// Settlement is the outcome of a fee-bearing completion.
type Settlement struct {
	Payout *big.Int
	Fee    *big.Int
}

// Approve accepts a submission: the agent receives PaidAmount minus the protocol fee, the
// fee accrues to the withdrawable pool, and the agent's reputation is credited.
func (m *Marketplace) Approve(ctx context.Context, caller common.Address, id domain.JobID, rating int) (Settlement, error) {
	unlock, err := m.enter(ctx, OpApprove)
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()

	if err := m.requireOpen(OpApprove); err != nil {
		return Settlement{}, err
	}
	job, err := m.loadJob(ctx, OpApprove, id)
	if err != nil {
		return Settlement{}, err
	}
	fail := func(err error) error {
		return m.rejected(OpApprove, fmt.Errorf("%s job %d: %w", OpApprove, id, err))
	}

	if caller != job.Poster {
		return Settlement{}, fail(domain.ErrNotPoster)
	}
	if job.Status != domain.JobStatusSubmitted {
		return Settlement{}, fail(domain.ErrJobNotSubmitted)
	}
	if rating < 0 || rating > domain.MaxRating {
		return Settlement{}, fail(domain.ErrRatingOutOfRange)
	}

	return m.complete(ctx, OpApprove, domain.EventJobApproved, caller, job, uint8(rating))
}

// Reclaim lets the assigned agent force settlement of a submission the poster never
// reviewed, once ReclaimGraceFactor work deadlines have passed since the claim. The job
// completes with rating 0.
func (m *Marketplace) Reclaim(ctx context.Context, caller common.Address, id domain.JobID) (Settlement, error) {
	unlock, err := m.enter(ctx, OpReclaim)
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()

	if err := m.requireOpen(OpReclaim); err != nil {
		return Settlement{}, err
	}
	job, err := m.loadJob(ctx, OpReclaim, id)
	if err != nil {
		return Settlement{}, err
	}
	fail := func(err error) error {
		return m.rejected(OpReclaim, fmt.Errorf("%s job %d: %w", OpReclaim, id, err))
	}

	if caller != job.Agent {
		return Settlement{}, fail(domain.ErrNotAgent)
	}
	if job.Status != domain.JobStatusSubmitted {
		return Settlement{}, fail(domain.ErrJobNotSubmitted)
	}
	if !m.clock().After(job.ReclaimableAfter()) {
		return Settlement{}, fail(domain.ErrGraceNotElapsed)
	}

	return m.complete(ctx, OpReclaim, domain.EventJobReclaimed, caller, job, 0)
}

// complete settles a Submitted job to Completed. Caller holds writeMu.
func (m *Marketplace) complete(ctx context.Context, op string, evtType domain.EventType, caller common.Address, job domain.Job, rating uint8) (Settlement, error) {
	fee, payout := SplitFee(job.PaidAmount, m.policy.Policy().FeeBps)

	next := job.Clone()
	next.Status = domain.JobStatusCompleted
	next.Rating = rating

	agent := job.Agent
	err := m.apply(ctx, transition{
		op:   op,
		next: next,
		prev: job,
		pay:  &payment{to: agent, amount: payout},
		tally: func(ctx context.Context) (domain.Change, error) {
			agentStats, err := m.store.GetAgentStats(ctx, agent)
			if err != nil {
				return domain.Change{}, fmt.Errorf("agent stats: %w", err)
			}
			platform, err := m.store.GetPlatformStats(ctx)
			if err != nil {
				return domain.Change{}, fmt.Errorf("platform stats: %w", err)
			}

			nextAgent := RecordCompletion(agentStats, agent, payout, rating, m.clock())
			nextPlatform := platform.Clone()
			nextPlatform.TotalJobsCompleted++
			nextPlatform.TotalValuePaid.Add(nextPlatform.TotalValuePaid, payout)
			nextPlatform.TotalFeesAccrued.Add(nextPlatform.TotalFeesAccrued, fee)
			nextPlatform.AccruedFees.Add(nextPlatform.AccruedFees, fee)
			return domain.Change{Agent: &nextAgent, Platform: &nextPlatform}, nil
		},
		evt: domain.MarketEvent{
			Type:         evtType,
			JobID:        job.ID,
			Actor:        caller,
			Counterparty: &agent,
			Rating:       &rating,
			Payout:       new(big.Int).Set(payout),
			Fee:          new(big.Int).Set(fee),
		},
	})
	if err != nil {
		return Settlement{}, err
	}

	m.logger.Info("job completed", "op", op, "job_id", job.ID, "agent", agent, "rating", rating, "payout", payout, "fee", fee)
	return Settlement{Payout: payout, Fee: fee}, nil
}

// Dispute rejects a submission: the poster gets the full PaidAmount back, no fee is taken
// and the agent only has its dispute counter incremented.
func (m *Marketplace) Dispute(ctx context.Context, caller common.Address, id domain.JobID) error {
	unlock, err := m.enter(ctx, OpDispute)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireOpen(OpDispute); err != nil {
		return err
	}
	job, err := m.loadJob(ctx, OpDispute, id)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		return m.rejected(OpDispute, fmt.Errorf("%s job %d: %w", OpDispute, id, err))
	}

	if caller != job.Poster {
		return fail(domain.ErrNotPoster)
	}
	if job.Status != domain.JobStatusSubmitted {
		return fail(domain.ErrJobNotSubmitted)
	}

	next := job.Clone()
	next.Status = domain.JobStatusDisputed

	agent := job.Agent
	err = m.apply(ctx, transition{
		op:   OpDispute,
		next: next,
		prev: job,
		pay:  &payment{to: job.Poster, amount: domain.CloneAmount(job.PaidAmount)},
		tally: func(ctx context.Context) (domain.Change, error) {
			agentStats, err := m.store.GetAgentStats(ctx, agent)
			if err != nil {
				return domain.Change{}, fmt.Errorf("agent stats: %w", err)
			}
			platform, err := m.store.GetPlatformStats(ctx)
			if err != nil {
				return domain.Change{}, fmt.Errorf("platform stats: %w", err)
			}

			nextAgent := RecordDispute(agentStats, agent)
			nextPlatform := platform.Clone()
			nextPlatform.TotalDisputes++
			return domain.Change{Agent: &nextAgent, Platform: &nextPlatform}, nil
		},
		evt: domain.MarketEvent{
			Type:         domain.EventJobDisputed,
			JobID:        id,
			Actor:        caller,
			Counterparty: &agent,
			Refund:       domain.CloneAmount(job.PaidAmount),
		},
	})
	if err != nil {
		return err
	}

	m.logger.Info("job disputed", "job_id", id, "agent", agent, "refund", job.PaidAmount)
	return nil
}

// Cancel withdraws an Open job and returns the full escrowed ceiling to the poster.
func (m *Marketplace) Cancel(ctx context.Context, caller common.Address, id domain.JobID) error {
	unlock, err := m.enter(ctx, OpCancel)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireOpen(OpCancel); err != nil {
		return err
	}
	job, err := m.loadJob(ctx, OpCancel, id)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		return m.rejected(OpCancel, fmt.Errorf("%s job %d: %w", OpCancel, id, err))
	}

	if caller != job.Poster {
		return fail(domain.ErrNotPoster)
	}
	if job.Status != domain.JobStatusOpen {
		return fail(domain.ErrJobNotOpen)
	}

	next := job.Clone()
	next.Status = domain.JobStatusCancelled

	err = m.apply(ctx, transition{
		op:   OpCancel,
		next: next,
		prev: job,
		pay:  &payment{to: job.Poster, amount: domain.CloneAmount(job.MaxPrice)},
		evt: domain.MarketEvent{
			Type:   domain.EventJobCancelled,
			JobID:  id,
			Actor:  caller,
			Refund: domain.CloneAmount(job.MaxPrice),
		},
	})
	if err != nil {
		return err
	}

	m.logger.Info("job cancelled", "job_id", id, "refund", job.MaxPrice)
	return nil
}

// Expire closes a Claimed job whose work deadline has passed without a submission and
// refunds PaidAmount to the poster. Anyone may call it.
func (m *Marketplace) Expire(ctx context.Context, caller common.Address, id domain.JobID) error {
	unlock, err := m.enter(ctx, OpExpire)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireOpen(OpExpire); err != nil {
		return err
	}
	job, err := m.loadJob(ctx, OpExpire, id)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		return m.rejected(OpExpire, fmt.Errorf("%s job %d: %w", OpExpire, id, err))
	}

	if job.Status != domain.JobStatusClaimed {
		return fail(domain.ErrJobNotClaimed)
	}
	if !m.clock().After(job.WorkDue()) {
		return fail(domain.ErrDeadlineNotReached)
	}

	next := job.Clone()
	next.Status = domain.JobStatusExpired

	agent := job.Agent
	err = m.apply(ctx, transition{
		op:   OpExpire,
		next: next,
		prev: job,
		pay:  &payment{to: job.Poster, amount: domain.CloneAmount(job.PaidAmount)},
		evt: domain.MarketEvent{
			Type:         domain.EventJobExpired,
			JobID:        id,
			Actor:        caller,
			Counterparty: &agent,
			Refund:       domain.CloneAmount(job.PaidAmount),
		},
	})
	if err != nil {
		return err
	}

	m.logger.Info("job expired", "job_id", id, "agent", agent, "refund", job.PaidAmount)
	return nil
}
