package services

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

// MarketConfig identifies the engine on the payment ledger.
type MarketConfig struct {
	// Address is the engine's own account: the escrow holder and allowance spender.
	Address common.Address
	// PaymentToken is the token the EscrowLedger moves. It can never be swept.
	PaymentToken common.Address
}

// RejectionObserver is notified of every rejected request.
type RejectionObserver interface {
	Rejected(op string, kind domain.ErrorKind)
}

// Option configures optional collaborators of a Marketplace.
type Option func(*Marketplace)

// WithIdentityRegistry enables identity verification on Claim.
func WithIdentityRegistry(r ports.IdentityRegistry) Option {
	return func(m *Marketplace) { m.identity = r }
}

// WithTokenLedgers enables sweeping of non-payment tokens.
func WithTokenLedgers(t ports.TokenLedgers) Option {
	return func(m *Marketplace) { m.tokens = t }
}

// WithClock replaces time.Now as the source of the current instant.
func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) { m.now = now }
}

// WithPublisher adds a sink for market events. It may be given more than once.
func WithPublisher(p ports.EventPublisher) Option {
	return func(m *Marketplace) { m.publishers = append(m.publishers, p) }
}

// WithRejectionObserver reports every rejected request to o.
func WithRejectionObserver(o RejectionObserver) Option {
	return func(m *Marketplace) { m.observer = o }
}

// Marketplace is the job lifecycle controller. Mutations validate and commit under writeMu,
// which is released while the ledger is called. A job whose transfer is in flight refuses
// further transitions with ErrReentrantCall until the transfer settles.
//
// Reads go straight to the store. During a call-out they see the committed next state of
// the job, which is restored if the transfer fails; agent and platform aggregates are only
// updated once the transfer has succeeded.
type Marketplace struct {
	logger     *slog.Logger
	store      ports.JobStore
	ledger     ports.EscrowLedger
	policy     ports.PolicyStore
	identity   ports.IdentityRegistry
	tokens     ports.TokenLedgers
	publishers []ports.EventPublisher
	observer   RejectionObserver
	cfg        MarketConfig
	now        func() time.Time

	writeMu     sync.Mutex
	inflight    map[domain.JobID]string // guarded by writeMu
	withdrawing bool                    // guarded by writeMu
}

func NewMarketplace(
	logger *slog.Logger,
	store ports.JobStore,
	ledger ports.EscrowLedger,
	policy ports.PolicyStore,
	cfg MarketConfig,
	opts ...Option,
) *Marketplace {
	m := &Marketplace{
		logger:   logger,
		store:    store,
		ledger:   ledger,
		policy:   policy,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[domain.JobID]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Address is the engine's escrow account.
func (m *Marketplace) Address() common.Address {
	return m.cfg.Address
}

func (m *Marketplace) clock() time.Time {
	return m.now().UTC().Truncate(time.Second)
}

// --- Reads ---

// CurrentPrice returns the auction price of a job at the current time.
func (m *Marketplace) CurrentPrice(ctx context.Context, id domain.JobID) (*big.Int, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return JobPrice(job, m.clock()), nil
}

func (m *Marketplace) JobCount(ctx context.Context) (uint64, error) {
	return m.store.CountJobs(ctx)
}

func (m *Marketplace) JobCore(ctx context.Context, id domain.JobID) (domain.JobCore, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return domain.JobCore{}, err
	}
	return job.Core(), nil
}

func (m *Marketplace) JobAgent(ctx context.Context, id domain.JobID) (domain.JobAgent, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return domain.JobAgent{}, err
	}
	return job.AgentView(), nil
}

// Job returns the full job record.
func (m *Marketplace) Job(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

func (m *Marketplace) ListJobs(ctx context.Context, after domain.JobID, limit int) ([]domain.Job, error) {
	return m.store.ListJobs(ctx, after, limit)
}

func (m *Marketplace) AgentStats(ctx context.Context, agent common.Address) (domain.AgentReputation, error) {
	stats, err := m.store.GetAgentStats(ctx, agent)
	if err != nil {
		return domain.AgentReputation{}, err
	}
	stats.Agent = agent
	return stats.Reputation(m.clock()), nil
}

func (m *Marketplace) PlatformStats(ctx context.Context) (domain.PlatformStats, error) {
	stats, err := m.store.GetPlatformStats(ctx)
	if err != nil {
		return domain.PlatformStats{}, err
	}
	return stats.Clone(), nil
}

func (m *Marketplace) Policy() domain.PlatformPolicy {
	return m.policy.Policy()
}

// EscrowBalance is the engine's payment-token balance.
func (m *Marketplace) EscrowBalance(ctx context.Context) (*big.Int, error) {
	return m.ledger.BalanceOf(ctx, m.cfg.Address)
}

// --- Serialization boundary ---

type transitionKey struct{}

// enter acquires writeMu. Contexts handed to the ledger during a transition carry
// transitionKey; a mutation arriving with such a context is refused outright. Callers that
// come back with a fresh context are held off per job by the in-flight marker instead.
func (m *Marketplace) enter(ctx context.Context, op string) (func(), error) {
	if ctx.Value(transitionKey{}) != nil {
		return nil, m.rejected(op, fmt.Errorf("%s: %w", op, domain.ErrReentrantCall))
	}
	m.writeMu.Lock()
	return m.writeMu.Unlock, nil
}

// calloutContext marks ctx as being inside a transition.
func calloutContext(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, transitionKey{}, op)
}

// callout runs fn with writeMu released. The caller holds writeMu and holds it again when
// callout returns, even if fn panics.
func (m *Marketplace) callout(fn func() error) error {
	m.writeMu.Unlock()
	defer m.writeMu.Lock()
	return fn()
}

// rejected reports err to the observer and returns it unchanged.
func (m *Marketplace) rejected(op string, err error) error {
	kind := domain.KindOf(err)
	if kind == domain.KindAdmission {
		m.logger.Warn("request rejected", "op", op, "error", err)
	} else {
		m.logger.Debug("request rejected", "op", op, "error", err)
	}
	if m.observer != nil && kind != "" {
		m.observer.Rejected(op, kind)
	}
	return err
}

func (m *Marketplace) requireOpen(op string) error {
	if m.policy.Policy().Paused {
		return m.rejected(op, fmt.Errorf("%s: %w", op, domain.ErrPaused))
	}
	return nil
}

func (m *Marketplace) loadJob(ctx context.Context, op string, id domain.JobID) (domain.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, m.rejected(op, fmt.Errorf("%s job %d: %w", op, id, err))
	}
	return job, nil
}

// payment is one outbound transfer from the engine account.
type payment struct {
	to     common.Address
	amount *big.Int
}

// transition is a fully validated change to one job: the next record, the record to restore
// if the payment fails, and the event to emit on success. tally, when set, folds the
// transition into the agent and platform aggregates; it runs under writeMu after the payment
// succeeded, against the aggregates current at that point.
type transition struct {
	op    string
	next  domain.Job
	prev  domain.Job
	pay   *payment
	tally func(ctx context.Context) (domain.Change, error)
	evt   domain.MarketEvent
}

// apply commits t.next, then calls out to the ledger with writeMu released and the job
// marked in flight. A re-entrant reader sees the job in its new status. On a failed payment
// the previous record is restored.
func (m *Marketplace) apply(ctx context.Context, t transition) error {
	id := t.next.ID
	if op, busy := m.inflight[id]; busy {
		return m.rejected(t.op, fmt.Errorf("%s job %d: %w: %s in flight", t.op, id, domain.ErrReentrantCall, op))
	}
	if err := m.store.Commit(ctx, domain.Change{Job: &t.next}); err != nil {
		return fmt.Errorf("%s job %d: commit: %w", t.op, id, err)
	}

	if t.pay != nil && t.pay.amount.Sign() > 0 {
		m.inflight[id] = t.op
		err := m.callout(func() error {
			return m.ledger.Transfer(calloutContext(ctx, t.op), t.pay.to, t.pay.amount)
		})
		delete(m.inflight, id)

		if err != nil {
			if rbErr := m.store.Commit(ctx, domain.Change{Job: &t.prev}); rbErr != nil {
				m.logger.Error("rollback failed after ledger error", "op", t.op, "job_id", id, "error", rbErr, "ledger_error", err)
				return fmt.Errorf("%s job %d: %w: %w (rollback: %v)", t.op, id, domain.ErrTransferFailed, err, rbErr)
			}
			m.logger.Error("ledger transfer failed, transition rolled back", "op", t.op, "job_id", id, "to", t.pay.to, "amount", t.pay.amount, "error", err)
			return m.rejected(t.op, fmt.Errorf("%s job %d: %w: %w", t.op, id, domain.ErrTransferFailed, err))
		}
	}

	if t.tally != nil {
		change, err := t.tally(ctx)
		if err == nil {
			err = m.store.Commit(ctx, change)
		}
		if err != nil {
			m.logger.Error("settled job but failed to record aggregates", "op", t.op, "job_id", id, "error", err)
			return fmt.Errorf("%s job %d: record aggregates: %w", t.op, id, err)
		}
	}

	m.emit(t.evt)
	return nil
}

// emit stamps and fans out an event. Publishers never block.
func (m *Marketplace) emit(e domain.MarketEvent) {
	e.ID = uuid.New().String()
	if e.Timestamp.IsZero() {
		e.Timestamp = m.clock()
	}
	for _, p := range m.publishers {
		p.Publish(e)
	}
}
