package ports

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
)

// JobStore abstracts the job arena and the aggregates derived from it.
type JobStore interface {
	// GetJob retrieves a job by ID, returning domain.ErrJobNotFound when absent.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// CountJobs returns the number of jobs ever posted. Job IDs are 1..CountJobs.
	CountJobs(ctx context.Context) (uint64, error)

	// ListJobs returns up to limit jobs with ID > after, ascending.
	ListJobs(ctx context.Context, after domain.JobID, limit int) ([]domain.Job, error)

	// ListJobsByStatus returns up to limit jobs in the given status, ascending by ID.
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)

	// GetAgentStats returns the agent's record, or a zero record if it has none yet.
	GetAgentStats(ctx context.Context, agent common.Address) (domain.AgentStats, error)

	GetPlatformStats(ctx context.Context) (domain.PlatformStats, error)

	// Commit writes every non-nil member of the change atomically.
	Commit(ctx context.Context, change domain.Change) error
}

// ErrSettingNotFound is returned by GetSetting when no document is stored under the key.
var ErrSettingNotFound = errors.New("setting not found")

// Repository is the persistent storage: the job store plus the settings document store.
type Repository interface {
	JobStore

	// GetSetting returns ErrSettingNotFound when key was never saved.
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error

	Close() error
}

// EscrowLedger abstracts the fungible token used for payment. Transfer moves funds out of the
// account the ledger is bound to (the engine); TransferFrom spends an allowance granted to it.
type EscrowLedger interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// TokenLedgers resolves ledgers for arbitrary tokens held by the engine account.
type TokenLedgers interface {
	Ledger(token common.Address) (EscrowLedger, error)
}

// IdentityRegistry is the read-only view of the external agent registry.
type IdentityRegistry interface {
	// Lookup returns the identity record; unregistered identities are reported with
	// Registered=false rather than an error.
	Lookup(ctx context.Context, agentID *big.Int) (domain.AgentIdentity, error)
}

// EventPublisher receives every emitted market event. Publish must not block.
type EventPublisher interface {
	Publish(e domain.MarketEvent)
}

// PolicyStore holds the platform admission policy.
type PolicyStore interface {
	Policy() domain.PlatformPolicy
	UpdatePolicy(ctx context.Context, mutate func(p *domain.PlatformPolicy) error) (domain.PlatformPolicy, error)
}
