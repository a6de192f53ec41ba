package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
)

var ErrSettingNotFound = ports.ErrSettingNotFound

// Repository persists jobs, aggregates and settings through database/sql. Queries use $n
// placeholders, which both DuckDB and Postgres accept. Amounts are stored as decimal text
// and instants as unix seconds (0 for unset).
type Repository struct {
	db *sql.DB
}

// Ensure Repository implements Repository interface
var _ ports.Repository = (*Repository)(nil)

// OpenDuckDB opens (or creates) an embedded DuckDB file.
func OpenDuckDB(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return open(ctx, db)
}

// OpenPostgres connects to a Postgres server.
func OpenPostgres(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*Repository, error) {
	repo, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// New wraps an open database and creates the schema if needed.
func New(ctx context.Context, db *sql.DB) (*Repository, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

const jobColumns = `id, poster, description, min_price, max_price, auction_start, auction_duration_sec, work_deadline_sec,
	claimed_at, agent, agent_id, submission_uri, paid_amount, rating, status`

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, int64(id))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, err
	}
	return job, nil
}

func (r *Repository) CountJobs(ctx context.Context) (uint64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (r *Repository) ListJobs(ctx context.Context, after domain.JobID, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id > $1 ORDER BY id ASC LIMIT $2`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *Repository) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY id ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *Repository) GetAgentStats(ctx context.Context, agent common.Address) (domain.AgentStats, error) {
	var (
		s           domain.AgentStats
		completed   int64
		disputed    int64
		totalRating int64
		earned      string
		firstJobAt  int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT completed_jobs, disputed_jobs, total_earned, total_rating, first_job_at FROM agent_stats WHERE agent = $1`,
		agent.Hex(),
	).Scan(&completed, &disputed, &earned, &totalRating, &firstJobAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentStats{Agent: agent}, nil
		}
		return domain.AgentStats{}, err
	}

	s.Agent = agent
	s.CompletedJobs = uint64(completed)
	s.DisputedJobs = uint64(disputed)
	s.TotalRating = uint64(totalRating)
	s.FirstJobAt = domain.FromUnixOrZero(firstJobAt)
	if s.TotalEarned, err = parseAmount("total_earned", earned); err != nil {
		return domain.AgentStats{}, err
	}
	return s, nil
}

func (r *Repository) GetPlatformStats(ctx context.Context) (domain.PlatformStats, error) {
	var (
		posted, completed, disputes int64
		valuePaid, feesTotal, fees  string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT total_jobs_posted, total_jobs_completed, total_value_paid, total_disputes, total_fees_accrued, accrued_fees
		 FROM platform_stats WHERE id = 1`,
	).Scan(&posted, &completed, &valuePaid, &disputes, &feesTotal, &fees)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PlatformStats{}.Clone(), nil
		}
		return domain.PlatformStats{}, err
	}

	p := domain.PlatformStats{
		TotalJobsPosted:    uint64(posted),
		TotalJobsCompleted: uint64(completed),
		TotalDisputes:      uint64(disputes),
	}
	if p.TotalValuePaid, err = parseAmount("total_value_paid", valuePaid); err != nil {
		return domain.PlatformStats{}, err
	}
	if p.TotalFeesAccrued, err = parseAmount("total_fees_accrued", feesTotal); err != nil {
		return domain.PlatformStats{}, err
	}
	if p.AccruedFees, err = parseAmount("accrued_fees", fees); err != nil {
		return domain.PlatformStats{}, err
	}
	return p, nil
}

// Commit upserts every non-nil member of the change in one transaction.
func (r *Repository) Commit(ctx context.Context, change domain.Change) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if j := change.Job; j != nil {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			claimed_at     = excluded.claimed_at,
			agent          = excluded.agent,
			agent_id       = excluded.agent_id,
			submission_uri = excluded.submission_uri,
			paid_amount    = excluded.paid_amount,
			rating         = excluded.rating,
			status         = excluded.status`,
			int64(j.ID),
			j.Poster.Hex(),
			j.Description,
			formatAmount(j.MinPrice),
			formatAmount(j.MaxPrice),
			domain.UnixOrZero(j.AuctionStart),
			int64(j.AuctionDuration.Seconds()),
			int64(j.WorkDeadline.Seconds()),
			domain.UnixOrZero(j.ClaimedAt),
			j.Agent.Hex(),
			formatAmount(j.AgentID),
			j.SubmissionURI,
			formatAmount(j.PaidAmount),
			int64(j.Rating),
			string(j.Status),
		)
		if err != nil {
			return fmt.Errorf("upsert job %d: %w", j.ID, err)
		}
	}

	if a := change.Agent; a != nil {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_stats (agent, completed_jobs, disputed_jobs, total_earned, total_rating, first_job_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent) DO UPDATE SET
			completed_jobs = excluded.completed_jobs,
			disputed_jobs  = excluded.disputed_jobs,
			total_earned   = excluded.total_earned,
			total_rating   = excluded.total_rating,
			first_job_at   = excluded.first_job_at`,
			a.Agent.Hex(),
			int64(a.CompletedJobs),
			int64(a.DisputedJobs),
			formatAmount(a.TotalEarned),
			int64(a.TotalRating),
			domain.UnixOrZero(a.FirstJobAt),
		)
		if err != nil {
			return fmt.Errorf("upsert agent stats %s: %w", a.Agent.Hex(), err)
		}
	}

	if p := change.Platform; p != nil {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO platform_stats (id, total_jobs_posted, total_jobs_completed, total_value_paid, total_disputes, total_fees_accrued, accrued_fees)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			total_jobs_posted    = excluded.total_jobs_posted,
			total_jobs_completed = excluded.total_jobs_completed,
			total_value_paid     = excluded.total_value_paid,
			total_disputes       = excluded.total_disputes,
			total_fees_accrued   = excluded.total_fees_accrued,
			accrued_fees         = excluded.accrued_fees`,
			int64(p.TotalJobsPosted),
			int64(p.TotalJobsCompleted),
			formatAmount(p.TotalValuePaid),
			int64(p.TotalDisputes),
			formatAmount(p.TotalFeesAccrued),
			formatAmount(p.AccruedFees),
		)
		if err != nil {
			return fmt.Errorf("upsert platform stats: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", err
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO settings (name, value) VALUES ($1, $2)
	ON CONFLICT (name) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		j                                          domain.Job
		id, auctionStart, durationSec, deadlineSec int64
		claimedAt, rating                          int64
		poster, agent, status                      string
		minPrice, maxPrice, agentID, paid          string
	)
	err := row.Scan(
		&id, &poster, &j.Description, &minPrice, &maxPrice, &auctionStart, &durationSec, &deadlineSec,
		&claimedAt, &agent, &agentID, &j.SubmissionURI, &paid, &rating, &status,
	)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(id)
	j.Poster = common.HexToAddress(poster)
	j.Agent = common.HexToAddress(agent)
	j.AuctionStart = domain.FromUnixOrZero(auctionStart)
	j.AuctionDuration = secondsToDuration(durationSec)
	j.WorkDeadline = secondsToDuration(deadlineSec)
	j.ClaimedAt = domain.FromUnixOrZero(claimedAt)
	j.Rating = uint8(rating)
	j.Status = domain.JobStatus(status)

	for _, f := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"min_price", minPrice, &j.MinPrice},
		{"max_price", maxPrice, &j.MaxPrice},
		{"agent_id", agentID, &j.AgentID},
		{"paid_amount", paid, &j.PaidAmount},
	} {
		if *f.dst, err = parseAmount(f.name, f.raw); err != nil {
			return domain.Job{}, fmt.Errorf("job %d: %w", id, err)
		}
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
