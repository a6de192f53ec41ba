package sqlstore

import (
	"fmt"
	"math/big"
	"time"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                   BIGINT PRIMARY KEY,
		poster               TEXT NOT NULL,
		description          TEXT NOT NULL,
		min_price            TEXT NOT NULL,
		max_price            TEXT NOT NULL,
		auction_start        BIGINT NOT NULL,
		auction_duration_sec BIGINT NOT NULL,
		work_deadline_sec    BIGINT NOT NULL,
		claimed_at           BIGINT NOT NULL DEFAULT 0,
		agent                TEXT NOT NULL DEFAULT '',
		agent_id             TEXT NOT NULL DEFAULT '0',
		submission_uri       TEXT NOT NULL DEFAULT '',
		paid_amount          TEXT NOT NULL DEFAULT '0',
		rating               INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_stats (
		agent          TEXT PRIMARY KEY,
		completed_jobs BIGINT NOT NULL,
		disputed_jobs  BIGINT NOT NULL,
		total_earned   TEXT NOT NULL,
		total_rating   BIGINT NOT NULL,
		first_job_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS platform_stats (
		id                   INTEGER PRIMARY KEY,
		total_jobs_posted    BIGINT NOT NULL,
		total_jobs_completed BIGINT NOT NULL,
		total_value_paid     TEXT NOT NULL,
		total_disputes       BIGINT NOT NULL,
		total_fees_accrued   TEXT NOT NULL,
		accrued_fees         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// formatAmount renders nil as "0".
func formatAmount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseAmount(column, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("column %s: invalid amount %q", column, raw)
	}
	return v, nil
}

func secondsToDuration(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}
