package domain

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// JobID is the store-assigned, monotonically increasing job identifier. The first job is 1.
type JobID uint64

func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

type JobStatus string

const (
	JobStatusOpen      JobStatus = "OPEN"
	JobStatusClaimed   JobStatus = "CLAIMED"
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusDisputed  JobStatus = "DISPUTED"
	JobStatusExpired   JobStatus = "EXPIRED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition can leave this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusDisputed, JobStatusExpired, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusOpen, JobStatusClaimed, JobStatusSubmitted,
		JobStatusCompleted, JobStatusDisputed, JobStatusExpired, JobStatusCancelled:
		return true
	}
	return false
}

const (
	// MaxRating is the highest rating a poster can give on approval.
	MaxRating = 100
	// ReclaimGraceFactor is the number of work deadlines, counted from claim time,
	// after which an agent may force settlement of an unreviewed submission.
	ReclaimGraceFactor = 3
)

// Job is a single marketplace listing and its lifecycle state.
// Poster, Description, prices, AuctionStart, AuctionDuration and WorkDeadline never change after Post.
type Job struct {
	ID              JobID
	Poster          common.Address
	Description     string
	MinPrice        *big.Int
	MaxPrice        *big.Int
	AuctionStart    time.Time
	AuctionDuration time.Duration
	WorkDeadline    time.Duration

	ClaimedAt     time.Time
	Agent         common.Address
	AgentID       *big.Int
	SubmissionURI string
	PaidAmount    *big.Int // 0 until claimed, then in [MinPrice, MaxPrice]
	Rating        uint8
	Status        JobStatus
}

// Clone returns a deep copy so callers can build the next state without aliasing big.Int values.
func (j Job) Clone() Job {
	c := j
	c.MinPrice = CloneAmount(j.MinPrice)
	c.MaxPrice = CloneAmount(j.MaxPrice)
	c.AgentID = CloneAmount(j.AgentID)
	c.PaidAmount = CloneAmount(j.PaidAmount)
	return c
}

// Owed is the amount the engine must still hold in escrow for this job.
func (j Job) Owed() *big.Int {
	switch j.Status {
	case JobStatusOpen:
		return CloneAmount(j.MaxPrice)
	case JobStatusClaimed, JobStatusSubmitted:
		return CloneAmount(j.PaidAmount)
	}
	return new(big.Int)
}

// WorkDue is the last instant at which the assigned agent may still submit.
func (j Job) WorkDue() time.Time {
	return j.ClaimedAt.Add(j.WorkDeadline)
}

// ReclaimableAfter is the instant after which the agent may reclaim an unreviewed submission.
func (j Job) ReclaimableAfter() time.Time {
	return j.ClaimedAt.Add(ReclaimGraceFactor * j.WorkDeadline)
}

// AuctionEnd is the instant at which the price reaches MaxPrice.
func (j Job) AuctionEnd() time.Time {
	return j.AuctionStart.Add(j.AuctionDuration)
}

// JobCore is the immutable listing part of a job plus its status.
type JobCore struct {
	ID                 JobID          `json:"id"`
	Poster             common.Address `json:"poster"`
	Description        string         `json:"description"`
	MinPrice           *big.Int       `json:"min_price"`
	MaxPrice           *big.Int       `json:"max_price"`
	AuctionStart       int64          `json:"auction_start"`
	AuctionDurationSec uint64         `json:"auction_duration_sec"`
	WorkDeadlineSec    uint64         `json:"work_deadline_sec"`
	Status             JobStatus      `json:"status"`
}

// JobAgent is the assignment and settlement part of a job.
type JobAgent struct {
	ID            JobID          `json:"id"`
	Agent         common.Address `json:"agent"`
	AgentID       *big.Int       `json:"agent_id"`
	ClaimedAt     int64          `json:"claimed_at"`
	SubmissionURI string         `json:"submission_uri"`
	PaidAmount    *big.Int       `json:"paid_amount"`
	Rating        uint8          `json:"rating"`
}

func (j Job) Core() JobCore {
	return JobCore{
		ID:                 j.ID,
		Poster:             j.Poster,
		Description:        j.Description,
		MinPrice:           CloneAmount(j.MinPrice),
		MaxPrice:           CloneAmount(j.MaxPrice),
		AuctionStart:       UnixOrZero(j.AuctionStart),
		AuctionDurationSec: uint64(j.AuctionDuration / time.Second),
		WorkDeadlineSec:    uint64(j.WorkDeadline / time.Second),
		Status:             j.Status,
	}
}

func (j Job) AgentView() JobAgent {
	agentID := CloneAmount(j.AgentID)
	if agentID == nil {
		agentID = new(big.Int)
	}
	return JobAgent{
		ID:            j.ID,
		Agent:         j.Agent,
		AgentID:       agentID,
		ClaimedAt:     UnixOrZero(j.ClaimedAt),
		SubmissionURI: j.SubmissionURI,
		PaidAmount:    CloneAmount(j.PaidAmount),
		Rating:        j.Rating,
	}
}

// CloneAmount copies a big.Int, preserving nil.
func CloneAmount(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// AmountOrZero returns x, or a fresh zero when x is nil.
func AmountOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// UnixOrZero maps the zero time to 0 instead of a negative epoch offset.
func UnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FromUnixOrZero is the inverse of UnixOrZero.
func FromUnixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
