package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type EventType string

const (
	EventJobPosted     EventType = "job_posted"
	EventJobClaimed    EventType = "job_claimed"
	EventWorkSubmitted EventType = "work_submitted"
	EventJobApproved   EventType = "job_approved"
	EventJobDisputed   EventType = "job_disputed"
	EventJobCancelled  EventType = "job_cancelled"
	EventJobExpired    EventType = "job_expired"
	EventJobReclaimed  EventType = "job_reclaimed"

	EventPaused               EventType = "paused"
	EventUnpaused             EventType = "unpaused"
	EventFeeUpdated           EventType = "fee_updated"
	EventFeeRecipientUpdated  EventType = "fee_recipient_updated"
	EventAllowlistUpdated     EventType = "allowlist_updated"
	EventFeesWithdrawn        EventType = "fees_withdrawn"
	EventTokensSwept          EventType = "tokens_swept"
	EventOwnershipTransferred EventType = "ownership_transferred"
)

// MarketEvent is emitted once per successful mutation. Only the fields relevant to
// Type are set.
type MarketEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	JobID     JobID          `json:"job_id,omitempty"`
	Actor     common.Address `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`

	// Post
	Description        string   `json:"description,omitempty"`
	MinPrice           *big.Int `json:"min_price,omitempty"`
	MaxPrice           *big.Int `json:"max_price,omitempty"`
	AuctionDurationSec uint64   `json:"auction_duration_sec,omitempty"`
	WorkDeadlineSec    uint64   `json:"work_deadline_sec,omitempty"`

	// Claim / settlement
	AgentID       *big.Int        `json:"agent_id,omitempty"`
	Counterparty  *common.Address `json:"counterparty,omitempty"`
	Price         *big.Int        `json:"price,omitempty"`
	Refund        *big.Int        `json:"refund,omitempty"`
	SubmissionURI string          `json:"submission_uri,omitempty"`
	Rating        *uint8          `json:"rating,omitempty"`
	Payout        *big.Int        `json:"payout,omitempty"`
	Fee           *big.Int        `json:"fee,omitempty"`

	// Admin
	FeeBps  *uint16         `json:"fee_bps,omitempty"`
	Token   *common.Address `json:"token,omitempty"`
	Amount  *big.Int        `json:"amount,omitempty"`
	Allowed *bool           `json:"allowed,omitempty"`
}
