package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AgentIdentity is what the external registry reports for an agent identifier.
type AgentIdentity struct {
	AgentID    *big.Int       `json:"agent_id"`
	Controller common.Address `json:"controller"`
	Active     bool           `json:"active"`
	Registered bool           `json:"registered"`
}

// PostParams are the caller-supplied listing parameters of a new job.
type PostParams struct {
	Description     string
	MinPrice        *big.Int
	MaxPrice        *big.Int
	AuctionDuration time.Duration
	WorkDeadline    time.Duration
}
