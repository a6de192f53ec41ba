package domain

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000
	// MaxFeeBps caps the protocol fee at 5%.
	MaxFeeBps = 500
)

// PlatformPolicy is the admission-control state owned by the platform owner.
type PlatformPolicy struct {
	Owner        common.Address   `json:"owner"`
	Paused       bool             `json:"paused"`
	FeeBps       uint16           `json:"fee_bps"`
	FeeRecipient common.Address   `json:"fee_recipient"`
	Allowlist    []common.Address `json:"allowlist"`
}

// DefaultPolicy returns an unpaused, fee-free policy owned (and fee-collected) by owner.
func DefaultPolicy(owner common.Address) PlatformPolicy {
	return PlatformPolicy{
		Owner:        owner,
		FeeRecipient: owner,
		Allowlist:    []common.Address{},
	}
}

func (p PlatformPolicy) Clone() PlatformPolicy {
	c := p
	c.Allowlist = slices.Clone(p.Allowlist)
	if c.Allowlist == nil {
		c.Allowlist = []common.Address{}
	}
	return c
}

func (p PlatformPolicy) IsAllowlisted(addr common.Address) bool {
	return slices.Contains(p.Allowlist, addr)
}

// SetAllowlisted adds or removes addr, keeping the list free of duplicates.
func (p *PlatformPolicy) SetAllowlisted(addr common.Address, allowed bool) {
	idx := slices.Index(p.Allowlist, addr)
	switch {
	case allowed && idx < 0:
		p.Allowlist = append(p.Allowlist, addr)
	case !allowed && idx >= 0:
		p.Allowlist = slices.Delete(p.Allowlist, idx, idx+1)
	}
}
