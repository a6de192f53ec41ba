package services

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
)

// verifyClaimant checks that caller controls agentID in the external registry. Without a
// registry the marketplace runs in open mode and any identifier is accepted. Allow-listed
// callers (custodial controllers) skip only the controller match.
func (m *Marketplace) verifyClaimant(ctx context.Context, caller common.Address, agentID *big.Int) error {
	if m.identity == nil {
		return nil
	}

	ident, err := m.identity.Lookup(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, err)
	}
	if !ident.Registered {
		return domain.ErrIdentityUnregistered
	}
	if !ident.Active {
		return domain.ErrIdentityInactive
	}
	if ident.Controller != caller && !m.policy.Policy().IsAllowlisted(caller) {
		return domain.ErrIdentityMismatch
	}
	return nil
}
