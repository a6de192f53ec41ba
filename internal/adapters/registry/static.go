package registry

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

// StaticRegistry is an in-memory registry for development and tests.
type StaticRegistry struct {
	mu         sync.RWMutex
	identities map[string]domain.AgentIdentity
}

var _ ports.IdentityRegistry = (*StaticRegistry)(nil)

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{identities: make(map[string]domain.AgentIdentity)}
}

// Register records agentID as controlled by controller.
func (s *StaticRegistry) Register(agentID *big.Int, controller common.Address, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[agentID.String()] = domain.AgentIdentity{
		AgentID:    new(big.Int).Set(agentID),
		Controller: controller,
		Active:     active,
		Registered: true,
	}
}

func (s *StaticRegistry) Lookup(_ context.Context, agentID *big.Int) (domain.AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[agentID.String()]
	if !ok {
		return domain.AgentIdentity{AgentID: new(big.Int).Set(agentID)}, nil
	}
	ident.AgentID = new(big.Int).Set(ident.AgentID)
	return ident, nil
}
