package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

// HTTPRegistry reads agent identities from a registry service exposing
// GET {baseURL}/agents/{id}. A 404 means the identifier was never registered.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

var _ ports.IdentityRegistry = (*HTTPRegistry)(nil)

func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type identityResponse struct {
	AgentID    string `json:"agent_id"`
	Controller string `json:"controller"`
	Active     bool   `json:"active"`
}

func (r *HTTPRegistry) Lookup(ctx context.Context, agentID *big.Int) (domain.AgentIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/agents/"+agentID.String(), nil)
	if err != nil {
		return domain.AgentIdentity{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.AgentIdentity{}, fmt.Errorf("registry connection failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.AgentIdentity{AgentID: new(big.Int).Set(agentID)}, nil
	default:
		return domain.AgentIdentity{}, fmt.Errorf("registry returned status: %d", resp.StatusCode)
	}

	var body identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.AgentIdentity{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if !common.IsHexAddress(body.Controller) {
		return domain.AgentIdentity{}, fmt.Errorf("registry returned invalid controller %q", body.Controller)
	}

	return domain.AgentIdentity{
		AgentID:    new(big.Int).Set(agentID),
		Controller: common.HexToAddress(body.Controller),
		Active:     body.Active,
		Registered: true,
	}, nil
}
