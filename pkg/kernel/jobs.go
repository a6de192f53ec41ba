package kernel

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/oapi-codegen/runtime"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500

	// maxDurationSec is the longest whole-second span a time.Duration can hold.
	maxDurationSec = math.MaxInt64 / int64(time.Second)
)

type postJobRequest struct {
	Description        string `json:"description"`
	MinPrice           string `json:"min_price"`
	MaxPrice           string `json:"max_price"`
	AuctionDurationSec uint64 `json:"auction_duration_sec"`
	WorkDeadlineSec    uint64 `json:"work_deadline_sec"`
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

type submitRequest struct {
	SubmissionURI string `json:"submission_uri"`
}

type approveRequest struct {
	Rating int `json:"rating"`
}

// jobResponse is the listing, its assignment, and the live auction price while open.
type jobResponse struct {
	domain.JobCore
	Assignment   domain.JobAgent `json:"assignment"`
	CurrentPrice *big.Int        `json:"current_price,omitempty"`
}

type settlementResponse struct {
	JobID  domain.JobID `json:"job_id"`
	Payout *big.Int     `json:"payout"`
	Fee    *big.Int     `json:"fee"`
}

func (s *Server) toJobResponse(r *http.Request, job domain.Job) jobResponse {
	resp := jobResponse{JobCore: job.Core(), Assignment: job.AgentView()}
	if job.Status == domain.JobStatusOpen {
		if price, err := s.market.CurrentPrice(r.Context(), job.ID); err == nil {
			resp.CurrentPrice = price
		}
	}
	return resp
}

// handlePostJob escrows the ceiling price and lists the job.
// POST /v1/jobs
func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req postJobRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	minPrice, err := parseAmount("min_price", req.MinPrice)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	maxPrice, err := parseAmount("max_price", req.MaxPrice)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	auction, err := parseSeconds("auction_duration_sec", req.AuctionDurationSec)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	deadline, err := parseSeconds("work_deadline_sec", req.WorkDeadlineSec)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	id, err := s.market.Post(r.Context(), caller, domain.PostParams{
		Description:     req.Description,
		MinPrice:        minPrice,
		MaxPrice:        maxPrice,
		AuctionDuration: auction,
		WorkDeadline:    deadline,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.market.Job(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toJobResponse(r, job))
}

// parseSeconds converts a whole-second field, refusing values a time.Duration would wrap.
func parseSeconds(field string, sec uint64) (time.Duration, error) {
	if sec > uint64(maxDurationSec) {
		return 0, fmt.Errorf("%s: %d exceeds %d", field, sec, maxDurationSec)
	}
	return time.Duration(sec) * time.Second, nil
}

// GET /v1/jobs?after={id}&limit={n}
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var after uint64
	limit := defaultPageSize
	if err := runtime.BindQueryParameter("form", true, false, "after", r.URL.Query(), &after); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		badRequest(w, err.Error())
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	jobs, err := s.market.ListJobs(r.Context(), domain.JobID(after), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.toJobResponse(r, job))
	}
	resp := map[string]any{
		"jobs":  out,
		"count": len(out),
	}
	if len(jobs) == limit {
		resp["next_after"] = jobs[len(jobs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	job, err := s.market.Job(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toJobResponse(r, job))
}

// GET /v1/jobs/{id}/price
func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	price, err := s.market.CurrentPrice(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "price": price})
}

// jobAction resolves the caller and job id shared by every lifecycle endpoint.
func jobAction(w http.ResponseWriter, r *http.Request) (common.Address, domain.JobID, bool) {
	caller, err := callerAddress(r)
	if err != nil {
		badRequest(w, err.Error())
		return common.Address{}, 0, false
	}
	id, err := jobIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return common.Address{}, 0, false
	}
	return caller, id, true
}

// POST /v1/jobs/{id}/claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobAction(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	agentID, err := parseAmount("agent_id", req.AgentID)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	price, err := s.market.Claim(r.Context(), caller, id, agentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "price": price})
}

// POST /v1/jobs/{id}/submit
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobAction(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.market.Submit(r.Context(), caller, id, req.SubmissionURI); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/jobs/{id}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobAction(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	settlement, err := s.market.Approve(r.Context(), caller, id, req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{JobID: id, Payout: settlement.Payout, Fee: settlement.Fee})
}

// POST /v1/jobs/{id}/reclaim
func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobAction(w, r)
	if !ok {
		return
	}
	settlement, err := s.market.Reclaim(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{JobID: id, Payout: settlement.Payout, Fee: settlement.Fee})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.handleTerminal(w, r, s.market.Dispute)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTerminal(w, r, s.market.Cancel)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	s.handleTerminal(w, r, s.market.Expire)
}

// handleTerminal runs a body-less refund transition (dispute, cancel, expire).
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address, domain.JobID) error) {
	caller, id, ok := jobAction(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), caller, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/agents/{address}/stats
func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		badRequest(w, "invalid agent address")
		return
	}
	stats, err := s.market.AgentStats(r.Context(), common.HexToAddress(raw))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /v1/platform/stats
func (s *Server) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.market.PlatformStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	escrow, err := s.market.EscrowBalance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":          stats,
		"policy":         s.market.Policy(),
		"escrow_balance": escrow,
		"engine":         s.market.Address(),
	})
}
