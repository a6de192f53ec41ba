package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getkin/kin-openapi/routers"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/services"
	"github.com/oapi-codegen/runtime"
	"golang.org/x/crypto/bcrypt"
)

// CallerHeader carries the authenticated account of the request. The kernel runs behind a
// gateway that verifies it.
const CallerHeader = "X-Caller-Address"

type ServerConfig struct {
	// AdminTokenHash is the bcrypt hash of the admin bearer token. Empty disables /v1/admin.
	AdminTokenHash string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	logger     *slog.Logger
	market     *services.Marketplace
	eventBus   *services.EventBus
	router     routers.Router
	adminToken []byte
	metrics    http.Handler
}

func NewServer(ctx context.Context, logger *slog.Logger, market *services.Marketplace, eventBus *services.EventBus, cfg ServerConfig) (*Server, error) {
	router, err := newRouter(ctx)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:     logger,
		market:     market,
		eventBus:   eventBus,
		router:     router,
		adminToken: []byte(cfg.AdminTokenHash),
		metrics:    cfg.Metrics,
	}, nil
}

// Handler mounts the API routes on a mux behind request validation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handlePostJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/price", s.handleGetPrice)
	mux.HandleFunc("POST /v1/jobs/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/jobs/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/jobs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/jobs/{id}/dispute", s.handleDispute)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/jobs/{id}/expire", s.handleExpire)
	mux.HandleFunc("POST /v1/jobs/{id}/reclaim", s.handleReclaim)

	// SSE
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobSSE)
	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)

	mux.HandleFunc("GET /v1/agents/{address}/stats", s.handleAgentStats)
	mux.HandleFunc("GET /v1/platform/stats", s.handlePlatformStats)

	mux.Handle("POST /v1/admin/pause", s.requireAdmin(s.handlePause))
	mux.Handle("POST /v1/admin/unpause", s.requireAdmin(s.handleUnpause))
	mux.Handle("POST /v1/admin/fee", s.requireAdmin(s.handleSetFee))
	mux.Handle("POST /v1/admin/fee-recipient", s.requireAdmin(s.handleSetFeeRecipient))
	mux.Handle("POST /v1/admin/allowlist", s.requireAdmin(s.handleSetAllowlisted))
	mux.Handle("POST /v1/admin/withdraw-fees", s.requireAdmin(s.handleWithdrawFees))
	mux.Handle("POST /v1/admin/sweep", s.requireAdmin(s.handleSweep))
	mux.Handle("POST /v1/admin/owner", s.requireAdmin(s.handleTransferOwnership))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.validate(mux)
}

// requireAdmin guards owner operations with the admin bearer token. The engine still checks
// that the caller is the platform owner.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminToken) == 0 {
			writeJSON(w, http.StatusForbidden, errorResponse{
				Error:  "admin API is disabled",
				Kind:   domain.KindAuthorization,
				Reason: "admin_disabled",
			})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword(s.adminToken, []byte(token)) != nil {
			s.logger.Warn("rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error:  "invalid admin token",
				Kind:   domain.KindAuthorization,
				Reason: "invalid_admin_token",
			})
			return
		}
		next(w, r)
	})
}

type errorResponse struct {
	Error  string           `json:"error"`
	Kind   domain.ErrorKind `json:"kind,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// statusFor maps a rejection category to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindAuthorization, domain.KindIdentity:
		return http.StatusForbidden
	case domain.KindTiming:
		return http.StatusUnprocessableEntity
	case domain.KindAdmission:
		return http.StatusServiceUnavailable
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindLedger:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders rejections with their kind and reason. Anything else is an internal
// failure and is logged instead of exposed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *domain.Rejection
	if errors.As(err, &rej) {
		writeJSON(w, statusFor(rej.Kind), errorResponse{
			Error:  err.Error(),
			Kind:   rej.Kind,
			Reason: rej.Reason,
		})
		return
	}
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:  msg,
		Kind:   domain.KindValidation,
		Reason: "invalid_request",
	})
}

func callerAddress(r *http.Request) (common.Address, error) {
	v := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", CallerHeader)
	}
	return common.HexToAddress(v), nil
}

func jobIDParam(r *http.Request) (domain.JobID, error) {
	var id uint64
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return 0, fmt.Errorf("invalid job id: %w", err)
	}
	return domain.JobID(id), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, raw)
	}
	return v, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
