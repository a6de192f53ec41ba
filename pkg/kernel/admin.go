package kernel

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

type feeRequest struct {
	FeeBps uint16 `json:"fee_bps"`
}

type feeRecipientRequest struct {
	Recipient common.Address `json:"recipient"`
}

type allowlistRequest struct {
	Account common.Address `json:"account"`
	Allowed bool           `json:"allowed"`
}

type sweepRequest struct {
	Token common.Address `json:"token"`
	To    common.Address `json:"to"`
}

type ownerRequest struct {
	NewOwner common.Address `json:"new_owner"`
}

// adminAction decodes the optional body and resolves the caller, then runs fn.
func (s *Server) adminAction(w http.ResponseWriter, r *http.Request, body any, fn func(caller common.Address) error) {
	caller, err := callerAddress(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if body != nil {
		if err := decodeBody(r, body); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if err := fn(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/admin/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.adminAction(w, r, nil, func(caller common.Address) error {
		return s.market.Pause(r.Context(), caller)
	})
}

// POST /v1/admin/unpause
func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.adminAction(w, r, nil, func(caller common.Address) error {
		return s.market.Unpause(r.Context(), caller)
	})
}

// POST /v1/admin/fee
func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	s.adminAction(w, r, &req, func(caller common.Address) error {
		return s.market.SetFee(r.Context(), caller, req.FeeBps)
	})
}

// POST /v1/admin/fee-recipient
func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req feeRecipientRequest
	s.adminAction(w, r, &req, func(caller common.Address) error {
		return s.market.SetFeeRecipient(r.Context(), caller, req.Recipient)
	})
}

// POST /v1/admin/allowlist
func (s *Server) handleSetAllowlisted(w http.ResponseWriter, r *http.Request) {
	var req allowlistRequest
	s.adminAction(w, r, &req, func(caller common.Address) error {
		return s.market.SetAllowlisted(r.Context(), caller, req.Account, req.Allowed)
	})
}

// POST /v1/admin/owner
func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	s.adminAction(w, r, &req, func(caller common.Address) error {
		return s.market.TransferOwnership(r.Context(), caller, req.NewOwner)
	})
}

// POST /v1/admin/withdraw-fees
func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := s.market.WithdrawFees(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":    amount,
		"recipient": s.market.Policy().FeeRecipient,
	})
}

// POST /v1/admin/sweep
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req sweepRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := s.market.Sweep(r.Context(), caller, req.Token, req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  req.Token,
		"to":     req.To,
		"amount": amount,
	})
}
