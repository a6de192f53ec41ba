package domain

import "errors"

// ErrorKind is the closed set of rejection categories.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindStateConflict ErrorKind = "state_conflict"
	KindAuthorization ErrorKind = "authorization"
	KindTiming        ErrorKind = "timing"
	KindIdentity      ErrorKind = "identity"
	KindAdmission     ErrorKind = "admission"
	KindNotFound      ErrorKind = "not_found"
	KindLedger        ErrorKind = "ledger"
)

// Rejection is a deterministic refusal of one caller's request. Every rejection reason is a
// package-level sentinel, compared with errors.Is.
type Rejection struct {
	Kind   ErrorKind
	Reason string
	msg    string
}

func (r *Rejection) Error() string {
	return r.msg
}

func reject(kind ErrorKind, reason, msg string) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, msg: msg}
}

var (
	ErrEmptyDescription  = reject(KindValidation, "empty_description", "description is empty")
	ErrInvalidPriceRange = reject(KindValidation, "invalid_price_range", "price range must satisfy max >= min > 0")
	ErrZeroDuration      = reject(KindValidation, "zero_auction_duration", "auction duration must be at least one second")
	ErrZeroDeadline      = reject(KindValidation, "zero_work_deadline", "work deadline must be at least one second")
	ErrRatingOutOfRange  = reject(KindValidation, "rating_out_of_range", "rating must be between 0 and 100")
	ErrEmptySubmission   = reject(KindValidation, "empty_submission", "submission reference is empty")
	ErrZeroAddress       = reject(KindValidation, "zero_address", "address must not be zero")
	ErrNothingToWithdraw = reject(KindValidation, "nothing_to_withdraw", "no accrued fees to withdraw")

	ErrJobNotOpen      = reject(KindStateConflict, "job_not_open", "job is not open")
	ErrJobNotClaimed   = reject(KindStateConflict, "job_not_claimed", "job is not claimed")
	ErrJobNotSubmitted = reject(KindStateConflict, "job_not_submitted", "job is not submitted")
	ErrReentrantCall   = reject(KindStateConflict, "reentrant_call", "call re-entered the engine during a transition")

	ErrNotPoster = reject(KindAuthorization, "not_poster", "caller is not the job poster")
	ErrNotAgent  = reject(KindAuthorization, "not_agent", "caller is not the assigned agent")
	ErrSelfClaim = reject(KindAuthorization, "self_claim", "poster cannot claim their own job")
	ErrNotOwner  = reject(KindAuthorization, "not_owner", "caller is not the platform owner")

	ErrDeadlinePassed     = reject(KindTiming, "deadline_passed", "work deadline has passed")
	ErrDeadlineNotReached = reject(KindTiming, "deadline_not_reached", "work deadline has not passed yet")
	ErrGraceNotElapsed    = reject(KindTiming, "grace_not_elapsed", "reclaim grace window has not elapsed")

	ErrIdentityUnregistered = reject(KindIdentity, "identity_unregistered", "agent identity is not registered")
	ErrIdentityInactive     = reject(KindIdentity, "identity_inactive", "agent identity is deactivated")
	ErrIdentityMismatch     = reject(KindIdentity, "identity_mismatch", "caller does not control the agent identity")
	ErrIdentityUnavailable  = reject(KindIdentity, "identity_unavailable", "identity registry unavailable")

	ErrPaused            = reject(KindAdmission, "paused", "platform is paused")
	ErrFeeTooHigh        = reject(KindAdmission, "fee_too_high", "fee exceeds the 5% cap")
	ErrSweepPaymentToken = reject(KindAdmission, "sweep_payment_token", "the payment token cannot be swept")
	ErrSweepUnsupported  = reject(KindAdmission, "sweep_unsupported", "no token ledgers configured for sweeping")

	ErrJobNotFound = reject(KindNotFound, "job_not_found", "job not found")

	ErrInsufficientAllowance = reject(KindLedger, "insufficient_allowance", "escrow allowance below required amount")
	ErrTransferFailed        = reject(KindLedger, "transfer_failed", "token transfer failed")
)

// KindOf returns the category of the first Rejection in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Kind
	}
	return ""
}

// ReasonOf returns the stable reason code of the first Rejection in err's chain.
func ReasonOf(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}
