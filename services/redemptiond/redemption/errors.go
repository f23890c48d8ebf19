package redemption

import (
	"errors"

	"repaircoin/services/redemptiond/approval"
	"repaircoin/services/redemptiond/directory"
	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/sessions"
)

// Wire error codes.
const (
	CodeInvalidAmount        = "invalid_amount"
	CodeInvalidAddress       = "invalid_address"
	CodeExceedsMaxRedeemable = "exceeds_max_redeemable"
	CodeSelfRedemption       = "self_redemption_not_allowed"
	CodeShopInactive         = "shop_inactive"
	CodeCustomerSuspended    = "customer_suspended"
	CodeBindingMismatch      = "binding_mismatch"
	CodeNotParty             = "not_session_party"
	CodeShopNotFound         = "shop_not_found"
	CodeCustomerNotFound     = "customer_not_found"
	CodeSessionNotFound      = "session_not_found"
	CodeDuplicatePending     = "duplicate_pending"
	CodeStaleTransition      = "stale_transition"
	CodeInvalidTransition    = "invalid_transition"
	CodeSessionExpired       = "session_expired"
	CodeInsufficientBalance  = "insufficient_balance"
	CodeTokenUnavailable     = "approval_token_unavailable"
	CodeInternal             = "internal_error"
)

// Code classifies err into its wire error code. Expiry is reported ahead of
// the generic invalid-transition code it may be wrapped with.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sessions.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrInvalidAddress):
		return CodeInvalidAddress
	case errors.Is(err, ErrExceedsMaxRedeemable):
		return CodeExceedsMaxRedeemable
	case errors.Is(err, ErrSelfRedemption):
		return CodeSelfRedemption
	case errors.Is(err, ErrShopInactive):
		return CodeShopInactive
	case errors.Is(err, ErrCustomerSuspended):
		return CodeCustomerSuspended
	case errors.Is(err, approval.ErrBindingMismatch):
		return CodeBindingMismatch
	case errors.Is(err, sessions.ErrNotParty):
		return CodeNotParty
	case errors.Is(err, directory.ErrShopNotFound), errors.Is(err, ledger.ErrShopNotFound):
		return CodeShopNotFound
	case errors.Is(err, directory.ErrCustomerNotFound), errors.Is(err, ledger.ErrCustomerNotFound):
		return CodeCustomerNotFound
	case errors.Is(err, sessions.ErrNotFound):
		return CodeSessionNotFound
	case errors.Is(err, sessions.ErrDuplicatePending):
		return CodeDuplicatePending
	case errors.Is(err, sessions.ErrStaleTransition):
		return CodeStaleTransition
	case errors.Is(err, sessions.ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, sessions.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrVerifierCannotIssue):
		return CodeTokenUnavailable
	}
	return CodeInternal
}
