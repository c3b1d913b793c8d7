package server

import (
	"context"
	"errors"
	"net/http"

	"debtledger/native/common"
	"debtledger/native/debttoken"
	"debtledger/native/lending"
	"debtledger/native/vault"
)

type apiError struct {
	status int
	code   string
}

// errorTable is checked in order; the first match wins.
var errorTable = []struct {
	target error
	apiError
}{
	{lending.ErrOverLTV, apiError{http.StatusUnprocessableEntity, "over_ltv"}},
	{lending.ErrOverRepay, apiError{http.StatusUnprocessableEntity, "over_repay"}},
	{lending.ErrInsufficientLiquidity, apiError{http.StatusUnprocessableEntity, "insufficient_liquidity"}},
	{lending.ErrUnderflow, apiError{http.StatusUnprocessableEntity, "collateral_underflow"}},
	{vault.ErrInsufficientShares, apiError{http.StatusUnprocessableEntity, "insufficient_shares"}},
	{debttoken.ErrInsufficientBalance, apiError{http.StatusUnprocessableEntity, "insufficient_balance"}},
	{debttoken.ErrInsufficientAllowance, apiError{http.StatusUnprocessableEntity, "insufficient_allowance"}},
	{debttoken.ErrMintCeiling, apiError{http.StatusUnprocessableEntity, "mint_ceiling"}},
	{lending.ErrInvalidAmount, apiError{http.StatusBadRequest, "invalid_amount"}},
	{lending.ErrInvalidAddress, apiError{http.StatusBadRequest, "invalid_address"}},
	{lending.ErrUnknownPolicy, apiError{http.StatusBadRequest, "unknown_policy"}},
	{lending.ErrFeeCapExceeded, apiError{http.StatusBadRequest, "fee_cap_exceeded"}},
	{lending.ErrNotAuthorized, apiError{http.StatusForbidden, "not_authorized"}},
	{lending.ErrNoCandidate, apiError{http.StatusConflict, "no_candidate"}},
	{lending.ErrDelayNotElapsed, apiError{http.StatusConflict, "delay_not_elapsed"}},
	{lending.ErrAlreadyInitialized, apiError{http.StatusConflict, "already_initialized"}},
	{lending.ErrNotInitialized, apiError{http.StatusServiceUnavailable, "not_initialized"}},
	{common.ErrModulePaused, apiError{http.StatusServiceUnavailable, "paused"}},
	{common.ErrQuotaRequestsExceeded, apiError{http.StatusTooManyRequests, "quota_exceeded"}},
	{common.ErrQuotaAmountExceeded, apiError{http.StatusTooManyRequests, "quota_exceeded"}},
	{context.DeadlineExceeded, apiError{http.StatusGatewayTimeout, "timeout"}},
	{context.Canceled, apiError{http.StatusServiceUnavailable, "canceled"}},
}

var internalError = apiError{http.StatusInternalServerError, "internal"}

// classify maps an engine error onto its HTTP status and stable code.
// Unrecognised errors, invariant violations and overflow are internal.
func classify(err error) apiError {
	for _, entry := range errorTable {
		if errors.Is(err, entry.target) {
			return entry.apiError
		}
	}
	return internalError
}
