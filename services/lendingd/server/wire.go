package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"debtledger/core/types"
	"debtledger/crypto"
	"debtledger/native/lending"
	"debtledger/services/lendingd/eventstore"
)

const requestLimit = 1 << 20 // 1 MiB

type borrowRequest struct {
	Amount          string `json:"amount"`
	CollateralDelta string `json:"collateral_delta"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type proposeRequest struct {
	Implementation string `json:"implementation"`
}

type feeRateRequest struct {
	Rate *uint64 `json:"rate"`
}

type treasuryRequest struct {
	Treasury string `json:"treasury"`
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

type accountResponse struct {
	Address          string `json:"address"`
	BorrowedAmount   string `json:"borrowed_amount"`
	CollateralAmount string `json:"collateral_amount"`
	BorrowTime       uint64 `json:"borrow_time"`
}

type borrowResponse struct {
	Fee      string          `json:"fee"`
	Received string          `json:"received"`
	Account  accountResponse `json:"account"`
}

type repayResponse struct {
	Repaid  string          `json:"repaid"`
	Account accountResponse `json:"account"`
}

type withdrawResponse struct {
	Withdrawn string          `json:"withdrawn"`
	Account   accountResponse `json:"account"`
}

type accountInfoResponse struct {
	Address         string  `json:"address"`
	Principal       string  `json:"principal"`
	Debt            string  `json:"debt"`
	Collateral      string  `json:"collateral"`
	CollateralValue string  `json:"collateral_value"`
	BorrowTime      uint64  `json:"borrow_time"`
	LTV             *string `json:"ltv"`
	MaxLTV          string  `json:"max_ltv"`
}

type configResponse struct {
	BorrowFeeRate uint64 `json:"borrow_fee_rate"`
	Treasury      string `json:"treasury"`
	ApprovalDelay uint64 `json:"approval_delay"`
	Manager       string `json:"manager"`
}

type policyResponse struct {
	Active        string  `json:"active"`
	Candidate     *string `json:"candidate,omitempty"`
	ProposedTime  *uint64 `json:"proposed_time,omitempty"`
	ActivatableAt *uint64 `json:"activatable_at,omitempty"`
}

type eventResponse struct {
	ID       string       `json:"id"`
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// parseAmount accepts base-10 base units. An empty value is zero when
// optional is set.
func parseAmount(field, raw string, optional bool) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if optional {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("%s required", field)
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func toAccountResponse(acc *lending.Account) accountResponse {
	if acc == nil {
		return accountResponse{BorrowedAmount: "0", CollateralAmount: "0"}
	}
	return accountResponse{
		Address:          acc.Address.String(),
		BorrowedAmount:   formatAmount(acc.BorrowedAmount),
		CollateralAmount: formatAmount(acc.CollateralAmount),
		BorrowTime:       acc.BorrowTime,
	}
}

func toAccountInfoResponse(info *lending.AccountInfo) accountInfoResponse {
	out := accountInfoResponse{
		Address:         info.Address.String(),
		Principal:       formatAmount(info.Principal),
		Debt:            formatAmount(info.Debt),
		Collateral:      formatAmount(info.Collateral),
		CollateralValue: formatAmount(info.CollateralValue),
		BorrowTime:      info.BorrowTime,
		MaxLTV:          formatAmount(info.MaxLTV),
	}
	if info.LTV != nil {
		ltv := info.LTV.Dec()
		out.LTV = &ltv
	}
	return out
}

func toConfigResponse(cfg lending.LedgerConfig) configResponse {
	return configResponse{
		BorrowFeeRate: cfg.BorrowFeeRate,
		Treasury:      cfg.Treasury.String(),
		ApprovalDelay: cfg.ApprovalDelay,
		Manager:       cfg.Manager.String(),
	}
}

func toPolicyResponse(active string, candidate lending.PolicyCandidate, delay uint64) policyResponse {
	out := policyResponse{Active: active}
	if candidate.Empty() {
		return out
	}
	name := candidate.Implementation
	proposed := candidate.ProposedTime
	out.Candidate = &name
	out.ProposedTime = &proposed
	if at, ok := candidate.ActivatableAt(delay); ok {
		out.ActivatableAt = &at
	}
	return out
}

func toEventResponses(records []eventstore.Record) ([]eventResponse, error) {
	out := make([]eventResponse, 0, len(records))
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, eventResponse{ID: record.ID.String(), Sequence: record.Sequence, Event: evt})
	}
	return out, nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
