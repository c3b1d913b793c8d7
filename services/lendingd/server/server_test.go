package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"debtledger/config"
	"debtledger/core/events"
	"debtledger/crypto"
	"debtledger/native/common"
	"debtledger/native/lending"
	"debtledger/services/lendingd/eventstore"
	"debtledger/services/lendingd/ledger"
	"debtledger/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), lending.Scale)
}

type harness struct {
	t      *testing.T
	ledger *ledger.Ledger
	store  *eventstore.Store
	server *Server
}

var (
	owner    = testAddress(1)
	treasury = testAddress(2)
	user     = testAddress(3)
	operator = testAddress(4)
)

func newHarness(t *testing.T, quota *common.QuotaTracker) *harness {
	t.Helper()
	store, err := eventstore.Open(eventstore.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Ledger{
		ModuleName: config.DefaultModuleName,
		Storage:    config.Storage{Backend: storage.BackendMemory},
		Lending: lending.Config{
			Treasury:             treasury.String(),
			BorrowFeeRate:        5,
			ApprovalDelaySeconds: 3600,
			Policy:               lending.PolicyStandard,
		},
		Vault: config.Vault{
			Owner:         owner.String(),
			PricePerShare: "1000000000000000000",
			InterestRate:  "0",
			LTVCap:        "800000000000000000",
		},
		DebtToken: config.DebtToken{Owner: owner.String(), MintCeiling: units(1_000).Dec()},
	}
	// Each read advances the clock so consecutive operations land in later
	// seconds.
	var tick atomic.Int64
	l, err := ledger.Open(context.Background(), cfg, ledger.Options{
		Emitter: store,
		Now:     func() time.Time { return time.Unix(1_700_000_000+tick.Add(1), 0) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Vault.Mint(owner, user, units(100)))

	srv := New(Config{
		Engine: l.Engine,
		Pauses: l.Pauses,
		Events: store,
		Auth:   AuthConfig{HMACSecret: testSecret, AdminSubjects: []string{operator.String()}},
		Quota:  quota,
	})
	return &harness{t: t, ledger: l, store: store, server: srv}
}

func (h *harness) do(method, path string, as *crypto.Address, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		token, err := IssueToken(testSecret, *as, "", "", time.Hour, time.Now())
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"].Code
}

func TestBorrowRepayWithdrawFlow(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(50).Dec(), CollateralDelta: units(100).Dec()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var borrowed borrowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &borrowed))
	require.Equal(t, "49750000000000000000", borrowed.Received)
	require.Equal(t, "250000000000000000", borrowed.Fee)
	require.Equal(t, units(50).Dec(), borrowed.Account.BorrowedAmount)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = h.do(http.MethodGet, "/v1/accounts/"+user.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info accountInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, units(50).Dec(), info.Debt)
	require.Equal(t, units(100).Dec(), info.Collateral)
	require.NotNil(t, info.LTV)
	require.Equal(t, "500000000000000000", *info.LTV)

	// The borrower only received the net amount, so top up before repaying in full.
	require.NoError(t, h.ledger.Token.SetValidIssuer(owner, owner, units(1)))
	require.NoError(t, h.ledger.Token.Mint(owner, user, units(1)))
	require.NoError(t, h.ledger.Token.Approve(user, h.ledger.Address, units(50)))

	rec = h.do(http.MethodPost, "/v1/repay", &user, amountRequest{Amount: units(20).Dec()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/v1/repay-all", &user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var repaid repayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repaid))
	require.Equal(t, units(30).Dec(), repaid.Repaid)
	require.Equal(t, "0", repaid.Account.BorrowedAmount)

	rec = h.do(http.MethodPost, "/v1/withdraw-all", &user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withdrawn withdrawResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &withdrawn))
	require.Equal(t, units(100).Dec(), withdrawn.Withdrawn)

	rec = h.do(http.MethodGet, "/v1/events?account="+user.String()+"&type="+events.TypeLendingBorrow, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var listed struct {
		Events []eventResponse `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Events, 1)
	require.Equal(t, events.TypeLendingBorrow, listed.Events[0].Event.Type)
	require.Equal(t, user.String(), listed.Events[0].Event.Attributes["account"])
}

func TestMutationsRequireBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/borrow", nil, borrowRequest{Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", errorCode(t, rec))
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(90).Dec(), CollateralDelta: units(100).Dec()})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "over_ltv", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: "12abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_amount", errorCode(t, rec))

	rec = h.do(http.MethodGet, "/v1/accounts/not-an-address", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_address", errorCode(t, rec))
}

func TestGovernanceRoutes(t *testing.T) {
	h := newHarness(t, nil)
	rate := uint64(9)

	rec := h.do(http.MethodPost, "/v1/governance/fee-rate", &user, feeRateRequest{Rate: &rate})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "not_authorized", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/governance/fee-rate", &owner, feeRateRequest{Rate: &rate})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cfg configResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Equal(t, rate, cfg.BorrowFeeRate)

	rec = h.do(http.MethodPost, "/v1/governance/propose", &owner, proposeRequest{Implementation: lending.PolicyBuffered})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var policy policyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	require.Equal(t, lending.PolicyStandard, policy.Active)
	require.NotNil(t, policy.Candidate)
	require.Equal(t, lending.PolicyBuffered, *policy.Candidate)
	require.NotNil(t, policy.ProposedTime)
	require.NotNil(t, policy.ActivatableAt)
	require.Equal(t, *policy.ProposedTime+3600, *policy.ActivatableAt)

	rec = h.do(http.MethodPost, "/v1/governance/upgrade", &owner, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "delay_not_elapsed", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/governance/treasury", &owner, treasuryRequest{Treasury: user.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Equal(t, user.String(), cfg.Treasury)
}

func TestAdminPause(t *testing.T) {
	h := newHarness(t, nil)
	paused := true

	rec := h.do(http.MethodPost, "/v1/admin/pause", &user, pauseRequest{Paused: &paused})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/pause", &operator, pauseRequest{Paused: &paused})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, h.ledger.Pauses.IsPaused(lending.ModuleName))

	rec = h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(1).Dec(), CollateralDelta: units(10).Dec()})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "paused", errorCode(t, rec))
}

func TestQuotaRejectsExcessRequests(t *testing.T) {
	h := newHarness(t, common.NewQuotaTracker(common.Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 3600}))

	rec := h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(1).Dec(), CollateralDelta: units(10).Dec()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(1).Dec()})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "quota_exceeded", errorCode(t, rec))
}

func TestQuotaRefundedWhenEngineRejects(t *testing.T) {
	h := newHarness(t, common.NewQuotaTracker(common.Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 3600}))

	rec := h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(50).Dec(), CollateralDelta: units(10).Dec()})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "over_ltv", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/borrow", &user, borrowRequest{Amount: units(1).Dec(), CollateralDelta: units(10).Dec()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDigestAndHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/v1/digest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["digest"], 64)

	rec = h.do(http.MethodGet, "/v1/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg configResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Equal(t, owner.String(), cfg.Manager)
	require.Equal(t, uint64(3600), cfg.ApprovalDelay)
}
