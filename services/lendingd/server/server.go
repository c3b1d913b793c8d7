package server

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"debtledger/crypto"
	"debtledger/native/common"
	"debtledger/native/lending"
	"debtledger/observability"
	"debtledger/services/lendingd/eventstore"
)

// Engine is the ledger surface served over HTTP.
type Engine interface {
	Borrow(ctx context.Context, caller crypto.Address, amount, collateralDelta *uint256.Int) (*lending.BorrowReceipt, error)
	Repay(ctx context.Context, caller crypto.Address, amount *uint256.Int) (*lending.RepayReceipt, error)
	RepayAll(ctx context.Context, caller crypto.Address) (*lending.RepayReceipt, error)
	Withdraw(ctx context.Context, caller crypto.Address, amount *uint256.Int) (*lending.WithdrawReceipt, error)
	WithdrawAll(ctx context.Context, caller crypto.Address) (*lending.WithdrawReceipt, error)
	AccountInfo(ctx context.Context, addr crypto.Address) (*lending.AccountInfo, error)
	Config(ctx context.Context) (lending.LedgerConfig, error)
	Candidate(ctx context.Context) (lending.PolicyCandidate, error)
	ActivePolicy(ctx context.Context) (string, error)
	StateDigest(ctx context.Context) ([32]byte, error)
	ProposeImplementation(ctx context.Context, caller crypto.Address, name string) error
	UpgradeImplementation(ctx context.Context, caller crypto.Address) error
	SetBorrowFeeRate(ctx context.Context, caller crypto.Address, rate uint64) error
	SetTreasury(ctx context.Context, caller, treasury crypto.Address) error
}

// EventLister reads persisted ledger events.
type EventLister interface {
	List(ctx context.Context, f eventstore.Filter) ([]eventstore.Record, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine         Engine
	Pauses         *common.PauseSet
	Events         EventLister
	Stream         http.Handler
	Auth           AuthConfig
	RateLimit      RateLimit
	Quota          *common.QuotaTracker
	Logger         *slog.Logger
	RequestTimeout time.Duration
	ServiceName    string
}

// Server exposes the ledger over a JSON HTTP API.
type Server struct {
	engine  Engine
	pauses  *common.PauseSet
	events  EventLister
	stream  http.Handler
	auth    *authenticator
	limiter *rateLimiter
	quota   *common.QuotaTracker
	logger  *slog.Logger
	timeout time.Duration

	router http.Handler
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "lendingd"
	}
	s := &Server{
		engine:  cfg.Engine,
		pauses:  cfg.Pauses,
		events:  cfg.Events,
		stream:  cfg.Stream,
		auth:    newAuthenticator(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit, func() { observability.Lending().RecordThrottle("rate_limit") }),
		quota:   cfg.Quota,
		logger:  logger,
		timeout: cfg.RequestTimeout,
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), cfg.ServiceName)
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if s.stream != nil {
			api.Handle("/events/stream", s.stream)
		}
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.middleware)
			public.With(s.observe("config")).Get("/config", s.handleConfig)
			public.With(s.observe("policy")).Get("/policy", s.handlePolicy)
			public.With(s.observe("account_info")).Get("/accounts/{address}", s.handleAccountInfo)
			public.With(s.observe("digest")).Get("/digest", s.handleDigest)
			public.With(s.observe("events")).Get("/events", s.handleEvents)
		})
		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.middleware)
			protected.Use(s.limiter.middleware)
			protected.With(s.observe("borrow")).Post("/borrow", s.handleBorrow)
			protected.With(s.observe("repay")).Post("/repay", s.handleRepay)
			protected.With(s.observe("repay_all")).Post("/repay-all", s.handleRepayAll)
			protected.With(s.observe("withdraw")).Post("/withdraw", s.handleWithdraw)
			protected.With(s.observe("withdraw_all")).Post("/withdraw-all", s.handleWithdrawAll)

			protected.Route("/governance", func(gov chi.Router) {
				gov.With(s.observe("propose_implementation")).Post("/propose", s.handlePropose)
				gov.With(s.observe("upgrade_implementation")).Post("/upgrade", s.handleUpgrade)
				gov.With(s.observe("set_borrow_fee_rate")).Post("/fee-rate", s.handleFeeRate)
				gov.With(s.observe("set_treasury")).Post("/treasury", s.handleTreasury)
			})
			protected.With(s.auth.requireAdmin, s.observe("pause")).Post("/admin/pause", s.handlePause)
		})
	})
	return r
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	s.writeConfig(ctx, w, r)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	s.writePolicy(ctx, w, r)
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	info, err := s.engine.AccountInfo(ctx, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountInfoResponse(info))
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	digest, err := s.engine.StateDigest(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digest": hex.EncodeToString(digest[:])})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "event store disabled")
		return
	}
	query := r.URL.Query()
	filter := eventstore.Filter{Type: strings.TrimSpace(query.Get("type"))}
	if raw := strings.TrimSpace(query.Get("account")); raw != "" {
		addr, err := parseAddress("account", raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_address", err.Error())
			return
		}
		filter.Account = addr.String()
	}
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "after must be an unsigned integer")
			return
		}
		filter.After = after
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	records, err := s.events.List(ctx, filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out, err := toEventResponses(records)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req borrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	delta, err := parseAmount("collateral_delta", req.CollateralDelta, true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	if !s.consumeQuota(w, r, caller, amount) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	receipt, err := s.engine.Borrow(ctx, caller.Address, amount, delta)
	if err != nil {
		s.refundQuota(caller, amount)
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, borrowResponse{
		Fee:      formatAmount(receipt.Fee),
		Received: formatAmount(receipt.Received),
		Account:  toAccountResponse(receipt.Account),
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	amount, ok := s.decodeAmount(w, r)
	if !ok || !s.consumeQuota(w, r, caller, amount) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	receipt, err := s.engine.Repay(ctx, caller.Address, amount)
	if err != nil {
		s.refundQuota(caller, amount)
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayResponse{Repaid: formatAmount(receipt.Repaid), Account: toAccountResponse(receipt.Account)})
}

func (s *Server) handleRepayAll(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if !s.consumeQuota(w, r, caller, nil) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	receipt, err := s.engine.RepayAll(ctx, caller.Address)
	if err != nil {
		s.refundQuota(caller, nil)
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayResponse{Repaid: formatAmount(receipt.Repaid), Account: toAccountResponse(receipt.Account)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	amount, ok := s.decodeAmount(w, r)
	if !ok || !s.consumeQuota(w, r, caller, amount) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	receipt, err := s.engine.Withdraw(ctx, caller.Address, amount)
	if err != nil {
		s.refundQuota(caller, amount)
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Withdrawn: formatAmount(receipt.Withdrawn), Account: toAccountResponse(receipt.Account)})
}

func (s *Server) handleWithdrawAll(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if !s.consumeQuota(w, r, caller, nil) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	receipt, err := s.engine.WithdrawAll(ctx, caller.Address)
	if err != nil {
		s.refundQuota(caller, nil)
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Withdrawn: formatAmount(receipt.Withdrawn), Account: toAccountResponse(receipt.Account)})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.engine.ProposeImplementation(ctx, caller.Address, strings.TrimSpace(req.Implementation)); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePolicy(ctx, w, r)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.engine.UpgradeImplementation(ctx, caller.Address); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePolicy(ctx, w, r)
}

func (s *Server) handleFeeRate(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req feeRateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Rate == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "rate required")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.engine.SetBorrowFeeRate(ctx, caller.Address, *req.Rate); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeConfig(ctx, w, r)
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req treasuryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	treasury, err := parseAddress("treasury", req.Treasury)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.engine.SetTreasury(ctx, caller.Address, treasury); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeConfig(ctx, w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "pauses disabled")
		return
	}
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Paused == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "paused required")
		return
	}
	s.pauses.SetPaused(lending.ModuleName, *req.Paused)
	caller, _ := CallerFromContext(r.Context())
	s.logger.Warn("lending pause toggled",
		slog.String("account", caller.Address.String()),
		slog.Bool("paused", *req.Paused),
		slog.String("request_id", RequestIDFromContext(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{"module": lending.ModuleName, "paused": *req.Paused})
}

func (s *Server) writePolicy(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	active, err := s.engine.ActivePolicy(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	candidate, err := s.engine.Candidate(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	cfg, err := s.engine.Config(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyResponse(active, candidate, cfg.ApprovalDelay))
}

func (s *Server) writeConfig(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Config(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(cfg))
}

func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request) (*uint256.Int, bool) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_amount", err.Error())
		return nil, false
	}
	return amount, true
}

// consumeQuota charges one request and the amount in whole tokens against
// the caller's epoch quota.
func (s *Server) consumeQuota(w http.ResponseWriter, r *http.Request, caller Caller, amount *uint256.Int) bool {
	if s.quota == nil {
		return true
	}
	if err := s.quota.Consume(caller.Address.String(), quotaUnits(amount)); err != nil {
		observability.Lending().RecordThrottle("quota")
		s.writeEngineError(w, r, err)
		return false
	}
	return true
}

// refundQuota returns a charge for a request the engine rejected.
func (s *Server) refundQuota(caller Caller, amount *uint256.Int) {
	if s.quota == nil {
		return
	}
	s.quota.Refund(caller.Address.String(), quotaUnits(amount))
}

func quotaUnits(amount *uint256.Int) uint64 {
	if amount == nil {
		return 0
	}
	whole := new(uint256.Int).Div(amount, lending.Scale)
	if !whole.IsUint64() {
		return ^uint64(0)
	}
	return whole.Uint64()
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := classify(err)
	if apiErr.status >= http.StatusInternalServerError {
		s.logger.Error("lending request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.Any("error", err))
	}
	message := err.Error()
	if apiErr == internalError {
		message = http.StatusText(http.StatusInternalServerError)
	}
	writeError(w, r, apiErr.status, apiErr.code, message)
}

func (s *Server) observe(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			observability.Lending().Observe(operation, recorder.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the identifier assigned to the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]errorResponse{"error": {
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}
