package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/config"
	"github.com/upright-vc/libra2key/internal/hmacauth"
	"github.com/upright-vc/libra2key/internal/idempotency"
	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/service"
	"github.com/upright-vc/libra2key/internal/transfer"
	"github.com/upright-vc/libra2key/internal/units"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	maxRequestBody       = 1 << 20
)

type Server struct {
	cfg         *config.AppConfig
	svc         *service.Service
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *Metrics
	logger      *zap.Logger
	queue       *reconcileQueue
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, svc *service.Service, store idempotency.Store, metrics *Metrics, logger *zap.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:   cfg,
		svc:   svc,
		store: store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		metrics: metrics,
		logger:  logger,
		queue:   &reconcileQueue{dir: cfg.Service.ReconciliationPath, logger: logger},
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := svc.Ledger.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/accounts/{address}/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/accounts/{address}/state", s.handleAccountState)
	mux.HandleFunc("GET /api/v1/accounts/{address}/transactions", s.handleTransactions)
	mux.HandleFunc("POST /api/v1/wallets", s.handleCreateWallet)
	mux.Handle("POST /api/v1/transfers", s.hmac.Middleware(http.HandlerFunc(s.handleTransfer)))
	mux.Handle("POST /api/v1/mint", s.hmac.Middleware(http.HandlerFunc(s.handleMint)))
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.metrics.setReconciliationDepth(s.queue.depth())
	return s
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type transferRequest struct {
	Mnemonic  string `json:"mnemonic"`
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
}

type transferResponse struct {
	Address string           `json:"address"`
	Outcome transfer.Outcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type mintRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps the service error taxonomy onto HTTP.
func errorStatus(err error) int {
	switch {
	case service.IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, transfer.ErrNetwork), errors.Is(err, transfer.ErrLedgerClient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	bal, err := s.svc.QueryBalance(r.Context(), address)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: address, Balance: bal.String()})
}

func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.AccountState(r.Context(), r.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.TransactionHistory(r.Context(), r.PathValue("address"))
	if err != nil {
		s.metrics.incHistory("failed")
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	s.metrics.incHistory("ok")
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.svc.CreateWallet()
	if err != nil {
		s.logger.Error("create wallet", zap.Error(err))
		http.Error(w, "failed to create wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// outcomeStatus maps a transfer outcome onto HTTP.
func outcomeStatus(k transfer.Kind) int {
	switch k {
	case transfer.Accepted:
		return http.StatusOK
	case transfer.RejectedByAdmissionControl:
		return http.StatusUnprocessableEntity
	case transfer.ConfirmationTimeout:
		return http.StatusAccepted
	case transfer.BalanceMismatch:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "transfers", func(ctx context.Context, body []byte) (int, []byte, bool) {
		var payload transferRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return http.StatusBadRequest, []byte("invalid json payload"), false
		}
		amount, err := units.Parse(payload.Amount)
		if err != nil {
			return http.StatusBadRequest, []byte(err.Error()), false
		}

		res, err := s.svc.Transfer(ctx, payload.Mnemonic, payload.ToAddress, amount)
		submitted := res.Outcome.Handle != ""
		if err != nil && !submitted {
			s.metrics.incTransfer("failed")
			return errorStatus(err), []byte(err.Error()), false
		}

		resp := transferResponse{Address: res.Address.Hex(), Outcome: res.Outcome}
		status := outcomeStatus(res.Outcome.Kind)
		if err != nil {
			resp.Error = err.Error()
			status = errorStatus(err)
		}
		s.metrics.incTransfer(res.Outcome.Kind.String())

		if res.Outcome.NeedsReconciliation() {
			s.queue.push(reconcileEntry{
				RequestID: r.Header.Get("X-Request-Id"),
				From:      res.Address.Hex(),
				To:        payload.ToAddress,
				Amount:    payload.Amount,
				Outcome:   res.Outcome,
				Error:     resp.Error,
			})
			s.metrics.setReconciliationDepth(s.queue.depth())
		}

		b, _ := json.Marshal(resp)
		// Anything that reached the ledger is remembered so a retry cannot resubmit.
		return status, b, true
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "mint", func(ctx context.Context, body []byte) (int, []byte, bool) {
		var payload mintRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return http.StatusBadRequest, []byte("invalid json payload"), false
		}
		amount, err := units.Parse(payload.Amount)
		if err != nil {
			return http.StatusBadRequest, []byte(err.Error()), false
		}

		res, err := s.svc.Mint(ctx, payload.Address, amount)
		if service.IsInputError(err) {
			return http.StatusBadRequest, []byte(err.Error()), false
		}
		if err != nil {
			s.metrics.incMint("failed")
			// The faucet may have minted before failing, so the failure is
			// remembered and a retry under the same key cannot mint again.
			b, _ := json.Marshal(errorResponse{Error: err.Error()})
			return errorStatus(err), b, true
		}
		s.metrics.incMint("minted")
		b, _ := json.Marshal(res)
		return http.StatusOK, b, true
	})
}

// idempotent runs fn at most once per X-Idempotency-Key across every
// instance sharing the store. fn returns the response and whether it must be
// remembered.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, endpoint string, fn func(ctx context.Context, body []byte) (int, []byte, bool)) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		http.Error(w, "missing "+headerIdempotencyKey+" header", http.StatusBadRequest)
		return
	}
	key = endpoint + ":" + key

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	hash := idempotency.HashRequest(body)
	ctx := r.Context()

	if s.replayed(w, r, endpoint, key, hash) {
		return
	}

	now := time.Now()
	reserved, err := s.store.Reserve(ctx, key, idempotency.Record{
		RequestHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	})
	if err != nil {
		s.logger.Error("idempotency reserve", zap.String("key", key), zap.Error(err))
		http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !reserved {
		// Another request, possibly on another instance, got there first.
		if !s.replayed(w, r, endpoint, key, hash) {
			http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
		}
		return
	}

	status, resp, remember := fn(ctx, body)
	storeCtx := context.WithoutCancel(ctx)
	if !remember {
		if err := s.store.Release(storeCtx, key); err != nil {
			s.logger.Error("idempotency release", zap.String("key", key), zap.Error(err))
		}
		http.Error(w, string(resp), status)
		return
	}

	record := idempotency.Record{
		StatusCode:  status,
		Response:    resp,
		RequestHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(storeCtx, key, record); err != nil {
		// The reservation stays pending, so retries get 409 instead of a resubmission.
		s.logger.Error("idempotency save", zap.String("key", key), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

// replayed answers from the store when key already has a record and reports
// whether it wrote a response.
func (s *Server) replayed(w http.ResponseWriter, r *http.Request, endpoint, key, hash string) bool {
	existing, err := idempotency.Lookup(r.Context(), s.store, key, hash)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return true
	case err != nil:
		// Without the store we cannot rule out a duplicate submission.
		s.logger.Error("idempotency lookup", zap.String("key", key), zap.Error(err))
		http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
		return true
	case existing == nil:
		return false
	case existing.Pending():
		http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
		return true
	}

	s.metrics.incReplay(endpoint)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	depth := s.queue.depth()
	s.metrics.setReconciliationDepth(depth)

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status              string `json:"status"`
		RPC                 any    `json:"rpc"`
		Database            any    `json:"database"`
		ReconciliationDepth int    `json:"reconciliation_depth"`
	}{
		Status:              status,
		RPC:                 rpcInfo,
		Database:            dbInfo,
		ReconciliationDepth: depth,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
