package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upright-vc/libra2key/internal/config"
	"github.com/upright-vc/libra2key/internal/devnet"
	"github.com/upright-vc/libra2key/internal/faucet"
	"github.com/upright-vc/libra2key/internal/hmacauth"
	"github.com/upright-vc/libra2key/internal/idempotency"
	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/retry"
	"github.com/upright-vc/libra2key/internal/service"
	"github.com/upright-vc/libra2key/internal/transfer"
	"github.com/upright-vc/libra2key/internal/wallet"
)

const testSecret = "test-secret"

type testEnv struct {
	srv     *Server
	net     *devnet.Ledger
	handler http.Handler
	cfg     *config.AppConfig
}

func newTestConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:         testSecret,
			HMACClockSkew:      time.Minute,
			IdempotencyWindow:  time.Minute,
			ReconciliationPath: t.TempDir(),
		},
	}
}

func newTestService(t *testing.T, net *devnet.Ledger, confirmTimeout time.Duration, metrics *Metrics) *service.Service {
	t.Helper()
	return service.New(service.Deps{
		Ledger:   net,
		Wallet:   wallet.HKDF{},
		Faucet:   net,
		Explorer: net,
		Coordinator: transfer.NewCoordinator(net,
			transfer.Config{
				ConfirmationTimeout: confirmTimeout,
				ReadRetry:           retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
			},
			transfer.WithObserver(metrics),
		),
		ExplorerLinkBase: "https://explorer.test",
		Logger:           zaptest.NewLogger(t),
	})
}

func newTestEnv(t *testing.T, confirmTimeout time.Duration, opts ...devnet.Option) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := newTestConfig(t)
	net := devnet.New(append(opts, devnet.WithLogger(logger))...)
	metrics := NewMetrics()

	srv := NewServer(cfg, newTestService(t, net, confirmTimeout, metrics), idempotency.NewMemoryStore(), metrics, logger)
	return &testEnv{srv: srv, net: net, handler: srv.httpServer.Handler, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func signedRequest(t *testing.T, path, key string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	req.Header.Set(hmacauth.DefaultSignatureHeader, hmacauth.Sign(testSecret, ts, payload))
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	return req
}

func (e *testEnv) createWallet(t *testing.T) service.Wallet {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/wallets", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var w service.Wallet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	require.NotEmpty(t, w.Mnemonic)
	return w
}

func (e *testEnv) mint(t *testing.T, address, amount string) {
	t.Helper()
	rec := e.do(t, signedRequest(t, "/api/v1/mint", "mint-"+address+"-"+amount, mintRequest{Address: address, Amount: amount}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *testEnv) balance(t *testing.T, address string) string {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+address+"/balance", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Balance
}

type decodedTransfer struct {
	Address string `json:"address"`
	Outcome struct {
		Kind       string `json:"kind"`
		Handle     string `json:"handle"`
		Version    uint64 `json:"version"`
		NewBalance uint64 `json:"newBalance"`
		Status     string `json:"status"`
	} `json:"outcome"`
}

func TestTransferIdempotency(t *testing.T) {
	env := newTestEnv(t, time.Second)
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "100")

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "2.5"}

	first := env.do(t, signedRequest(t, "/api/v1/transfers", "key-1", body))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	var resp decodedTransfer
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp.Outcome.Kind)
	require.Equal(t, uint64(97_500_000), resp.Outcome.NewBalance)
	require.NotEmpty(t, resp.Outcome.Handle)

	second := env.do(t, signedRequest(t, "/api/v1/transfers", "key-1", body))
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())

	require.Equal(t, "97.5", env.balance(t, sender.Address.Hex()))
	require.Equal(t, "2.5", env.balance(t, receiver.Address.Hex()))
}

func TestTransferKeyReusedWithDifferentBody(t *testing.T) {
	env := newTestEnv(t, time.Second)
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "10")

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "1"}
	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "key-2", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body.Amount = "2"
	rec = env.do(t, signedRequest(t, "/api/v1/transfers", "key-2", body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "9", env.balance(t, sender.Address.Hex()))
}

func TestTransferRequiresSignatureAndKey(t *testing.T) {
	env := newTestEnv(t, time.Second)

	unsigned := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", bytes.NewReader([]byte(`{}`)))
	unsigned.Header.Set(headerIdempotencyKey, "k")
	require.Equal(t, http.StatusUnauthorized, env.do(t, unsigned).Code)

	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "", transferRequest{}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferInvalidInputIsNotRemembered(t *testing.T) {
	env := newTestEnv(t, time.Second)
	sender := env.createWallet(t)

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: "0x1234", Amount: "1"}
	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "key-3", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body.Amount = "-1"
	body.ToAddress = sender.Address.Hex()
	rec = env.do(t, signedRequest(t, "/api/v1/transfers", "key-3", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body.Amount = "0.0000001"
	rec = env.do(t, signedRequest(t, "/api/v1/transfers", "key-4", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferTimeoutIsQueuedForReconciliation(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond, devnet.WithConfirmDelay(time.Hour))
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "5")

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "1"}
	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "key-5", body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp decodedTransfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "confirmation_timeout", resp.Outcome.Kind)
	require.NotEmpty(t, resp.Outcome.Handle)

	entries, err := os.ReadDir(env.cfg.Service.ReconciliationPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The retry replays the stored outcome instead of submitting again.
	rec = env.do(t, signedRequest(t, "/api/v1/transfers", "key-5", body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	entries, err = os.ReadDir(env.cfg.Service.ReconciliationPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTransferRejectedByAdmissionControl(t *testing.T) {
	env := newTestEnv(t, time.Second)
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "5")
	env.net.Block(sender.Address)

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "1"}
	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "key-6", body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp decodedTransfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "rejected", resp.Outcome.Kind)
	require.Equal(t, "5", env.balance(t, sender.Address.Hex()))
}

func TestAccountQueries(t *testing.T) {
	env := newTestEnv(t, time.Second)
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "3")

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "1"}
	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "key-7", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+sender.Address.Hex()+"/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var counts service.EventCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, uint64(1), counts.SentEventsCount)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+sender.Address.Hex()+"/transactions", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	require.Equal(t, "sent", records[0]["event"])
	require.Equal(t, "mint", records[1]["event"])

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/not-an-address/balance", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, time.Second)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "healthy", health.Status)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "libra2key_reconciliation_queue_depth")
}

func TestTransferKeySharedAcrossInstances(t *testing.T) {
	logger := zaptest.NewLogger(t)
	net := devnet.New(devnet.WithConfirmDelay(200*time.Millisecond), devnet.WithLogger(logger))
	store := idempotency.NewMemoryStore()

	var handlers []http.Handler
	for i := 0; i < 2; i++ {
		metrics := NewMetrics()
		srv := NewServer(newTestConfig(t), newTestService(t, net, 5*time.Second, metrics), store, metrics, logger)
		handlers = append(handlers, srv.httpServer.Handler)
	}

	env := &testEnv{net: net, handler: handlers[0]}
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "100")

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "1"}
	reqs := []*http.Request{
		signedRequest(t, "/api/v1/transfers", "same-key", body),
		signedRequest(t, "/api/v1/transfers", "same-key", body),
	}
	codes := make([]int, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h http.Handler) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, reqs[i])
			codes[i] = rec.Code
		}(i, h)
	}
	wg.Wait()

	sort.Ints(codes)
	require.Equal(t, http.StatusOK, codes[0], "codes=%v", codes)
	require.Contains(t, []int{http.StatusOK, http.StatusConflict}, codes[1], "codes=%v", codes)
	require.Equal(t, "99", env.balance(t, sender.Address.Hex()))
	require.Equal(t, "1", env.balance(t, receiver.Address.Hex()))
}

func TestTransferInProgressKeyConflicts(t *testing.T) {
	env := newTestEnv(t, time.Second)
	sender := env.createWallet(t)
	receiver := env.createWallet(t)
	env.mint(t, sender.Address.Hex(), "10")

	body := transferRequest{Mnemonic: sender.Mnemonic, ToAddress: receiver.Address.Hex(), Amount: "1"}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	ok, err := env.srv.store.Reserve(context.Background(), "transfers:busy", idempotency.Record{
		RequestHash: idempotency.HashRequest(payload),
		ExpiresAt:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.do(t, signedRequest(t, "/api/v1/transfers", "busy", body))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "10", env.balance(t, sender.Address.Hex()))
}

func TestOversizedBodyRejectedWithoutSecret(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.srv.hmac.Secret = ""

	big := `{"mnemonic":"` + strings.Repeat("a", maxRequestBody) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", strings.NewReader(big))
	req.Header.Set(headerIdempotencyKey, "big")
	rec := env.do(t, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestErrorStatusPrefersCancellation(t *testing.T) {
	require.Equal(t, http.StatusGatewayTimeout, errorStatus(fmt.Errorf("%w: account state: %w", transfer.ErrNetwork, context.Canceled)))
	require.Equal(t, http.StatusGatewayTimeout, errorStatus(fmt.Errorf("%w: %w", transfer.ErrNetwork, context.DeadlineExceeded)))
	require.Equal(t, http.StatusBadGateway, errorStatus(fmt.Errorf("%w: connection reset", transfer.ErrNetwork)))
	require.Equal(t, http.StatusBadRequest, errorStatus(transfer.ErrInvalidAmount))
}

type brokenFaucet struct {
	calls atomic.Int32
}

func (f *brokenFaucet) Mint(context.Context, ledger.Address, uint64) (faucet.Result, error) {
	f.calls.Add(1)
	return faucet.Result{}, fmt.Errorf("%w: connection reset after write", faucet.ErrNetwork)
}

func TestMintFailureIsRemembered(t *testing.T) {
	env := newTestEnv(t, time.Second)
	broken := &brokenFaucet{}
	env.srv.svc.Faucet = broken

	addr := ledger.Address{7}.Hex()
	req := mintRequest{Address: addr, Amount: "5"}

	first := env.do(t, signedRequest(t, "/api/v1/mint", "mint-1", req))
	require.Equal(t, http.StatusBadGateway, first.Code)

	second := env.do(t, signedRequest(t, "/api/v1/mint", "mint-1", req))
	require.Equal(t, http.StatusBadGateway, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, int32(1), broken.calls.Load())

	bad := env.do(t, signedRequest(t, "/api/v1/mint", "mint-2", mintRequest{Address: "nope", Amount: "5"}))
	require.Equal(t, http.StatusBadRequest, bad.Code)
	require.Equal(t, int32(1), broken.calls.Load())
}
