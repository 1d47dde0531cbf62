// Package explorer reads account transaction lists from a block explorer API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/ledger"
)

var ErrNetwork = errors.New("explorer network error")

const statusOK = "1"

// Transaction is a raw explorer record. Numeric fields arrive as strings.
type Transaction struct {
	Version        string `json:"version"`
	From           string `json:"from"`
	To             string `json:"to"`
	Value          string `json:"value"`
	ExpirationTime string `json:"expirationTime"`
	Hash           string `json:"hash,omitempty"`
	GasUsed        string `json:"gasUsed,omitempty"`
}

type txListResponse struct {
	Status  *string       `json:"status"`
	Message string        `json:"message"`
	Result  []Transaction `json:"result"`
}

// Service lists the transactions touching an address.
type Service interface {
	ListTransactions(ctx context.Context, addr ledger.Address) ([]Transaction, error)
}

type Config struct {
	APIURL     string
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
	Logger     *zap.Logger
}

type HTTPClient struct {
	base   *url.URL
	client *retryablehttp.Client
	logger *zap.Logger
}

// zapLeveled adapts zap to retryablehttp.LeveledLogger.
type zapLeveled struct {
	inner *zap.Logger
}

func (l zapLeveled) Error(msg string, kv ...any) { l.inner.Sugar().Errorw(msg, kv...) }
func (l zapLeveled) Info(msg string, kv ...any)  { l.inner.Sugar().Debugw(msg, kv...) }
func (l zapLeveled) Debug(msg string, kv ...any) { l.inner.Sugar().Debugw(msg, kv...) }
func (l zapLeveled) Warn(msg string, kv ...any)  { l.inner.Sugar().Warnw(msg, kv...) }

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parsing explorer url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("explorer url %q must be absolute", cfg.APIURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("explorer")

	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 250 * time.Millisecond
	}
	client := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		Logger:       zapLeveled{logger},
		RetryMax:     cfg.MaxRetries,
		RetryWaitMin: wait,
		RetryWaitMax: 4 * wait,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}

	return &HTTPClient{base: base, client: client, logger: logger}, nil
}

func (c *HTTPClient) ListTransactions(ctx context.Context, addr ledger.Address) ([]Transaction, error) {
	u := *c.base
	q := u.Query()
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", addr.Hex())
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build txlist request: %w", err)
	}

	c.logger.Debug("listing transactions", zap.Stringer("url", &u))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	var body txListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode txlist: %v", ErrNetwork, err)
	}
	if body.Status == nil {
		return nil, fmt.Errorf("%w: response has no status", ErrNetwork)
	}
	if *body.Status != statusOK {
		return nil, fmt.Errorf("%w: status %q: %s", ErrNetwork, *body.Status, body.Message)
	}
	return body.Result, nil
}
