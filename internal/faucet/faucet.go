// Package faucet mints testnet coins through the network's faucet service.
package faucet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/ledger"
)

var ErrNetwork = errors.New("faucet network error")

// Result is the faucet's answer to a mint request.
type Result struct {
	// Sequence is the faucet account's sequence number after the mint,
	// as returned by the faucet.
	Sequence string `json:"sequence"`
}

// Service mints base units to an address.
type Service interface {
	Mint(ctx context.Context, addr ledger.Address, amount uint64) (Result, error)
}

type Config struct {
	URL     string
	Timeout time.Duration
	// MaxRetries is zero by default: a retried mint can mint twice.
	MaxRetries int
	Logger     *zap.Logger
}

// HTTPClient talks to a faucet that accepts POST ?amount=&address=.
type HTTPClient struct {
	base   *url.URL
	client *retryablehttp.Client
	logger *zap.Logger
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing faucet url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("faucet url %q must be absolute", cfg.URL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("faucet")

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTPClient{base: base, client: client, logger: logger}, nil
}

func (c *HTTPClient) Mint(ctx context.Context, addr ledger.Address, amount uint64) (Result, error) {
	u := *c.base
	q := u.Query()
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("address", addr.Hex())
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build mint request: %w", err)
	}

	c.logger.Debug("calling faucet", zap.Stringer("address", addr), zap.Uint64("amount", amount))
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrNetwork, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return Result{Sequence: strings.TrimSpace(string(body))}, nil
}
