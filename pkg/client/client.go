package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client wraps a ledger JSON-RPC endpoint with rate limiting, per-call
// timeouts and error classification.
type Client struct {
	rpcClient  *rpc.Client
	endpoint   string
	commitment string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Config holds client configuration
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	Commitment string
	// RequestsPerSecond <= 0 disables client-side rate limiting.
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// SignatureOptions pages through getSignaturesForAddress.
type SignatureOptions struct {
	// Before returns signatures older than this one.
	Before ledger.Signature
	// Until stops the listing at this signature, exclusive.
	Until ledger.Signature
	Limit int
}

// NewClient creates a new ledger client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rpcClient, err := rpc.DialOptions(context.Background(), cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger.Info("Created ledger RPC client",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("commitment", commitment),
	)

	return &Client{
		rpcClient:  rpcClient,
		endpoint:   cfg.Endpoint,
		commitment: commitment,
		timeout:    cfg.Timeout,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Endpoint returns the RPC endpoint URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Close closes the client connection
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return classify(method, ctx.Err())
		}
		return classify(method, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.rpcClient.CallContext(ctx, result, method, args...); err != nil {
		c.logger.Debug("RPC call failed",
			zap.String("method", method),
			zap.String("endpoint", c.endpoint),
			zap.Error(err),
		)
		return classify(method, err)
	}
	return nil
}

// Ping verifies the node reports itself healthy
func (c *Client) Ping(ctx context.Context) error {
	var status string
	return c.call(ctx, &status, "getHealth")
}

// GetSlot returns the latest slot at the configured commitment
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, &slot, "getSlot", map[string]any{"commitment": c.commitment})
	if err != nil {
		return 0, err
	}
	return slot, nil
}

type signatureResult struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// GetSignaturesForAddress lists signatures touching addr, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, addr ledger.Address, opts SignatureOptions) ([]ledger.SignatureInfo, error) {
	params := map[string]any{"commitment": c.commitment}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}
	if opts.Before != "" {
		params["before"] = opts.Before.String()
	}
	if opts.Until != "" {
		params["until"] = opts.Until.String()
	}

	var raw []signatureResult
	if err := c.call(ctx, &raw, "getSignaturesForAddress", addr.String(), params); err != nil {
		return nil, err
	}

	out := make([]ledger.SignatureInfo, 0, len(raw))
	for _, r := range raw {
		info := ledger.SignatureInfo{
			Signature: ledger.Signature(r.Signature),
			Slot:      r.Slot,
			Failed:    hasError(r.Err),
		}
		if r.BlockTime != nil {
			t := time.Unix(*r.BlockTime, 0).UTC()
			info.BlockTime = &t
		}
		out = append(out, info)
	}
	return out, nil
}

type transactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
}

// GetTransaction fetches a confirmed transaction with its log messages.
// A null result is reported as ErrTransactionNotFound.
func (c *Client) GetTransaction(ctx context.Context, sig ledger.Signature) (ledger.Transaction, error) {
	var raw *transactionResult
	err := c.call(ctx, &raw, "getTransaction", sig.String(), map[string]any{
		"encoding":                       "json",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	if raw == nil {
		return ledger.Transaction{}, classify("getTransaction", fmt.Errorf("%s: %w", sig, ErrTransactionNotFound))
	}

	tx := ledger.Transaction{
		Signature: sig,
		Slot:      raw.Slot,
	}
	if raw.BlockTime != nil {
		tx.BlockTime = time.Unix(*raw.BlockTime, 0).UTC()
	}
	if raw.Meta != nil {
		tx.Failed = hasError(raw.Meta.Err)
		tx.LogMessages = raw.Meta.LogMessages
	}
	return tx, nil
}

func hasError(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
