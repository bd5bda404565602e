package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/settler/internal/ir"
)

const (
	// DefaultFailureThreshold is the number of consecutive gateway failures
	// that opens the circuit.
	DefaultFailureThreshold = 3

	// DefaultOpenTimeout is how long the circuit stays open before a probe.
	DefaultOpenTimeout = 30 * time.Second

	maxErrorBody = 4 << 10
)

// RejectedError is a directive the gateway answered with a 4xx status.
// Rejections are business outcomes and do not count against the circuit.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by ledger (%d): %s", e.Status, e.Message)
}

// Client talks to a ledger gateway over HTTP.
//
// Transfers are POSTed to /v1/groups/{group}/transfers and removals to
// /v1/groups/{group}/removals. The action id is sent as the
// Idempotency-Key header so a retried cycle cannot pay twice.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	breaker    *gobreaker.CircuitBreaker
}

type clientConfig struct {
	httpClient       *http.Client
	token            string
	failureThreshold uint32
	openTimeout      time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(cfg *clientConfig) {
		cfg.token = token
	}
}

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n uint32) Option {
	return func(cfg *clientConfig) {
		cfg.failureThreshold = n
	}
}

// WithOpenTimeout sets how long the circuit stays open.
func WithOpenTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.openTimeout = d
	}
}

// NewClient creates a gateway client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ledger url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ledger url %q: scheme must be http or https", baseURL)
	}

	cfg := clientConfig{
		httpClient:       http.DefaultClient,
		failureThreshold: DefaultFailureThreshold,
		openTimeout:      DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	threshold := cfg.failureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger-gateway",
		Timeout: cfg.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var rejected *RejectedError
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("ledger circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		baseURL:    u,
		httpClient: cfg.httpClient,
		token:      cfg.token,
		breaker:    breaker,
	}, nil
}

type transferRequest struct {
	ActionID         string           `json:"action_id"`
	CycleID          string           `json:"cycle_id"`
	Kind             ir.DirectiveKind `json:"kind"`
	PayerWallet      string           `json:"payer_wallet"`
	PayeeWallet      string           `json:"payee_wallet"`
	AmountMinorUnits int64            `json:"amount_minor_units"`
}

type removalRequest struct {
	ActionID  string `json:"action_id"`
	CycleID   string `json:"cycle_id"`
	WalletRef string `json:"wallet_ref"`
}

type gatewayResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

// Execute submits every directive in order. Per-directive failures are
// reported in the results; the returned error is only set when the context
// was already done before the first submission.
func (c *Client) Execute(ctx context.Context, plan ir.ExecutionPlan) ([]ir.ExecutionResult, error) {
	if plan.Len() == 0 {
		return nil, ErrEmptyPlan
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submit plan: %w", err)
	}

	transfersPath := c.baseURL.JoinPath("v1", "groups", plan.GroupID, "transfers").String()
	removalsPath := c.baseURL.JoinPath("v1", "groups", plan.GroupID, "removals").String()

	results := make([]ir.ExecutionResult, 0, plan.Len())
	for _, t := range plan.Transfers {
		ref, err := c.submit(ctx, transfersPath, t.ActionID, transferRequest{
			ActionID:         t.ActionID,
			CycleID:          plan.CycleID,
			Kind:             t.Kind,
			PayerWallet:      t.PayerWallet,
			PayeeWallet:      t.PayeeWallet,
			AmountMinorUnits: t.AmountMinorUnits,
		})
		results = append(results, c.result(plan, t.ActionID, t.Kind, t.UserID, ref, err))
	}
	for _, r := range plan.Removals {
		ref, err := c.submit(ctx, removalsPath, r.ActionID, removalRequest{
			ActionID:  r.ActionID,
			CycleID:   plan.CycleID,
			WalletRef: r.WalletRef,
		})
		results = append(results, c.result(plan, r.ActionID, ir.DirectiveRemoval, r.UserID, ref, err))
	}
	return results, nil
}

func (c *Client) result(plan ir.ExecutionPlan, actionID string, kind ir.DirectiveKind, userID, ref string, err error) ir.ExecutionResult {
	if err != nil {
		slog.Warn("ledger directive failed",
			"group_id", plan.GroupID,
			"cycle_id", plan.CycleID,
			"action_id", actionID,
			"error", err,
		)
		return failed(actionID, kind, userID, err)
	}
	slog.Debug("ledger directive accepted",
		"cycle_id", plan.CycleID,
		"action_id", actionID,
		"reference", ref,
	)
	return succeeded(actionID, kind, userID, ref)
}

func (c *Client) submit(ctx context.Context, endpoint, actionID string, body any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, endpoint, actionID, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrCircuitOpen
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) post(ctx context.Context, endpoint, actionID string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode directive: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", actionID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post directive: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var decoded gatewayResponse
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if decoded.Reference == "" {
			return "", fmt.Errorf("ledger response missing reference")
		}
		return decoded.Reference, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := decoded.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &RejectedError{Status: resp.StatusCode, Message: msg}
	default:
		return "", fmt.Errorf("ledger gateway returned %s", resp.Status)
	}
}
