// Package treasury implements domain.EscrowAdapter against the treasury
// escrow HTTP API. The treasury holds custody of all staked value; the
// settlement engine only instructs transfers and trusts the treasury to be
// atomic per request.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/crypto"
	"github.com/meridianlabs/stakehouse/internal/domain"
)

// transferAttempts bounds how often a single transfer is retried on 5xx
// responses and transport errors. The Idempotency-Key header makes replays
// safe: the treasury moves funds at most once per ref.
const transferAttempts = 3

// Client is the REST client for the treasury escrow API.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	retryDelay time.Duration
}

// NewClient creates a treasury client. baseURL is the API root, e.g.
// "https://treasury.internal:8443/api/v1".
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		retryDelay: 500 * time.Millisecond,
	}
}

type transferRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
	Ref     string `json:"ref"`
}

type transferResponse struct {
	Status string `json:"status"`
	Ref    string `json:"ref"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Deposit pulls amount from the participant's account into escrow.
func (c *Client) Deposit(ctx context.Context, from common.Address, amount int64, ref string) error {
	if err := c.transfer(ctx, "/escrow/deposits", from, amount, ref); err != nil {
		return fmt.Errorf("treasury: deposit %d from %s: %w", amount, from.Hex(), err)
	}
	return nil
}

// Withdraw pays amount out of escrow to the participant's account.
func (c *Client) Withdraw(ctx context.Context, to common.Address, amount int64, ref string) error {
	if err := c.transfer(ctx, "/escrow/withdrawals", to, amount, ref); err != nil {
		return fmt.Errorf("treasury: withdraw %d to %s: %w", amount, to.Hex(), err)
	}
	return nil
}

func (c *Client) transfer(ctx context.Context, path string, account common.Address, amount int64, ref string) error {
	reqBody, err := json.Marshal(transferRequest{
		Account: account.Hex(),
		Amount:  amount,
		Ref:     ref,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < transferAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay << (attempt - 1)):
			}
		}

		status, respBody, err := c.do(ctx, path, reqBody, ref)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = c.checkStatus(status, respBody)
			continue
		}
		return c.checkStatus(status, respBody)
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path string, reqBody []byte, ref string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// The ref doubles as the idempotency key: a retried transfer with the
	// same ref must not move funds twice.
	req.Header.Set("Idempotency-Key", ref)
	for k, v := range c.auth.Headers(http.MethodPost, path, string(reqBody)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to errors. A 409 means the
// idempotency key was already processed, which is success from the engine's
// point of view.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	if statusCode == http.StatusConflict {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return fmt.Errorf("rejected: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s (%s)", apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}

// Compile-time interface check.
var _ domain.EscrowAdapter = (*Client)(nil)
