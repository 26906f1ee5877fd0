// Package venue implements order routing to external trading venues over
// their HMAC-authenticated REST APIs.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dexquant/tradebot/internal/crypto"
	"github.com/dexquant/tradebot/internal/domain"
)

const requestTimeout = 30 * time.Second

// Gateway is the REST order gateway for one venue. It implements
// domain.OrderGateway.
type Gateway struct {
	venue      string
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
}

// NewGateway creates a Gateway for the given venue name and API root,
// e.g. "https://api.dexa.example".
func NewGateway(venue, baseURL string, auth *crypto.HMACAuth) *Gateway {
	return &Gateway{
		venue:   venue,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		auth: auth,
	}
}

// Venue returns the venue name this gateway routes to.
func (g *Gateway) Venue() string { return g.venue }

// orderPayload is the wire form of an order submission.
type orderPayload struct {
	Pair  string  `json:"pair"`
	Side  string  `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// orderResponse is the venue's fill report.
type orderResponse struct {
	OrderID    string    `json:"order_id"`
	Success    bool      `json:"success"`
	ErrorMsg   string    `json:"error_msg"`
	FillPrice  float64   `json:"fill_price"`
	FillSize   float64   `json:"fill_size"`
	MEVSavings float64   `json:"mev_savings"`
	FilledAt   time.Time `json:"filled_at"`
}

// PlaceOrder submits one order and returns the venue's fill report.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	payload := orderPayload{
		Pair:  req.Pair,
		Side:  string(req.Side),
		Price: req.Price,
		Size:  req.Size,
	}

	respBody, err := g.doRequest(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("venue/%s: place order: %w", g.venue, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("venue/%s: decode order response: %w", g.venue, err)
	}
	if !resp.Success {
		return domain.OrderResult{}, fmt.Errorf("venue/%s: order rejected: %s", g.venue, resp.ErrorMsg)
	}

	filledAt := resp.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now()
	}

	return domain.OrderResult{
		OrderID:    resp.OrderID,
		Venue:      g.venue,
		Pair:       req.Pair,
		Side:       req.Side,
		FillPrice:  resp.FillPrice,
		FillSize:   resp.FillSize,
		MEVSavings: resp.MEVSavings,
		FilledAt:   filledAt,
	}, nil
}

// CancelOrders cancels the resting orders of one pair.
func (g *Gateway) CancelOrders(ctx context.Context, pair string) error {
	path := "/orders?pair=" + url.QueryEscape(pair)
	respBody, err := g.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("venue/%s: cancel %s: %w", g.venue, pair, err)
	}

	var resp struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"error_msg"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("venue/%s: decode cancel response: %w", g.venue, err)
	}
	if !resp.Success {
		return fmt.Errorf("venue/%s: cancel %s failed: %s", g.venue, pair, resp.ErrorMsg)
	}

	return nil
}

// CancelAllOrders cancels every open order for the authenticated account.
func (g *Gateway) CancelAllOrders(ctx context.Context) error {
	respBody, err := g.doRequest(ctx, http.MethodDelete, "/orders", nil)
	if err != nil {
		return fmt.Errorf("venue/%s: cancel all: %w", g.venue, err)
	}

	var resp struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"error_msg"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("venue/%s: decode cancel-all response: %w", g.venue, err)
	}
	if !resp.Success {
		return fmt.Errorf("venue/%s: cancel-all failed: %s", g.venue, resp.ErrorMsg)
	}

	return nil
}

// doRequest sends an HMAC-authenticated request and returns the response
// body. Non-2xx statuses are returned as errors with the body included.
func (g *Gateway) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if g.auth != nil {
		for k, v := range g.auth.Headers(method, path, string(bodyBytes)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// Compile-time interface check.
var _ domain.OrderGateway = (*Gateway)(nil)
