// Package broker adapts the domain model onto a kabu-station style local
// REST brokerage endpoint.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"batch_trader/internal/core"
	apperrors "batch_trader/pkg/errors"
	apihttp "batch_trader/pkg/http"
)

// Config carries the connection settings for the broker endpoint.
type Config struct {
	BaseURL     string
	APIPassword string
	// MarketCodes is the fallback order tried when the broker rejects the
	// submitted market code.
	MarketCodes []int
	Timeout     time.Duration
}

// Client implements core.IBroker against the REST endpoint. It holds the
// API token and refreshes it once, single-flight, when the broker reports
// 401.
type Client struct {
	http        *apihttp.Client
	password    string
	marketCodes []int
	logger      core.ILogger

	mu    sync.Mutex
	token string
}

// NewClient creates a broker client. No network call is made until the
// first request needs a token.
func NewClient(cfg Config, logger core.ILogger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("broker base URL is required")
	}
	if len(cfg.MarketCodes) == 0 {
		return nil, fmt.Errorf("at least one market code is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &Client{
		password:    cfg.APIPassword,
		marketCodes: cfg.MarketCodes,
		logger:      logger.WithField("component", "broker"),
	}
	c.http = apihttp.NewClient(cfg.BaseURL, timeout, signerFunc(c.sign))
	return c, nil
}

type signerFunc func(req *http.Request) error

func (f signerFunc) SignRequest(req *http.Request) error { return f(req) }

func (c *Client) sign(req *http.Request) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("X-API-KEY", token)
	}
	return nil
}

// Authenticate obtains a fresh API token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshTokenLocked(ctx)
}

func (c *Client) refreshTokenLocked(ctx context.Context) error {
	body, err := c.http.Post(ctx, "/token", tokenRequest{APIPassword: c.password})
	if err != nil {
		return fmt.Errorf("%w: token request: %v", apperrors.ErrBrokerUnavailable, err)
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("%w: empty token (result code %d)", apperrors.ErrAuthExpired, resp.ResultCode)
	}
	c.token = resp.Token
	c.logger.Info("broker token refreshed")
	return nil
}

// ensureToken fetches a token if none is held yet.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}
	return c.refreshTokenLocked(ctx)
}

// invalidateToken drops the token iff it is still the one that produced the
// 401, so concurrent callers trigger a single refresh.
func (c *Client) invalidateToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
	}
}

// withAuth runs fn with a valid token, re-authenticating once on 401.
func (c *Client) withAuth(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	used := c.token
	c.mu.Unlock()

	body, err := fn()
	if !isUnauthorized(err) {
		return body, err
	}

	c.logger.Warn("broker rejected token, re-authenticating")
	c.invalidateToken(used)
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	return fn()
}

func isUnauthorized(err error) bool {
	var apiErr *apihttp.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// brokerErrorCode extracts the broker's error code from a 4xx body, or 0.
func brokerErrorCode(err error) int {
	var apiErr *apihttp.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	var body apiErrorBody
	if json.Unmarshal(apiErr.Body, &body) != nil {
		return 0
	}
	return body.Code
}

// classify maps a transport error onto the domain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apihttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", apperrors.ErrAuthExpired, err)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
		case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrBrokerRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, err)
}

// sendOrder posts one payload and decodes the accepted order id.
func (c *Client) sendOrder(ctx context.Context, payload *sendOrderRequest) (string, error) {
	raw, _ := json.Marshal(payload)
	c.logger.Debug("sending order", "payload", string(raw))

	body, err := c.withAuth(ctx, func() ([]byte, error) {
		return c.http.Post(ctx, "/sendorder", payload)
	})
	if err != nil {
		return "", err
	}
	var resp sendOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode sendorder response: %w", err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("%w: broker accepted without order id (result %d)", apperrors.ErrBrokerRejected, resp.Result)
	}
	return resp.OrderID, nil
}

// codesFor returns the market codes to try: the item's preferred code
// first, then the configured fallbacks.
func (c *Client) codesFor(preferred int) []int {
	if preferred == 0 {
		return c.marketCodes
	}
	codes := []int{preferred}
	for _, mc := range c.marketCodes {
		if mc != preferred {
			codes = append(codes, mc)
		}
	}
	return codes
}

// sendWithMarketFallback tries the payload across the fallback market codes
// when the broker rejects the market with its dedicated error code.
func (c *Client) sendWithMarketFallback(ctx context.Context, preferred int, build func(marketCode int) (*sendOrderRequest, error)) (string, error) {
	var lastErr error
	codes := c.codesFor(preferred)
	for i, code := range codes {
		payload, err := build(code)
		if err != nil {
			return "", fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		id, err := c.sendOrder(ctx, payload)
		if err == nil {
			return id, nil
		}
		if brokerErrorCode(err) == errCodeBadMarket && i < len(codes)-1 {
			c.logger.Warn("market code rejected, trying fallback",
				"market_code", code, "next", codes[i+1])
			lastErr = err
			continue
		}
		return "", classify(err)
	}
	return "", classify(lastErr)
}

// SendEntry submits the entry order for an item.
func (c *Client) SendEntry(ctx context.Context, item *core.BatchItem) (string, error) {
	return c.sendWithMarketFallback(ctx, item.Exchange, func(code int) (*sendOrderRequest, error) {
		return buildEntryPayload(item, code)
	})
}

// SendExit submits a closing order for an item.
func (c *Client) SendExit(ctx context.Context, item *core.BatchItem, spec core.ExitSpec) (string, error) {
	return c.sendWithMarketFallback(ctx, item.Exchange, func(code int) (*sendOrderRequest, error) {
		return buildExitPayload(item, spec, code)
	})
}

// CancelOrder cancels a working order by broker order id.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.withAuth(ctx, func() ([]byte, error) {
		return c.http.Put(ctx, "/cancelorder", cancelOrderRequest{OrderID: brokerOrderID})
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// ListOrders returns snapshots of today's orders.
func (c *Client) ListOrders(ctx context.Context) ([]core.BrokerOrder, error) {
	body, err := c.withAuth(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, "/orders", map[string]string{"product": "0"})
	})
	if err != nil {
		return nil, classify(err)
	}

	var rows []orderRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode orders response: %w", err)
	}

	out := make([]core.BrokerOrder, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		cum := int64(row.CumQty)
		status, err := mapOrderState(row.State, cum, int64(row.OrderQty))
		if err != nil {
			c.logger.Warn("skipping order with unknown state", "order_id", row.ID, "state", row.State)
			continue
		}
		raw, _ := json.Marshal(row)
		out = append(out, core.BrokerOrder{
			ID:       row.ID,
			Status:   status,
			CumQty:   cum,
			AvgPrice: averagePrice(row),
			Raw:      raw,
		})
	}
	return out, nil
}

// ListPositions returns the currently open positions.
func (c *Client) ListPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	body, err := c.withAuth(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, "/positions", nil)
	})
	if err != nil {
		return nil, classify(err)
	}

	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}

	out := make([]core.BrokerPosition, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		if row.LeavesQty <= 0 {
			continue
		}
		side, err := mapPositionSide(row.Side)
		if err != nil {
			c.logger.Warn("skipping position with unknown side", "symbol", row.Symbol, "side", row.Side)
			continue
		}
		holdID := row.HoldID
		if holdID == "" {
			holdID = row.ExecutionID
		}
		raw, _ := json.Marshal(row)
		out = append(out, core.BrokerPosition{
			Symbol:    row.Symbol,
			Side:      side,
			HoldID:    holdID,
			LeavesQty: int64(row.LeavesQty),
			Raw:       raw,
		})
	}
	return out, nil
}

// SymbolName resolves a symbol code to its display name.
func (c *Client) SymbolName(ctx context.Context, symbol string, exchange int) (string, error) {
	body, err := c.withAuth(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, "/symbol/"+symbol, map[string]string{
			"Exchange": fmt.Sprintf("%d", exchange),
		})
	})
	if err != nil {
		return "", classify(err)
	}
	var resp symbolResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode symbol response: %w", err)
	}
	return resp.SymbolName, nil
}

var _ core.IBroker = (*Client)(nil)
