// Package polymarket implements the order gateway and market-data source
// against the Polymarket CLOB (Central Limit Order Book) API.
package polymarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/quantegy/exitd/internal/crypto"
	"github.com/quantegy/exitd/internal/domain"
)

const (
	// scale converts decimal prices and sizes into the CLOB's 1e6
	// fixed-point integer amounts.
	scale = 1_000_000

	// Marketable limit prices for market-type exits. The CLOB has no native
	// market order; a fill-and-kill at the book extreme behaves as one.
	marketSellPrice = 0.001
	marketBuyPrice  = 0.999
)

// Client is the REST client for the Polymarket CLOB API. It implements both
// domain.OrderGateway and domain.SnapshotSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	sigType    int
}

var (
	_ domain.OrderGateway   = (*Client)(nil)
	_ domain.SnapshotSource = (*Client)(nil)
)

// NewClient creates a CLOB client.
//
// baseURL is the API root, e.g. "https://clob.polymarket.com". signer signs
// orders and auth messages. hmac may be nil; call DeriveAPIKey to obtain one
// through the L1 auth flow. sigType is the Polymarket signature type (1 EOA,
// 2 Gnosis Safe).
func NewClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth, sigType int) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
		sigType:  sigType,
	}
}

// PlaceOrder signs and submits an exit order. Market orders are translated
// into fill-and-kill orders at the book extreme.
func (c *Client) PlaceOrder(ctx context.Context, order domain.ExitOrder) (domain.OrderResult, error) {
	payload, err := c.buildPayload(order)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: build order payload: %w", err)
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: sign order: %w", err)
	}

	orderType := "GTC"
	if order.Type == domain.OrderTypeMarket {
		orderType = "FAK"
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"side":          sideString(order.Side),
			"feeRateBps":    payload.FeeRateBps,
			"nonce":         payload.Nonce,
			"expiration":    payload.Expiration,
			"signatureType": payload.SignatureType,
			"signature":     sig,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
		},
		"owner":     payload.Maker,
		"orderType": orderType,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: post order: %w", err)
	}

	var apiResult apiOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: decode order result: %w", err)
	}

	result := domain.OrderResult{
		OrderID: apiResult.OrderID,
		Message: apiResult.ErrorMsg,
	}
	switch {
	case !apiResult.Success:
		result.Status = domain.OrderStatusRejected
		return result, fmt.Errorf("polymarket: order rejected: %s", apiResult.ErrorMsg)
	case apiResult.Status == "matched":
		result.Status = domain.OrderStatusFilled
		result.FilledQty = order.Quantity
		result.AvgFillPrice = order.Price
	case apiResult.Status == "live":
		result.Status = domain.OrderStatusOpen
	default:
		result.Status = domain.OrderStatusPending
	}
	return result, nil
}

// OrderStatus fetches the current state of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderResult, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/order/"+orderID, nil)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: get order %s: %w", orderID, err)
	}

	var order apiOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: decode order: %w", err)
	}
	return order.toResult(), nil
}

// CancelOrder cancels a single order by its ID. Cancelling an order that has
// already reached a terminal state is not an error.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// GetSnapshot fetches the order book for a token and flattens it into a
// market snapshot.
func (c *Client) GetSnapshot(ctx context.Context, tokenID string) (domain.MarketSnapshot, error) {
	path := "/book?token_id=" + url.QueryEscape(tokenID)

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("polymarket: get book %s: %w", tokenID, err)
	}

	var book bookResponse
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("polymarket: decode book: %w", err)
	}
	snap := book.toSnapshot()
	snap.TokenID = tokenID
	return snap, nil
}

// DeriveAPIKey performs the CLOB L1 auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with POLY_ADDRESS,
// POLY_SIGNATURE, POLY_TIMESTAMP, and POLY_NONCE headers. On success it
// populates the client's HMAC credentials.
func (c *Client) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket: auth request: %w: %w", domain.ErrGatewayDown, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildPayload translates an exit order into the 12 EIP-712 order fields.
// Amounts are 1e6 fixed-point: a buy makes USDC and takes tokens, a sell
// makes tokens and takes USDC.
func (c *Client) buildPayload(order domain.ExitOrder) (crypto.OrderPayload, error) {
	price := order.Price
	if order.Type == domain.OrderTypeMarket {
		if order.Side == domain.OrderSideSell {
			price = marketSellPrice
		} else {
			price = marketBuyPrice
		}
	}
	if price <= 0 || price >= 1 {
		return crypto.OrderPayload{}, fmt.Errorf("price %v out of range", price)
	}

	tokens := big.NewInt(int64(order.Quantity * scale))
	usdc := big.NewInt(int64(order.Quantity * price * scale))

	var makerAmount, takerAmount *big.Int
	var side int
	if order.Side == domain.OrderSideBuy {
		makerAmount, takerAmount = usdc, tokens
		side = 0
	} else {
		makerAmount, takerAmount = tokens, usdc
		side = 1
	}

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return crypto.OrderPayload{}, fmt.Errorf("generate salt: %w", err)
	}

	address := c.signer.Address().Hex()
	return crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         address,
		Signer:        address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       order.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.sigType,
	}, nil
}

func sideString(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// doAuthenticatedRequest signs the request with L2 HMAC headers before
// sending.
func (c *Client) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.do(ctx, method, path, body, true)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.do(ctx, method, path, body, false)
}

func (c *Client) do(ctx context.Context, method, path string, body any, authed bool) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed && c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		for k, v := range c.hmacAuth.L2Headers(address, method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayDown, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrGatewayDown, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
