// Package bitget handles interactions with the Bitget futures exchange.
package bitget

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/your-org/position-guard/pkg/logger"
)

var (
	// defaultBaseURL can be overridden for testing.
	defaultBaseURL = "https://api.bitget.com"
)

// GetBaseURL returns the current base URL used by the client.
func GetBaseURL() string {
	return defaultBaseURL
}

// SetBaseURL sets the base URL for the client.
// This is intended for use in tests to redirect requests to a mock server.
func SetBaseURL(u string) {
	defaultBaseURL = u
}

// Client provides methods to interact with the Bitget mix (futures) API.
type Client struct {
	apiKey      string
	secretKey   string
	passphrase  string
	productType string
	marginCoin  string
	httpClient  *http.Client
}

// NewClient creates a new Bitget API client.
func NewClient(apiKey, secretKey, passphrase, productType, marginCoin string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:      apiKey,
		secretKey:   secretKey,
		passphrase:  passphrase,
		productType: productType,
		marginCoin:  marginCoin,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// sign produces the ACCESS-SIGN header value: base64(hmac-sha256(secret,
// timestamp + method + requestPath + body)).
func (c *Client) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	requestPath := endpoint
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, defaultBaseURL+requestPath, reader)
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-SIGN", c.sign(timestamp, method, requestPath, string(body)))
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)

	return req, nil
}

// do executes the request and decodes the body into out, which must embed
// apiEnvelope. A non-2xx status or a non-zero envelope code becomes *APIError.
func (c *Client) do(req *http.Request, out interface{ envelope() apiEnvelope }) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bitget %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bitget %s %s: read body (status %d): %w", req.Method, req.URL.Path, resp.StatusCode, err)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		if resp.StatusCode/100 != 2 {
			return &APIError{HTTPStatus: resp.StatusCode, Code: strconv.Itoa(resp.StatusCode), Message: string(bodyBytes)}
		}
		return fmt.Errorf("bitget %s %s: decode response (status %d, body %q): %w",
			req.Method, req.URL.Path, resp.StatusCode, string(bodyBytes), err)
	}

	env := out.envelope()
	if env.Code != "" && env.Code != "00000" {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	return nil
}

func (e apiEnvelope) envelope() apiEnvelope { return e }

// ListPositions returns a snapshot of all open positions for the configured
// product type.
func (c *Client) ListPositions(ctx context.Context) ([]Position, error) {
	query := url.Values{}
	query.Set("productType", c.productType)
	query.Set("marginCoin", c.marginCoin)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v2/mix/position/all-position", query, nil)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var resp positionsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	positions := make([]Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		pos, err := p.toPosition()
		if err != nil {
			logger.Errorf("Skipping unparsable position for %s: %v", p.Symbol, err)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (p positionData) toPosition() (Position, error) {
	total, err := decimal.NewFromString(p.Total)
	if err != nil {
		return Position{}, fmt.Errorf("parse total %q: %w", p.Total, err)
	}
	openPrice, err := decimal.NewFromString(p.OpenPriceAvg)
	if err != nil {
		return Position{}, fmt.Errorf("parse openPriceAvg %q: %w", p.OpenPriceAvg, err)
	}
	millis, err := strconv.ParseInt(p.CTime, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("parse cTime %q: %w", p.CTime, err)
	}
	return Position{
		Symbol:       p.Symbol,
		HoldSide:     p.HoldSide,
		Total:        total,
		OpenPriceAvg: openPrice,
		CreatedAt:    time.UnixMilli(millis).UTC(),
	}, nil
}

// ListPlanOrders returns the pending TP/SL plan orders for one symbol.
func (c *Client) ListPlanOrders(ctx context.Context, symbol string) ([]PlanOrder, error) {
	query := url.Values{}
	query.Set("productType", c.productType)
	query.Set("symbol", symbol)
	query.Set("planType", "profit_loss")

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending", query, nil)
	if err != nil {
		return nil, fmt.Errorf("list plan orders %s: %w", symbol, err)
	}

	var resp planOrdersResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("list plan orders %s: %w", symbol, err)
	}

	orders := make([]PlanOrder, 0, len(resp.Data.EntrustedList))
	for _, o := range resp.Data.EntrustedList {
		order, err := o.toPlanOrder()
		if err != nil {
			logger.Errorf("Skipping unparsable plan order %s for %s: %v", o.OrderID, symbol, err)
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (o planOrderData) toPlanOrder() (PlanOrder, error) {
	trigger, err := decimal.NewFromString(o.TriggerPrice)
	if err != nil {
		return PlanOrder{}, fmt.Errorf("parse triggerPrice %q: %w", o.TriggerPrice, err)
	}
	size, err := decimal.NewFromString(o.Size)
	if err != nil {
		return PlanOrder{}, fmt.Errorf("parse size %q: %w", o.Size, err)
	}
	return PlanOrder{
		OrderID:      o.OrderID,
		ClientOID:    o.ClientOID,
		Symbol:       o.Symbol,
		PlanType:     o.PlanType,
		Side:         o.Side,
		TriggerPrice: trigger,
		Size:         size,
		Status:       o.Status,
	}, nil
}

// ListContracts returns instrument metadata for all symbols of the product
// type. Tick size is priceEndStep scaled by pricePlace.
func (c *Client) ListContracts(ctx context.Context) ([]Contract, error) {
	query := url.Values{}
	query.Set("productType", c.productType)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", query, nil)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	var resp contractsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	contracts := make([]Contract, 0, len(resp.Data))
	for _, d := range resp.Data {
		place, err := strconv.Atoi(d.PricePlace)
		if err != nil {
			logger.Errorf("Skipping contract %s with bad pricePlace %q: %v", d.Symbol, d.PricePlace, err)
			continue
		}
		step, err := strconv.ParseInt(d.PriceEndStep, 10, 64)
		if err != nil || step <= 0 {
			logger.Errorf("Skipping contract %s with bad priceEndStep %q", d.Symbol, d.PriceEndStep)
			continue
		}
		contracts = append(contracts, Contract{
			Symbol:   d.Symbol,
			TickSize: decimal.New(step, int32(-place)),
		})
	}
	return contracts, nil
}

// PlacePlanOrder places a TP/SL plan order and returns the exchange order id.
// ClientOID is sent as clientOid so a retried placement after a
// timeout is rejected as a duplicate instead of creating a second order.
func (c *Client) PlacePlanOrder(ctx context.Context, spec PlanOrderSpec) (string, error) {
	reqBody := placePlanOrderRequest{
		Symbol:       spec.Symbol,
		ProductType:  c.productType,
		MarginCoin:   c.marginCoin,
		PlanType:     spec.PlanType,
		TriggerPrice: spec.TriggerPrice.String(),
		TriggerType:  "mark_price",
		ExecutePrice: "0",
		HoldSide:     spec.HoldSide,
		Size:         spec.Size.String(),
		ClientOID:    spec.ClientOID,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("place plan order %s: marshal: %w", spec.Symbol, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-tpsl-order", nil, jsonBody)
	if err != nil {
		return "", fmt.Errorf("place plan order %s: %w", spec.Symbol, err)
	}

	var resp placePlanOrderResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("place plan order %s (%s): %w", spec.Symbol, spec.PlanType, err)
	}
	return resp.Data.OrderID, nil
}

// CancelPlanOrder cancels one pending plan order by exchange order id.
func (c *Client) CancelPlanOrder(ctx context.Context, symbol, orderID string) error {
	reqBody := cancelPlanOrderRequest{
		OrderIDList: []cancelOrderRef{{OrderID: orderID}},
		Symbol:      symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("cancel plan order %s/%s: marshal: %w", symbol, orderID, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, jsonBody)
	if err != nil {
		return fmt.Errorf("cancel plan order %s/%s: %w", symbol, orderID, err)
	}

	var resp placePlanOrderResponse
	if err := c.do(req, &resp); err != nil {
		return fmt.Errorf("cancel plan order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}
