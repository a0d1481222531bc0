package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	oldURL := GetBaseURL()
	SetBaseURL(server.URL)
	t.Cleanup(func() { SetBaseURL(oldURL) })

	return NewClient("test-key", "test-secret", "test-pass", "USDT-FUTURES", "USDT", 5*time.Second)
}

func TestListPositions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mix/position/all-position", r.URL.Path)
		assert.Equal(t, "USDT-FUTURES", r.URL.Query().Get("productType"))
		assert.Equal(t, "USDT", r.URL.Query().Get("marginCoin"))
		assert.Equal(t, "test-key", r.Header.Get("ACCESS-KEY"))
		assert.NotEmpty(t, r.Header.Get("ACCESS-SIGN"))
		assert.NotEmpty(t, r.Header.Get("ACCESS-TIMESTAMP"))
		assert.Equal(t, "test-pass", r.Header.Get("ACCESS-PASSPHRASE"))

		io.WriteString(w, `{
			"code": "00000", "msg": "success",
			"data": [
				{"symbol": "BTCUSDT", "holdSide": "long", "total": "0.5", "openPriceAvg": "60000.5", "cTime": "1748779200000"},
				{"symbol": "BADUSDT", "holdSide": "long", "total": "not-a-number", "openPriceAvg": "1", "cTime": "1748779200000"}
			]
		}`)
	})

	positions, err := client.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1, "unparsable rows are skipped, not fatal")

	pos := positions[0]
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, "long", pos.HoldSide)
	assert.True(t, pos.Total.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, pos.OpenPriceAvg.Equal(decimal.NewFromFloat(60000.5)))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), pos.CreatedAt)
}

func TestListPlanOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mix/order/orders-plan-pending", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "profit_loss", r.URL.Query().Get("planType"))

		io.WriteString(w, `{
			"code": "00000", "msg": "success",
			"data": {"entrustedList": [
				{"orderId": "111", "clientOid": "pg-btcusdt-1748779200-sl", "symbol": "BTCUSDT",
				 "planType": "loss_plan", "side": "sell", "triggerPrice": "59100", "size": "0.5", "status": "live"}
			]}
		}`)
	})

	orders, err := client.ListPlanOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "111", orders[0].OrderID)
	assert.Equal(t, PlanTypeStopLoss, orders[0].PlanType)
	assert.Equal(t, "pg-btcusdt-1748779200-sl", orders[0].ClientOID)
	assert.True(t, orders[0].TriggerPrice.Equal(decimal.NewFromInt(59100)))
}

func TestListContracts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mix/market/contracts", r.URL.Path)
		io.WriteString(w, `{
			"code": "00000", "msg": "success",
			"data": [
				{"symbol": "BTCUSDT", "pricePlace": "1", "priceEndStep": "5"},
				{"symbol": "ETHUSDT", "pricePlace": "2", "priceEndStep": "1"},
				{"symbol": "BADUSDT", "pricePlace": "x", "priceEndStep": "1"}
			]
		}`)
	})

	contracts, err := client.ListContracts(context.Background())
	require.NoError(t, err)
	require.Len(t, contracts, 2)
	assert.True(t, contracts[0].TickSize.Equal(decimal.NewFromFloat(0.5)), "got %s", contracts[0].TickSize)
	assert.True(t, contracts[1].TickSize.Equal(decimal.NewFromFloat(0.01)), "got %s", contracts[1].TickSize)
}

func TestPlacePlanOrder(t *testing.T) {
	var captured placePlanOrderRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/mix/order/place-tpsl-order", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		io.WriteString(w, `{"code": "00000", "msg": "success", "data": {"orderId": "222", "clientOid": "pg-btcusdt-1748779200-sl"}}`)
	})

	orderID, err := client.PlacePlanOrder(context.Background(), PlanOrderSpec{
		Symbol:       "BTCUSDT",
		PlanType:     PlanTypeStopLoss,
		HoldSide:     "long",
		TriggerPrice: decimal.NewFromInt(59100),
		Size:         decimal.NewFromFloat(0.5),
		ClientOID:    "pg-btcusdt-1748779200-sl",
	})
	require.NoError(t, err)
	assert.Equal(t, "222", orderID)

	assert.Equal(t, "loss_plan", captured.PlanType)
	assert.Equal(t, "pg-btcusdt-1748779200-sl", captured.ClientOID)
	assert.Equal(t, "mark_price", captured.TriggerType)
	assert.Equal(t, "0", captured.ExecutePrice, "trigger executes at market")
	assert.Equal(t, "59100", captured.TriggerPrice)
	assert.Equal(t, "0.5", captured.Size)
}

func TestPlacePlanOrderDuplicateClientOID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code": "40786", "msg": "Duplicate clientOid"}`)
	})

	_, err := client.PlacePlanOrder(context.Background(), PlanOrderSpec{
		Symbol:       "BTCUSDT",
		PlanType:     PlanTypeStopLoss,
		HoldSide:     "long",
		TriggerPrice: decimal.NewFromInt(59100),
		Size:         decimal.NewFromFloat(0.5),
		ClientOID:    "pg-btcusdt-1748779200-sl",
	})
	require.Error(t, err)
	assert.True(t, IsDuplicateClientOID(err))
}

func TestCancelPlanOrder(t *testing.T) {
	var captured cancelPlanOrderRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mix/order/cancel-plan-order", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		io.WriteString(w, `{"code": "00000", "msg": "success", "data": {"orderId": "333"}}`)
	})

	err := client.CancelPlanOrder(context.Background(), "BTCUSDT", "333")
	require.NoError(t, err)
	require.Len(t, captured.OrderIDList, 1)
	assert.Equal(t, "333", captured.OrderIDList[0].OrderID)
	assert.Equal(t, "BTCUSDT", captured.Symbol)
}

func TestCancelPlanOrderNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code": "40768", "msg": "Order does not exist"}`)
	})

	err := client.CancelPlanOrder(context.Background(), "BTCUSDT", "999")
	require.Error(t, err)
	assert.True(t, IsOrderNotFound(err))
}

func TestAuthErrorSurfaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"code": "40009", "msg": "sign signature error"}`)
	})

	_, err := client.ListPositions(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestRequestSigning(t *testing.T) {
	var (
		gotSign      string
		gotTimestamp string
		gotPath      string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSign = r.Header.Get("ACCESS-SIGN")
		gotTimestamp = r.Header.Get("ACCESS-TIMESTAMP")
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		io.WriteString(w, `{"code": "00000", "msg": "success", "data": []}`)
	})

	_, err := client.ListPositions(context.Background())
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(gotTimestamp + http.MethodGet + gotPath))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSign)
}
