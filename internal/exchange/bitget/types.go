package bitget

import (
	"github.com/shopspring/decimal"
	"time"
)

// Plan order types on the trigger-order endpoints. The reconciler only deals
// in position TP/SL plans, never entry plans.
const (
	PlanTypeStopLoss   = "loss_plan"
	PlanTypeTakeProfit = "profit_plan"
)

// Position is one open futures position as reported by the exchange.
type Position struct {
	Symbol       string
	HoldSide     string // "long" or "short"
	Total        decimal.Decimal
	OpenPriceAvg decimal.Decimal
	CreatedAt    time.Time
}

// PlanOrder is one pending trigger order (stop-loss or take-profit plan).
type PlanOrder struct {
	OrderID      string
	ClientOID    string
	Symbol       string
	PlanType     string // PlanTypeStopLoss or PlanTypeTakeProfit
	Side         string // "buy" or "sell"
	TriggerPrice decimal.Decimal
	Size         decimal.Decimal
	Status       string
}

// Contract is the instrument metadata the detector needs for tick-aware
// price comparison.
type Contract struct {
	Symbol   string
	TickSize decimal.Decimal
}

// PlanOrderSpec describes a plan order to place. ClientOID is the
// deterministic idempotency key; the exchange dedupes on it.
type PlanOrderSpec struct {
	Symbol       string
	PlanType     string
	HoldSide     string // "long" or "short"
	TriggerPrice decimal.Decimal
	Size         decimal.Decimal
	ClientOID    string
}

// apiEnvelope is the common Bitget response wrapper.
type apiEnvelope struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	RequestTime int64  `json:"requestTime"`
}

type positionData struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
	CTime        string `json:"cTime"` // unix millis
}

type positionsResponse struct {
	apiEnvelope
	Data []positionData `json:"data"`
}

type planOrderData struct {
	OrderID      string `json:"orderId"`
	ClientOID    string `json:"clientOid"`
	Symbol       string `json:"symbol"`
	PlanType     string `json:"planType"`
	Side         string `json:"side"`
	TriggerPrice string `json:"triggerPrice"`
	Size         string `json:"size"`
	Status       string `json:"status"`
}

type planOrdersResponse struct {
	apiEnvelope
	Data struct {
		EntrustedList []planOrderData `json:"entrustedList"`
	} `json:"data"`
}

type contractData struct {
	Symbol       string `json:"symbol"`
	PricePlace   string `json:"pricePlace"`   // decimal places of the price
	PriceEndStep string `json:"priceEndStep"` // multiplier of the last place
}

type contractsResponse struct {
	apiEnvelope
	Data []contractData `json:"data"`
}

type placePlanOrderRequest struct {
	Symbol       string `json:"symbol"`
	ProductType  string `json:"productType"`
	MarginCoin   string `json:"marginCoin"`
	PlanType     string `json:"planType"`
	TriggerPrice string `json:"triggerPrice"`
	TriggerType  string `json:"triggerType"`
	ExecutePrice string `json:"executePrice"` // "0" executes at market on trigger
	HoldSide     string `json:"holdSide"`
	Size         string `json:"size"`
	ClientOID    string `json:"clientOid"`
}

type placePlanOrderResponse struct {
	apiEnvelope
	Data struct {
		OrderID   string `json:"orderId"`
		ClientOID string `json:"clientOid"`
	} `json:"data"`
}

type cancelPlanOrderRequest struct {
	OrderIDList []cancelOrderRef `json:"orderIdList"`
	Symbol      string           `json:"symbol"`
	ProductType string           `json:"productType"`
	MarginCoin  string           `json:"marginCoin"`
}

type cancelOrderRef struct {
	OrderID string `json:"orderId"`
}
