package broker

// Wire types for the kabu-station style local REST endpoint. Field names
// follow the broker's PascalCase JSON exactly.

type tokenRequest struct {
	APIPassword string `json:"APIPassword"`
}

type tokenResponse struct {
	ResultCode int    `json:"ResultCode"`
	Token      string `json:"Token"`
}

// apiErrorBody is the broker's error envelope on 4xx responses.
type apiErrorBody struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
}

// reverseLimitOrder is the stop trigger clause attached to SL legs.
type reverseLimitOrder struct {
	TriggerSec        int     `json:"TriggerSec"`
	TriggerPrice      float64 `json:"TriggerPrice"`
	UnderOver         int     `json:"UnderOver"` // 1=under, 2=over
	AfterHitOrderType int     `json:"AfterHitOrderType"`
	AfterHitPrice     float64 `json:"AfterHitPrice"`
}

// closePosition cites the margin lot an exit order closes.
type closePosition struct {
	HoldID string `json:"HoldID"`
	Qty    int64  `json:"Qty"`
}

// sendOrderRequest is the /sendorder payload for both entries and exits.
type sendOrderRequest struct {
	Symbol            string             `json:"Symbol"`
	Exchange          int                `json:"Exchange"`
	SecurityType      int                `json:"SecurityType"`
	Side              string             `json:"Side"` // "2"=buy, "1"=sell
	CashMargin        int                `json:"CashMargin"`
	MarginTradeType   int                `json:"MarginTradeType,omitempty"`
	DelivType         int                `json:"DelivType"`
	FundType          string             `json:"FundType,omitempty"`
	AccountType       int                `json:"AccountType"`
	Qty               int64              `json:"Qty"`
	ClosePositions    []closePosition    `json:"ClosePositions,omitempty"`
	FrontOrderType    int                `json:"FrontOrderType"`
	Price             float64            `json:"Price"`
	ExpireDay         int                `json:"ExpireDay"`
	ReverseLimitOrder *reverseLimitOrder `json:"ReverseLimitOrder,omitempty"`
}

type sendOrderResponse struct {
	Result  int    `json:"Result"`
	OrderID string `json:"OrderId"`
}

type cancelOrderRequest struct {
	OrderID string `json:"OrderID"`
}

// orderDetail is one execution/record row under an order.
type orderDetail struct {
	RecType     int     `json:"RecType"`
	State       int     `json:"State"`
	Price       float64 `json:"Price"`
	Qty         float64 `json:"Qty"`
	ExecutionID string  `json:"ExecutionID"`
}

// orderRow is one row of GET /orders.
type orderRow struct {
	ID       string        `json:"ID"`
	State    int           `json:"State"`
	CumQty   float64       `json:"CumQty"`
	OrderQty float64       `json:"OrderQty"`
	Price    float64       `json:"Price"`
	RecvTime string        `json:"RecvTime"`
	Details  []orderDetail `json:"Details"`
}

// positionRow is one row of GET /positions.
type positionRow struct {
	Symbol      string  `json:"Symbol"`
	Side        string  `json:"Side"`
	LeavesQty   float64 `json:"LeavesQty"`
	HoldID      string  `json:"HoldID"`
	ExecutionID string  `json:"ExecutionID"`
}

type symbolResponse struct {
	Symbol     string `json:"Symbol"`
	SymbolName string `json:"SymbolName"`
}
