package rpc

import (
	"encoding/json"
	"sync/atomic"
)

// JSON-RPC 2.0 request/response structures. Method names follow the market
// contract's ABI so a contract client and this service look alike.

const (
	MethodCreateMarket      = "createMarket"
	MethodGetMarketCount    = "getMarketCount"
	MethodGetLatestMarkets  = "getLatestMarkets"
	MethodGetMarketInfo     = "getMarketInfo"
	MethodGetYesProbability = "getYesProbability"
	MethodGetTotalPool      = "getTotalPool"
	MethodGetUserPosition   = "getUserPosition"
	MethodBuyShares         = "buyShares"
	MethodResolve           = "resolve"
	MethodClaim             = "claim"

	// MethodEvent is the notification carrying a committed ledger event
	MethodEvent = "ledgerEvent"
)

// Request is a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server push without an id
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// --- Method-specific params ---

type CreateMarketParams struct {
	Question       string `json:"question" validate:"required,max=512"`
	Description    string `json:"description" validate:"max=4096"`
	ResolutionTime int64  `json:"resolutionTime" validate:"gt=0"` // unix seconds
}

type LatestMarketsParams struct {
	Count int `json:"count" validate:"gte=0,lte=1000"`
}

type MarketParams struct {
	MarketID string `json:"marketId" validate:"required,eth_addr"`
}

type PositionParams struct {
	MarketID string `json:"marketId" validate:"required,eth_addr"`
	Account  string `json:"account" validate:"required,eth_addr"`
}

type BuySharesParams struct {
	MarketID string `json:"marketId" validate:"required,eth_addr"`
	IsYes    bool   `json:"isYes"`
	Amount   string `json:"amount" validate:"required,number"` // wei, decimal
}

type ResolveParams struct {
	MarketID string `json:"marketId" validate:"required,eth_addr"`
	Outcome  string `json:"outcome" validate:"required"`
}

// --- Results ---

type CountResult struct {
	Count int `json:"count"`
}

type MarketIDsResult struct {
	MarketIDs []string `json:"marketIds"`
}

type ProbabilityResult struct {
	MarketID       string `json:"marketId"`
	YesProbability uint64 `json:"yesProbability"`
	NoProbability  uint64 `json:"noProbability"`
}

type PoolResult struct {
	MarketID     string `json:"marketId"`
	TotalPool    string `json:"totalPool"`
	TotalPoolEth string `json:"totalPoolEth"`
	Escrow       string `json:"escrow,omitempty"` // still held after claims
}

type ClaimResult struct {
	MarketID  string `json:"marketId"`
	Account   string `json:"account"`
	Payout    string `json:"payout"`
	PayoutEth string `json:"payoutEth"`
}

// --- Message builders ---

var requestID atomic.Int64

// NewRequest creates a new JSON-RPC request with the next process-wide id
func NewRequest(method string, params interface{}) (*Request, error) {
	req := &Request{
		JSONRPC: "2.0",
		ID:      requestID.Add(1),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult builds a successful response
func NewResult(id int64, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, &RPCError{Code: CodeInternal, Message: err.Error()})
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// NewError builds an error response
func NewError(id int64, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

// NewNotification wraps params into a notification
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// inbound is anything the server may send: a response or a notification
type inbound struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// ParseMessage splits a server frame into a response or a notification;
// exactly one of the results is non-nil on success.
func ParseMessage(data []byte) (*Response, *Notification, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, err
	}
	if msg.ID == nil && msg.Method != "" {
		return nil, &Notification{JSONRPC: "2.0", Method: msg.Method, Params: msg.Params}, nil
	}
	resp := &Response{JSONRPC: "2.0", Result: msg.Result, Error: msg.Error}
	if msg.ID != nil {
		resp.ID = *msg.ID
	}
	return resp, nil, nil
}
