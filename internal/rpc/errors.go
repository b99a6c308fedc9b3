package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"ledger-backend/internal/market"
)

// Standard JSON-RPC codes plus the ledger's own range
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeMarketNotFound = -32004
	CodeInvalidState   = -32010
	CodeUnauthorized   = -32011
	CodeNotYetDue      = -32012
	CodeInvalidAmount  = -32013
	CodeInvalidOutcome = -32014
	CodeNothingToClaim = -32015
	CodeInvalidMarket  = -32016
	CodeStaleWrite     = -32017
)

var ledgerCodes = []struct {
	err  error
	code int
}{
	{market.ErrMarketNotFound, CodeMarketNotFound},
	{market.ErrInvalidState, CodeInvalidState},
	{market.ErrUnauthorized, CodeUnauthorized},
	{market.ErrNotYetDue, CodeNotYetDue},
	{market.ErrInvalidAmount, CodeInvalidAmount},
	{market.ErrInvalidOutcome, CodeInvalidOutcome},
	{market.ErrNothingToClaim, CodeNothingToClaim},
	{market.ErrInvalidMarket, CodeInvalidMarket},
	{market.ErrStaleWrite, CodeStaleWrite},
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps ledger codes back to the ledger's sentinel errors, so callers
// of Client can use errors.Is as they would against the ledger itself.
func (e *RPCError) Unwrap() error {
	for _, lc := range ledgerCodes {
		if lc.code == e.Code {
			return lc.err
		}
	}
	return nil
}

// ErrorCode returns the JSON-RPC code for err
func ErrorCode(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	for _, lc := range ledgerCodes {
		if errors.Is(err, lc.err) {
			return lc.code
		}
	}
	return CodeInternal
}

// ToRPCError converts err into the error object sent to clients
func ToRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return &RPCError{Code: code, Message: msg}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
}
