package market

import "errors"

var (
	ErrMarketNotFound = errors.New("market not found")
	ErrInvalidState   = errors.New("operation not permitted in current market state")
	ErrUnauthorized   = errors.New("caller is not the market creator")
	ErrNotYetDue      = errors.New("resolution time has not been reached")
	ErrInvalidAmount  = errors.New("amount must be a positive integer")
	ErrInvalidOutcome = errors.New("outcome must be YES, NO or INVALID")
	ErrNothingToClaim = errors.New("nothing to claim")
	ErrInvalidMarket  = errors.New("invalid market parameters")
	ErrStaleWrite     = errors.New("market was modified concurrently")
)
