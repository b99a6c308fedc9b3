// Package rpc exposes the ledger as JSON-RPC 2.0 methods named after the
// market contract's ABI, and provides a WebSocket client for them.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"

	"ledger-backend/internal/market"
)

// Dispatcher executes requests against a ledger
type Dispatcher struct {
	ledger   *market.Ledger
	validate *validator.Validate
}

func NewDispatcher(l *market.Ledger, v *validator.Validate) *Dispatcher {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return &Dispatcher{ledger: l, validate: v}
}

// Dispatch runs req on behalf of caller. A zero caller may only read.
func (d *Dispatcher) Dispatch(ctx context.Context, caller common.Address, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return NewError(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "invalid request"})
	}

	result, err := d.call(ctx, caller, req)
	if err != nil {
		return NewError(req.ID, ToRPCError(err))
	}
	return NewResult(req.ID, result)
}

func (d *Dispatcher) call(ctx context.Context, caller common.Address, req *Request) (interface{}, error) {
	switch req.Method {
	case MethodGetMarketCount:
		return CountResult{Count: d.ledger.MarketCount()}, nil

	case MethodGetLatestMarkets:
		var p LatestMarketsParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		ids := d.ledger.LatestMarkets(p.Count)
		out := MarketIDsResult{MarketIDs: make([]string, len(ids))}
		for i, id := range ids {
			out.MarketIDs[i] = id.Hex()
		}
		return out, nil

	case MethodGetMarketInfo:
		var p MarketParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		m, err := d.ledger.Market(common.HexToAddress(p.MarketID))
		if err != nil {
			return nil, err
		}
		return NewMarketView(m), nil

	case MethodGetYesProbability:
		var p MarketParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		m, err := d.ledger.Market(common.HexToAddress(p.MarketID))
		if err != nil {
			return nil, err
		}
		return ProbabilityResult{
			MarketID:       m.ID.Hex(),
			YesProbability: m.YesProbability(),
			NoProbability:  m.NoProbability(),
		}, nil

	case MethodGetTotalPool:
		var p MarketParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		id := common.HexToAddress(p.MarketID)
		pool, err := d.ledger.TotalPool(id)
		if err != nil {
			return nil, err
		}
		return PoolResult{MarketID: id.Hex(), TotalPool: pool.Dec(), TotalPoolEth: FormatEther(&pool)}, nil

	case MethodGetUserPosition:
		var p PositionParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		return PositionOf(d.ledger, common.HexToAddress(p.MarketID), common.HexToAddress(p.Account))

	case MethodCreateMarket:
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		var p CreateMarketParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		m, err := d.ledger.CreateMarket(ctx, caller, p.Question, p.Description, time.Unix(p.ResolutionTime, 0))
		if err != nil {
			return nil, err
		}
		return NewMarketView(m), nil

	case MethodBuyShares:
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		var p BuySharesParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		amount, err := ParseAmount(p.Amount)
		if err != nil {
			return nil, err
		}
		id := common.HexToAddress(p.MarketID)
		if _, err := d.ledger.BuyShares(ctx, id, caller, market.SideOf(p.IsYes), amount); err != nil {
			return nil, err
		}
		return PositionOf(d.ledger, id, caller)

	case MethodResolve:
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		var p ResolveParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		outcome, err := market.ParseOutcome(p.Outcome)
		if err != nil {
			return nil, err
		}
		m, err := d.ledger.Resolve(ctx, common.HexToAddress(p.MarketID), caller, outcome)
		if err != nil {
			return nil, err
		}
		return NewMarketView(m), nil

	case MethodClaim:
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		var p MarketParams
		if err := d.decode(req.Params, &p); err != nil {
			return nil, err
		}
		id := common.HexToAddress(p.MarketID)
		payout, err := d.ledger.Claim(ctx, id, caller)
		if err != nil {
			return nil, err
		}
		return ClaimResult{
			MarketID:  id.Hex(),
			Account:   caller.Hex(),
			Payout:    payout.Dec(),
			PayoutEth: FormatEther(&payout),
		}, nil
	}

	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
}

func (d *Dispatcher) decode(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams(err)
	}
	return Validate(d.validate, dst)
}

// Validate runs struct validation and maps failures to invalid params
func Validate(v *validator.Validate, dst interface{}) error {
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Field() == "Amount" {
				return fmt.Errorf("%w: %s", market.ErrInvalidAmount, fe.Error())
			}
			return invalidParams(fmt.Errorf("%s failed on %s", fe.Field(), fe.Tag()))
		}
		return invalidParams(err)
	}
	return nil
}

func requireCaller(caller common.Address) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: request carries no account", market.ErrUnauthorized)
	}
	return nil
}

// ParseAmount parses a decimal wei string into a positive uint256
func ParseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrInvalidAmount, err)
	}
	if amount.IsZero() {
		return nil, market.ErrInvalidAmount
	}
	return amount, nil
}

// PositionOf reads an account's position with its claimable and potential
// payouts.
func PositionOf(l *market.Ledger, id, account common.Address) (PositionView, error) {
	h, err := l.Holding(id, account)
	if err != nil {
		return PositionView{}, err
	}
	return NewPositionView(h.Market, account, h.Position, h.Claimable, h.Potential), nil
}
