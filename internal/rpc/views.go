package rpc

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"ledger-backend/internal/market"
)

const etherDecimals = 18

// FormatEther renders a wei amount as ether without losing precision
func FormatEther(wei *uint256.Int) string {
	return decimal.NewFromBigInt(wei.ToBig(), -etherDecimals).String()
}

// MarketView is the wire form of a market. Amounts are decimal wei strings.
type MarketView struct {
	ID             string `json:"id"`
	Seq            uint64 `json:"seq"`
	Question       string `json:"question"`
	Description    string `json:"description"`
	Creator        string `json:"creator"`
	ResolutionTime int64  `json:"resolutionTime"`
	CreatedAt      int64  `json:"createdAt"`
	ResolvedAt     int64  `json:"resolvedAt,omitempty"`
	State          string `json:"state"`
	Outcome        string `json:"outcome"`
	TotalYesShares string `json:"totalYesShares"`
	TotalNoShares  string `json:"totalNoShares"`
	TotalPool      string `json:"totalPool"`
	TotalPoolEth   string `json:"totalPoolEth"`
	YesProbability uint64 `json:"yesProbability"`
	NoProbability  uint64 `json:"noProbability"`
	Version        uint64 `json:"version"`
}

func NewMarketView(m market.Market) MarketView {
	pool := m.TotalPool()
	v := MarketView{
		ID:             m.ID.Hex(),
		Seq:            m.Seq,
		Question:       m.Question,
		Description:    m.Description,
		Creator:        m.Creator.Hex(),
		ResolutionTime: m.ResolutionTime.Unix(),
		CreatedAt:      m.CreatedAt.Unix(),
		State:          m.State.String(),
		Outcome:        m.Outcome.String(),
		TotalYesShares: m.TotalYesShares.Dec(),
		TotalNoShares:  m.TotalNoShares.Dec(),
		TotalPool:      pool.Dec(),
		TotalPoolEth:   FormatEther(&pool),
		YesProbability: m.YesProbability(),
		NoProbability:  m.NoProbability(),
		Version:        m.Version,
	}
	if !m.ResolvedAt.IsZero() {
		v.ResolvedAt = m.ResolvedAt.Unix()
	}
	return v
}

// PositionView is an account's position together with what it is worth
type PositionView struct {
	MarketID       string `json:"marketId"`
	Account        string `json:"account"`
	YesShares      string `json:"yesShares"`
	NoShares       string `json:"noShares"`
	Claimed        string `json:"claimed"`
	Claimable      string `json:"claimable"`
	ClaimableEth   string `json:"claimableEth"`
	PotentialIfYes string `json:"potentialIfYes"`
	PotentialIfNo  string `json:"potentialIfNo"`
}

// NewPositionView assembles a position view; claimable is zero while the
// market is Active.
func NewPositionView(m market.Market, account common.Address, pos market.Position, claimable uint256.Int, potential market.Potential) PositionView {
	return PositionView{
		MarketID:       m.ID.Hex(),
		Account:        account.Hex(),
		YesShares:      pos.YesShares.Dec(),
		NoShares:       pos.NoShares.Dec(),
		Claimed:        pos.Claimed.Dec(),
		Claimable:      claimable.Dec(),
		ClaimableEth:   FormatEther(&claimable),
		PotentialIfYes: potential.IfYes.Dec(),
		PotentialIfNo:  potential.IfNo.Dec(),
	}
}

// EventView is the wire form of a ledger event
type EventView struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	MarketID string `json:"marketId"`
	Account  string `json:"account,omitempty"`
	Side     string `json:"side,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Reason   string `json:"reason,omitempty"`
	At       string `json:"at"`
}

func NewEventView(ev market.Event) EventView {
	v := EventView{
		ID:       ev.ID,
		Kind:     string(ev.Kind),
		MarketID: ev.MarketID.Hex(),
		Reason:   ev.Reason,
		At:       ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Account != (common.Address{}) {
		v.Account = ev.Account.Hex()
	}
	switch ev.Kind {
	case market.EventPurchase:
		v.Side = ev.Side.String()
		v.Amount = ev.Amount.Dec()
	case market.EventClaimed:
		v.Outcome = ev.Outcome.String()
		v.Amount = ev.Amount.Dec()
	case market.EventResolved:
		v.Outcome = ev.Outcome.String()
	}
	return v
}
