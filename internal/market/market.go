package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State represents the lifecycle stage of a prediction market
type State uint8

const (
	StateActive    State = iota // Accepting purchases
	StateResolved               // Outcome declared by the creator, claims open
	StateCancelled              // Closed externally, stakes refundable
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled
}

// Outcome is the declared result of a market. The numeric values match the
// on-chain enum.
type Outcome uint8

const (
	OutcomeUnresolved Outcome = iota
	OutcomeYes
	OutcomeNo
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnresolved:
		return "UNRESOLVED"
	case OutcomeYes:
		return "YES"
	case OutcomeNo:
		return "NO"
	case OutcomeInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// ParseOutcome accepts the names returned by Outcome.String, case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNRESOLVED":
		return OutcomeUnresolved, nil
	case "YES":
		return OutcomeYes, nil
	case "NO":
		return OutcomeNo, nil
	case "INVALID":
		return OutcomeInvalid, nil
	}
	return OutcomeUnresolved, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// Side selects which half of a binary market a purchase goes to.
type Side uint8

const (
	SideYes Side = iota
	SideNo
)

func (s Side) String() string {
	if s == SideYes {
		return "yes"
	}
	return "no"
}

// ParseSide accepts "yes" or "no" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	}
	return SideYes, fmt.Errorf("invalid side %q: must be 'yes' or 'no'", s)
}

// SideOf maps the contract's isYes flag to a Side.
func SideOf(isYes bool) Side {
	if isYes {
		return SideYes
	}
	return SideNo
}

// Market is one binary prediction market. Values handed out by the Ledger
// are copies; mutate only through Ledger operations.
type Market struct {
	ID             common.Address
	Seq            uint64 // creation nonce the id was derived from
	Question       string
	Description    string
	Creator        common.Address
	ResolutionTime time.Time
	CreatedAt      time.Time
	State          State
	Outcome        Outcome
	ResolvedAt     time.Time // zero until the state leaves Active
	TotalYesShares uint256.Int
	TotalNoShares  uint256.Int
	Version        uint64 // incremented on every committed transition
}

// TotalPool is the stake held across both sides. No fees are taken.
func (m *Market) TotalPool() uint256.Int {
	var pool uint256.Int
	pool.Add(&m.TotalYesShares, &m.TotalNoShares)
	return pool
}

// YesProbability is the integer YES percentage implied by the share totals.
func (m *Market) YesProbability() uint64 {
	return YesProbability(&m.TotalYesShares, &m.TotalNoShares)
}

// NoProbability is 100 minus YesProbability.
func (m *Market) NoProbability() uint64 {
	return 100 - m.YesProbability()
}

// Due reports whether the creator may resolve the market at now.
func (m *Market) Due(now time.Time) bool {
	return !now.Before(m.ResolutionTime)
}

// Position tracks an account's shares in one market. The zero value is the
// position of an account that never bought.
type Position struct {
	YesShares uint256.Int
	NoShares  uint256.Int
	Claimed   uint256.Int // total paid out to the account by this market
}

// Empty reports whether the position holds no shares on either side.
func (p *Position) Empty() bool {
	return p.YesShares.IsZero() && p.NoShares.IsZero()
}

// Shares returns the share count on side.
func (p *Position) Shares(side Side) *uint256.Int {
	if side == SideYes {
		return &p.YesShares
	}
	return &p.NoShares
}
