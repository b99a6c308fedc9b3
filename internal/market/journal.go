package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Mutation is a transition about to be committed: the event plus the
// post-transition market and, when an account is involved, its position.
type Mutation struct {
	Event       Event
	Market      Market
	PrevVersion uint64 // Market.Version before the transition, 0 on create
	Position    *Position
}

// Journal durably records transitions. Append is called before the ledger
// applies a transition in memory; an error aborts the transition.
type Journal interface {
	Append(ctx context.Context, m Mutation) error
}

// PositionRecord is one non-empty or previously claimed position.
type PositionRecord struct {
	MarketID common.Address
	Account  common.Address
	Position Position
}

// Snapshot is the full ledger state as loaded from a journal.
type Snapshot struct {
	Markets   []Market // in creation order
	Positions []PositionRecord
}
