package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Resolve declares the market's outcome. Only the creator may resolve, only
// once, and not before the resolution time.
func (l *Ledger) Resolve(ctx context.Context, id, caller common.Address, outcome Outcome) (Market, error) {
	switch outcome {
	case OutcomeYes, OutcomeNo, OutcomeInvalid:
	default:
		return Market{}, ErrInvalidOutcome
	}

	b, err := l.lookup(id)
	if err != nil {
		return Market{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.market.Creator {
		return Market{}, ErrUnauthorized
	}
	if b.market.State != StateActive {
		return Market{}, ErrInvalidState
	}
	now := l.now()
	if !b.market.Due(now) {
		return Market{}, ErrNotYetDue
	}

	next := b.market
	next.State = StateResolved
	next.Outcome = outcome
	next.ResolvedAt = now.UTC()

	ev := newEvent(EventResolved, id, now)
	ev.Account = caller
	ev.Outcome = outcome

	if err := l.commit(ctx, b, next, common.Address{}, nil, ev); err != nil {
		return Market{}, err
	}
	l.publish(ev)

	return b.market, nil
}

// Claim pays the account its share of a resolved market, or refunds its
// stake when the market resolved Invalid or was cancelled. The claimed sides
// are zeroed, so a repeated claim pays nothing and fails with
// ErrNothingToClaim.
func (l *Ledger) Claim(ctx context.Context, id, account common.Address) (uint256.Int, error) {
	b, err := l.lookup(id)
	if err != nil {
		return uint256.Int{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos := b.positions[account]
	s, err := settle(&b.market, &pos)
	if err != nil {
		return uint256.Int{}, err
	}
	if s.payout.IsZero() {
		return uint256.Int{}, ErrNothingToClaim
	}

	if s.clearYes {
		pos.YesShares.Clear()
	}
	if s.clearNo {
		pos.NoShares.Clear()
	}
	pos.Claimed.Add(&pos.Claimed, &s.payout)

	ev := newEvent(EventClaimed, id, l.now())
	ev.Account = account
	ev.Outcome = b.market.Outcome
	ev.Amount = s.payout

	if err := l.vault.Release(id, account, &s.payout); err != nil {
		return uint256.Int{}, fmt.Errorf("claim %s: %w", id.Hex(), err)
	}
	// Totals are left untouched: they record issuance, and the pool they sum
	// to is the base every later claim divides.
	if err := l.commit(ctx, b, b.market, account, &pos, ev); err != nil {
		if rerr := l.vault.Reclaim(id, account, &s.payout); rerr != nil {
			return uint256.Int{}, fmt.Errorf("%w (escrow rollback: %v)", err, rerr)
		}
		return uint256.Int{}, err
	}
	l.publish(ev)

	return s.payout, nil
}

// Cancel closes an Active market without an outcome. Stakes become
// refundable through Claim. The ledger does not decide who may cancel.
func (l *Ledger) Cancel(ctx context.Context, id common.Address, reason string) (Market, error) {
	b, err := l.lookup(id)
	if err != nil {
		return Market{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market.State != StateActive {
		return Market{}, ErrInvalidState
	}

	now := l.now()
	next := b.market
	next.State = StateCancelled
	next.ResolvedAt = now.UTC()

	ev := newEvent(EventCancelled, id, now)
	ev.Reason = reason

	if err := l.commit(ctx, b, next, common.Address{}, nil, ev); err != nil {
		return Market{}, err
	}
	l.publish(ev)

	return b.market, nil
}
