package market

import "github.com/holiman/uint256"

var twoHundred = uint256.NewInt(200)

// YesProbability returns round(100*yes/(yes+no)) with halves rounded up, or
// 50 when neither side holds shares. The result is always in [0,100].
func YesProbability(yes, no *uint256.Int) uint64 {
	total := new(uint256.Int).Add(yes, no)
	if total.IsZero() {
		return 50
	}
	// floor(200*yes/total) is at most 200; (t+1)/2 rounds the percentage
	// half up without leaving integer arithmetic.
	t, _ := new(uint256.Int).MulDivOverflow(yes, twoHundred, total)
	return (t.Uint64() + 1) / 2
}

// proRata computes pool*shares/sideTotal truncated toward zero. The 512-bit
// intermediate product cannot overflow.
func proRata(pool, shares, sideTotal *uint256.Int) *uint256.Int {
	if sideTotal.IsZero() {
		return new(uint256.Int)
	}
	z, _ := new(uint256.Int).MulDivOverflow(pool, shares, sideTotal)
	return z
}

// settlement is what a claim would do to a position.
type settlement struct {
	payout   uint256.Int
	clearYes bool
	clearNo  bool
}

// settle computes the claim for pos against m. It never mutates either.
// Truncation dust stays in the pool and is never paid out.
func settle(m *Market, pos *Position) (settlement, error) {
	var s settlement
	switch m.State {
	case StateResolved:
	case StateCancelled:
		return refund(pos), nil
	default:
		return s, ErrInvalidState
	}

	pool := m.TotalPool()
	switch m.Outcome {
	case OutcomeYes:
		s.payout = *proRata(&pool, &pos.YesShares, &m.TotalYesShares)
		s.clearYes = true
	case OutcomeNo:
		s.payout = *proRata(&pool, &pos.NoShares, &m.TotalNoShares)
		s.clearNo = true
	case OutcomeInvalid:
		return refund(pos), nil
	default:
		return s, ErrInvalidState
	}
	return s, nil
}

func refund(pos *Position) settlement {
	s := settlement{clearYes: true, clearNo: true}
	s.payout.Add(&pos.YesShares, &pos.NoShares)
	return s
}

// Potential holds what a position would receive under each outcome at the
// current totals.
type Potential struct {
	IfYes uint256.Int
	IfNo  uint256.Int
}

// PotentialPayout estimates the payout of pos if the market resolved now.
func PotentialPayout(m *Market, pos *Position) Potential {
	pool := m.TotalPool()
	return Potential{
		IfYes: *proRata(&pool, &pos.YesShares, &m.TotalYesShares),
		IfNo:  *proRata(&pool, &pos.NoShares, &m.TotalNoShares),
	}
}
