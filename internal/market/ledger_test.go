package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	factory = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	creator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	bob     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	carol   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewLedger(factory, opts...), clock
}

func createTestMarket(t *testing.T, l *Ledger, clock *fakeClock) Market {
	t.Helper()
	m, err := l.CreateMarket(context.Background(), creator,
		"Will it rain tomorrow?", "Resolves YES on any rainfall",
		clock.Now().Add(24*time.Hour))
	require.NoError(t, err)
	return m
}

type failingJournal struct{ calls int }

func (j *failingJournal) Append(context.Context, Mutation) error {
	j.calls++
	return errors.New("disk full")
}

type recordingJournal struct {
	mu        sync.Mutex
	mutations []Mutation
}

func (j *recordingJournal) Append(_ context.Context, m Mutation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.mutations = append(j.mutations, m)
	return nil
}

func TestCreateMarket(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	m := createTestMarket(t, l, clock)
	assert.Equal(t, crypto.CreateAddress(factory, 0), m.ID)
	assert.Equal(t, StateActive, m.State)
	assert.Equal(t, OutcomeUnresolved, m.Outcome)
	assert.Equal(t, creator, m.Creator)
	assert.True(t, m.TotalYesShares.IsZero())
	assert.True(t, m.TotalNoShares.IsZero())
	assert.Equal(t, 1, l.MarketCount())

	second, err := l.CreateMarket(ctx, alice, "Second?", "", clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(factory, 1), second.ID)

	t.Run("empty question", func(t *testing.T) {
		_, err := l.CreateMarket(ctx, creator, "   ", "", clock.Now().Add(time.Hour))
		assert.ErrorIs(t, err, ErrInvalidMarket)
	})

	t.Run("resolution time in the past", func(t *testing.T) {
		_, err := l.CreateMarket(ctx, creator, "Late?", "", clock.Now())
		assert.ErrorIs(t, err, ErrInvalidMarket)
	})

	assert.Equal(t, 2, l.MarketCount())
}

func TestLatestMarkets(t *testing.T) {
	l, clock := newTestLedger(t)

	var ids []common.Address
	for i := 0; i < 5; i++ {
		ids = append(ids, createTestMarket(t, l, clock).ID)
	}

	latest := l.LatestMarkets(3)
	assert.Equal(t, []common.Address{ids[4], ids[3], ids[2]}, latest)
	assert.Len(t, l.LatestMarkets(100), 5)
	assert.Empty(t, l.LatestMarkets(0))
	assert.Empty(t, l.LatestMarkets(-1))
}

func TestBuyShares(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	pos, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pos.YesShares.Uint64())

	_, err = l.BuyShares(ctx, m.ID, alice, SideNo, u(40))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, bob, SideYes, u(60))
	require.NoError(t, err)

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(160), got.TotalYesShares.Uint64())
	assert.Equal(t, uint64(40), got.TotalNoShares.Uint64())

	pool, err := l.TotalPool(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), pool.Uint64())

	escrow := l.Vault().Escrow(m.ID)
	assert.Equal(t, uint64(200), escrow.Uint64())

	alicePos, err := l.Position(m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), alicePos.YesShares.Uint64())
	assert.Equal(t, uint64(40), alicePos.NoShares.Uint64())

	stranger, err := l.Position(m.ID, carol)
	require.NoError(t, err)
	assert.True(t, stranger.Empty())
}

func TestBuySharesRejectsZeroAmount(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.BuyShares(ctx, m.ID, alice, SideYes, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	pool := got.TotalPool()
	assert.True(t, pool.IsZero())
}

func TestBuySharesRejectsPoolOverflow(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	ceiling := new(uint256.Int).SetAllOne()
	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, ceiling)
	require.NoError(t, err)

	_, err = l.BuyShares(ctx, m.ID, bob, SideNo, u(1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalNoShares.IsZero())
}

func TestBuySharesUnknownMarket(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.BuyShares(context.Background(), carol, alice, SideYes, u(1))
	assert.ErrorIs(t, err, ErrMarketNotFound)
}

func TestPurchaseTotalsMatchSumOfAmounts(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	accounts := []common.Address{alice, bob, carol}
	var sum, yes, no uint64
	for i := uint64(1); i <= 30; i++ {
		side := SideOf(i%3 != 0)
		_, err := l.BuyShares(ctx, m.ID, accounts[i%3], side, u(i))
		require.NoError(t, err)
		sum += i
		if side == SideYes {
			yes += i
		} else {
			no += i
		}
	}

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	pool := got.TotalPool()
	assert.Equal(t, sum, pool.Uint64())
	assert.Equal(t, yes, got.TotalYesShares.Uint64())
	assert.Equal(t, no, got.TotalNoShares.Uint64())

	var posYes, posNo uint64
	for _, acct := range accounts {
		pos, err := l.Position(m.ID, acct)
		require.NoError(t, err)
		posYes += pos.YesShares.Uint64()
		posNo += pos.NoShares.Uint64()
	}
	assert.Equal(t, yes, posYes)
	assert.Equal(t, no, posNo)
}

func TestConcurrentPurchases(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	const workers, buys = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			acct := common.BytesToAddress([]byte{byte(w + 1)})
			for i := 0; i < buys; i++ {
				_, err := l.BuyShares(ctx, m.ID, acct, SideOf(w%2 == 0), u(1))
				assert.NoError(t, err)
				_, _ = l.YesProbability(m.ID)
			}
		}(w)
	}
	wg.Wait()

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	pool := got.TotalPool()
	assert.Equal(t, uint64(workers*buys), pool.Uint64())
	assert.Equal(t, uint64(workers*buys/2), got.TotalYesShares.Uint64())
	assert.Equal(t, uint64(1+workers*buys), got.Version)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("non-creator is unauthorized", func(t *testing.T) {
		l, clock := newTestLedger(t)
		m := createTestMarket(t, l, clock)
		clock.Advance(25 * time.Hour)

		_, err := l.Resolve(ctx, m.ID, alice, OutcomeYes)
		assert.ErrorIs(t, err, ErrUnauthorized)

		got, err := l.Market(m.ID)
		require.NoError(t, err)
		assert.Equal(t, StateActive, got.State)
	})

	t.Run("before resolution time", func(t *testing.T) {
		l, clock := newTestLedger(t)
		m := createTestMarket(t, l, clock)
		clock.Advance(time.Hour)

		_, err := l.Resolve(ctx, m.ID, creator, OutcomeYes)
		assert.ErrorIs(t, err, ErrNotYetDue)

		got, err := l.Market(m.ID)
		require.NoError(t, err)
		assert.Equal(t, StateActive, got.State)
		assert.Equal(t, OutcomeUnresolved, got.Outcome)
	})

	t.Run("exactly at resolution time", func(t *testing.T) {
		l, clock := newTestLedger(t)
		m := createTestMarket(t, l, clock)
		clock.Advance(24 * time.Hour)

		got, err := l.Resolve(ctx, m.ID, creator, OutcomeNo)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, got.State)
		assert.Equal(t, OutcomeNo, got.Outcome)
	})

	t.Run("unresolved outcome rejected", func(t *testing.T) {
		l, clock := newTestLedger(t)
		m := createTestMarket(t, l, clock)
		clock.Advance(25 * time.Hour)

		_, err := l.Resolve(ctx, m.ID, creator, OutcomeUnresolved)
		assert.ErrorIs(t, err, ErrInvalidOutcome)
		_, err = l.Resolve(ctx, m.ID, creator, Outcome(9))
		assert.ErrorIs(t, err, ErrInvalidOutcome)
	})

	t.Run("resolution is irreversible", func(t *testing.T) {
		l, clock := newTestLedger(t)
		m := createTestMarket(t, l, clock)
		clock.Advance(25 * time.Hour)

		_, err := l.Resolve(ctx, m.ID, creator, OutcomeYes)
		require.NoError(t, err)
		_, err = l.Resolve(ctx, m.ID, creator, OutcomeNo)
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := l.Market(m.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeYes, got.Outcome)
	})

	t.Run("purchases rejected after resolution", func(t *testing.T) {
		l, clock := newTestLedger(t)
		m := createTestMarket(t, l, clock)
		clock.Advance(25 * time.Hour)
		_, err := l.Resolve(ctx, m.ID, creator, OutcomeYes)
		require.NoError(t, err)

		_, err = l.BuyShares(ctx, m.ID, alice, SideYes, u(5))
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestClaimWorkedExample(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(100))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, bob, SideYes, u(200))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, carol, SideNo, u(700))
	require.NoError(t, err)

	prob, err := l.YesProbability(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), prob)

	_, err = l.Claim(ctx, m.ID, alice)
	assert.ErrorIs(t, err, ErrInvalidState, "claims are closed while active")

	clock.Advance(24 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeYes)
	require.NoError(t, err)

	claimable, err := l.Claimable(m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(333), claimable.Uint64())

	payout, err := l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(333), payout.Uint64())

	payout, err = l.Claim(ctx, m.ID, alice)
	assert.ErrorIs(t, err, ErrNothingToClaim)
	assert.True(t, payout.IsZero())

	payout, err = l.Claim(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(666), payout.Uint64())

	payout, err = l.Claim(ctx, m.ID, carol)
	assert.ErrorIs(t, err, ErrNothingToClaim, "losing side")
	assert.True(t, payout.IsZero())

	// 1000 - 333 - 666 stays behind as truncation dust.
	dust := l.Vault().Escrow(m.ID)
	assert.Equal(t, uint64(1), dust.Uint64())

	alicePos, err := l.Position(m.ID, alice)
	require.NoError(t, err)
	assert.True(t, alicePos.YesShares.IsZero())
	assert.Equal(t, uint64(333), alicePos.Claimed.Uint64())

	paid := l.Vault().Paid(bob)
	assert.Equal(t, uint64(666), paid.Uint64())

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), got.TotalYesShares.Uint64(), "totals record issuance")
}

func TestClaimInvalidRefundsStake(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(70))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, alice, SideNo, u(30))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, bob, SideNo, u(900))
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeInvalid)
	require.NoError(t, err)

	payout, err := l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), payout.Uint64())

	payout, err = l.Claim(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), payout.Uint64())

	_, err = l.Claim(ctx, m.ID, alice)
	assert.ErrorIs(t, err, ErrNothingToClaim)

	pos, err := l.Position(m.ID, alice)
	require.NoError(t, err)
	assert.True(t, pos.Empty())

	escrow := l.Vault().Escrow(m.ID)
	assert.True(t, escrow.IsZero())
}

func TestClaimNoOutcome(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(10))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, alice, SideNo, u(5))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, bob, SideNo, u(15))
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeNo)
	require.NoError(t, err)

	// pool 30, NO total 20: alice 30*5/20 = 7, bob 30*15/20 = 22
	payout, err := l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), payout.Uint64())

	pos, err := l.Position(m.ID, alice)
	require.NoError(t, err)
	assert.True(t, pos.NoShares.IsZero())
	assert.Equal(t, uint64(10), pos.YesShares.Uint64(), "losing side is left as is")

	payout, err = l.Claim(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(22), payout.Uint64())
}

func TestCancel(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	m := createTestMarket(t, l, clock)

	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(25))
	require.NoError(t, err)

	got, err := l.Cancel(ctx, m.ID, "duplicate market")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, OutcomeUnresolved, got.Outcome)

	_, err = l.Cancel(ctx, m.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)

	clock.Advance(48 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeYes)
	assert.ErrorIs(t, err, ErrInvalidState, "cancelled is terminal")

	_, err = l.BuyShares(ctx, m.ID, bob, SideNo, u(1))
	assert.ErrorIs(t, err, ErrInvalidState)

	payout, err := l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), payout.Uint64())
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t)
	m := createTestMarket(t, l, clock)
	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(10))
	require.NoError(t, err)

	journal := &failingJournal{}
	l.journal = journal

	_, err = l.BuyShares(ctx, m.ID, alice, SideYes, u(5))
	require.Error(t, err)

	clock.Advance(24 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeYes)
	require.Error(t, err)

	_, err = l.CreateMarket(ctx, creator, "Another?", "", clock.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, 3, journal.calls)

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, uint64(10), got.TotalYesShares.Uint64())
	assert.Equal(t, 1, l.MarketCount())

	escrow := l.Vault().Escrow(m.ID)
	assert.Equal(t, uint64(10), escrow.Uint64())
}

func TestJournalReceivesVersionedMutations(t *testing.T) {
	ctx := context.Background()
	journal := &recordingJournal{}
	l, clock := newTestLedger(t, WithJournal(journal))
	m := createTestMarket(t, l, clock)

	_, err := l.BuyShares(ctx, m.ID, alice, SideNo, u(3))
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeNo)
	require.NoError(t, err)
	_, err = l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)

	require.Len(t, journal.mutations, 4)
	kinds := []EventKind{EventCreated, EventPurchase, EventResolved, EventClaimed}
	for i, mut := range journal.mutations {
		assert.Equal(t, kinds[i], mut.Event.Kind)
		assert.Equal(t, uint64(i+1), mut.Market.Version)
		if i > 0 {
			assert.Equal(t, uint64(i), mut.PrevVersion)
		}
	}
	assert.Nil(t, journal.mutations[2].Position)
	require.NotNil(t, journal.mutations[3].Position)
	assert.Equal(t, uint64(3), journal.mutations[3].Position.Claimed.Uint64())
}

func TestSubscribersSeeCommittedEvents(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t)

	var events []Event
	l.Subscribe(func(ev Event) { events = append(events, ev) })

	m := createTestMarket(t, l, clock)
	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(8))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, alice, SideYes, u(0))
	require.Error(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Kind)
	assert.Equal(t, EventPurchase, events[1].Kind)
	assert.Equal(t, alice, events[1].Account)
	assert.Equal(t, uint64(8), events[1].Amount.Uint64())
	assert.NotEmpty(t, events[1].ID)

	assert.Len(t, l.History().ForMarket(m.ID, 10), 2)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	journal := &recordingJournal{}
	l, clock := newTestLedger(t, WithJournal(journal))
	m := createTestMarket(t, l, clock)
	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(100))
	require.NoError(t, err)
	_, err = l.BuyShares(ctx, m.ID, bob, SideNo, u(50))
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeYes)
	require.NoError(t, err)
	_, err = l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)

	// Fold the journal the way a store would.
	markets := map[common.Address]Market{}
	positions := map[[2]common.Address]Position{}
	for _, mut := range journal.mutations {
		markets[mut.Market.ID] = mut.Market
		if mut.Position != nil {
			positions[[2]common.Address{mut.Market.ID, mut.Event.Account}] = *mut.Position
		}
	}
	snap := Snapshot{Markets: []Market{markets[m.ID]}}
	for key, pos := range positions {
		snap.Positions = append(snap.Positions, PositionRecord{MarketID: key[0], Account: key[1], Position: pos})
	}

	restored, _ := newTestLedger(t)
	require.NoError(t, restored.Restore(snap))

	got, err := restored.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, got.State)
	assert.Equal(t, uint64(5), got.Version)

	escrow := restored.Vault().Escrow(m.ID)
	assert.Equal(t, uint64(0), escrow.Uint64(), "alice took the whole pool")
	paid := restored.Vault().Paid(alice)
	assert.Equal(t, uint64(150), paid.Uint64())

	_, err = restored.Claim(ctx, m.ID, alice)
	assert.ErrorIs(t, err, ErrNothingToClaim)

	next, err := restored.CreateMarket(ctx, creator, "Next?", "", clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(factory, 1), next.ID)
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	l, _ := newTestLedger(t)
	m := Market{ID: crypto.CreateAddress(factory, 0), Seq: 3}
	assert.Error(t, l.Restore(Snapshot{Markets: []Market{m}}))

	m.Seq = 0
	err := l.Restore(Snapshot{
		Markets:   []Market{m},
		Positions: []PositionRecord{{MarketID: alice, Account: bob}},
	})
	assert.Error(t, err)
}

// gateJournal holds every create after the first until release is closed
type gateJournal struct {
	mu      sync.Mutex
	creates int
	entered chan struct{}
	release chan struct{}
}

func (j *gateJournal) Append(ctx context.Context, m Mutation) error {
	if m.PrevVersion != 0 {
		return nil
	}
	j.mu.Lock()
	j.creates++
	n := j.creates
	j.mu.Unlock()
	if n == 1 {
		return nil
	}

	close(j.entered)
	select {
	case <-j.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPendingCreateDoesNotBlockOtherMarkets(t *testing.T) {
	ctx := context.Background()
	gate := &gateJournal{entered: make(chan struct{}), release: make(chan struct{})}
	l, clock := newTestLedger(t, WithJournal(gate))
	existing := createTestMarket(t, l, clock)

	created := make(chan error, 1)
	go func() {
		_, err := l.CreateMarket(ctx, creator, "Will it snow?", "", clock.Now().Add(time.Hour))
		created <- err
	}()
	<-gate.entered
	defer func() {
		select {
		case <-gate.release:
		default:
			close(gate.release)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := l.Market(existing.ID)
		assert.NoError(t, err)
		_, err = l.BuyShares(ctx, existing.ID, alice, SideYes, u(10))
		assert.NoError(t, err)
		pos, err := l.Position(existing.ID, alice)
		assert.NoError(t, err)
		assert.Equal(t, uint64(10), pos.YesShares.Uint64())
		assert.Equal(t, 1, l.MarketCount())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operations on an existing market waited for another market's create")
	}

	close(gate.release)
	require.NoError(t, <-created)
	assert.Equal(t, 2, l.MarketCount())
}

func TestConcurrentCreatesGetDenseSequence(t *testing.T) {
	journal := &recordingJournal{}
	l, clock := newTestLedger(t, WithJournal(journal))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CreateMarket(context.Background(), creator, "Q?", "", clock.Now().Add(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	markets := l.Markets()
	require.Len(t, markets, n)
	for i, m := range markets {
		assert.Equal(t, uint64(i), m.Seq)
		assert.Equal(t, crypto.CreateAddress(factory, uint64(i)), m.ID)
	}

	require.Len(t, journal.mutations, n)
	for i, mut := range journal.mutations {
		assert.Equal(t, uint64(i), mut.Market.Seq, "journal sees creates in sequence order")
	}
}

func TestFailedPurchaseLeavesEscrowAndPositionUntouched(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t)
	m := createTestMarket(t, l, clock)

	// escrow already full: the deposit must fail before anything commits
	require.NoError(t, l.Vault().Deposit(m.ID, new(uint256.Int).SetAllOne()))

	var events eventCollector
	l.Subscribe(events.collect)

	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(5))
	require.Error(t, err)

	got, err := l.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.True(t, got.TotalYesShares.IsZero())
	pos, err := l.Position(m.ID, alice)
	require.NoError(t, err)
	assert.True(t, pos.Empty())
	assert.Empty(t, events.kinds(EventPurchase))
}

func TestFailedClaimJournalRestoresEscrow(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t)
	m := createTestMarket(t, l, clock)
	_, err := l.BuyShares(ctx, m.ID, alice, SideYes, u(40))
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = l.Resolve(ctx, m.ID, creator, OutcomeYes)
	require.NoError(t, err)

	l.journal = &failingJournal{}
	_, err = l.Claim(ctx, m.ID, alice)
	require.Error(t, err)

	escrow := l.Vault().Escrow(m.ID)
	assert.Equal(t, uint64(40), escrow.Uint64())
	paid := l.Vault().Paid(alice)
	assert.True(t, paid.IsZero())

	l.journal = nil
	payout, err := l.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), payout.Uint64())
}
