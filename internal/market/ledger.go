package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"ledger-backend/internal/state"
)

// Ledger is the arena of markets and their positions. Transitions on one
// market are serialized by that market's lock; reads of market data are
// served from the last committed snapshot without locking.
type Ledger struct {
	createMu sync.Mutex // serializes creations so sequence numbers stay dense

	mu      sync.RWMutex // registry only, never held across a journal append
	markets map[common.Address]*book
	order   []common.Address // creation order
	factory common.Address

	vault   *state.Vault
	journal Journal
	history *History
	now     func() time.Time

	subMu sync.RWMutex
	subs  []func(Event)
}

// book owns one market and its positions.
type book struct {
	mu        sync.Mutex   // held for the whole of a transition
	view      sync.RWMutex // guards positions while a transition is applied
	market    Market       // written under mu
	positions map[common.Address]Position
	snap      atomic.Pointer[Market]
}

func newBook(m Market) *book {
	b := &book{
		market:    m,
		positions: make(map[common.Address]Position),
	}
	snap := m
	b.snap.Store(&snap)
	return b
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithJournal makes every transition durable before it is applied
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithHistorySize bounds the in-memory activity history
func WithHistorySize(n int) Option {
	return func(l *Ledger) { l.history = NewHistory(n) }
}

// WithVault shares an existing vault with the ledger
func WithVault(v *state.Vault) Option {
	return func(l *Ledger) { l.vault = v }
}

// NewLedger creates an empty ledger whose market ids are derived from the
// factory address the way contract deployments are.
func NewLedger(factory common.Address, opts ...Option) *Ledger {
	l := &Ledger{
		markets: make(map[common.Address]*book),
		factory: factory,
		vault:   state.NewVault(),
		history: NewHistory(1000),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers fn for every committed event. fn runs while the
// market is locked: it must not block or write to the ledger.
func (l *Ledger) Subscribe(fn func(Event)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Ledger) publish(ev Event) {
	l.history.Add(ev)

	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subs {
		fn(ev)
	}
}

// History returns the activity history
func (l *Ledger) History() *History {
	return l.history
}

// Vault returns the escrow vault
func (l *Ledger) Vault() *state.Vault {
	return l.vault
}

// Now returns the ledger's current time
func (l *Ledger) Now() time.Time {
	return l.now()
}

// CreateMarket opens a new Active market with zero shares.
func (l *Ledger) CreateMarket(
	ctx context.Context,
	creator common.Address,
	question, description string,
	resolutionTime time.Time,
) (Market, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Market{}, fmt.Errorf("%w: question is required", ErrInvalidMarket)
	}
	now := l.now()
	if !resolutionTime.After(now) {
		return Market{}, fmt.Errorf("%w: resolution time must be in the future", ErrInvalidMarket)
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()

	l.mu.RLock()
	seq := uint64(len(l.order))
	l.mu.RUnlock()

	m := Market{
		ID:             crypto.CreateAddress(l.factory, seq),
		Seq:            seq,
		Question:       question,
		Description:    strings.TrimSpace(description),
		Creator:        creator,
		ResolutionTime: resolutionTime.UTC().Truncate(time.Second),
		CreatedAt:      now.UTC(),
		State:          StateActive,
		Outcome:        OutcomeUnresolved,
		Version:        1,
	}

	ev := newEvent(EventCreated, m.ID, now)
	ev.Account = creator

	if l.journal != nil {
		if err := l.journal.Append(ctx, Mutation{Event: ev, Market: m}); err != nil {
			return Market{}, fmt.Errorf("journal create: %w", err)
		}
	}

	l.mu.Lock()
	l.markets[m.ID] = newBook(m)
	l.order = append(l.order, m.ID)
	l.mu.Unlock()

	l.publish(ev)

	return m, nil
}

func (l *Ledger) lookup(id common.Address) (*book, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return b, nil
}

// MarketCount returns the number of markets ever created
func (l *Ledger) MarketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// LatestMarkets returns up to count market ids, newest first
func (l *Ledger) LatestMarkets(count int) []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count > len(l.order) {
		count = len(l.order)
	}
	if count < 0 {
		count = 0
	}
	ids := make([]common.Address, 0, count)
	for i := len(l.order) - 1; i >= 0 && len(ids) < count; i-- {
		ids = append(ids, l.order[i])
	}
	return ids
}

// Markets returns snapshots of every market in creation order
func (l *Ledger) Markets() []Market {
	l.mu.RLock()
	defer l.mu.RUnlock()

	markets := make([]Market, 0, len(l.order))
	for _, id := range l.order {
		markets = append(markets, *l.markets[id].snap.Load())
	}
	return markets
}

// Market returns the last committed snapshot of a market
func (l *Ledger) Market(id common.Address) (Market, error) {
	b, err := l.lookup(id)
	if err != nil {
		return Market{}, err
	}
	return *b.snap.Load(), nil
}

// YesProbability returns the market's current YES percentage
func (l *Ledger) YesProbability(id common.Address) (uint64, error) {
	m, err := l.Market(id)
	if err != nil {
		return 0, err
	}
	return m.YesProbability(), nil
}

// TotalPool returns the stake held by the market
func (l *Ledger) TotalPool(id common.Address) (uint256.Int, error) {
	m, err := l.Market(id)
	if err != nil {
		return uint256.Int{}, err
	}
	return m.TotalPool(), nil
}

// Position returns an account's position; accounts that never bought have
// the zero position.
func (l *Ledger) Position(id, account common.Address) (Position, error) {
	b, err := l.lookup(id)
	if err != nil {
		return Position{}, err
	}
	b.view.RLock()
	defer b.view.RUnlock()
	return b.positions[account], nil
}

// read returns a consistent pair of market snapshot and position.
func (l *Ledger) read(id, account common.Address) (Market, Position, error) {
	b, err := l.lookup(id)
	if err != nil {
		return Market{}, Position{}, err
	}
	b.view.RLock()
	defer b.view.RUnlock()
	return *b.snap.Load(), b.positions[account], nil
}

// Claimable returns what Claim would pay the account right now.
func (l *Ledger) Claimable(id, account common.Address) (uint256.Int, error) {
	m, pos, err := l.read(id, account)
	if err != nil {
		return uint256.Int{}, err
	}
	s, err := settle(&m, &pos)
	if err != nil {
		return uint256.Int{}, err
	}
	return s.payout, nil
}

// PotentialPayout estimates the account's payout under each outcome at the
// current totals.
func (l *Ledger) PotentialPayout(id, account common.Address) (Potential, error) {
	m, pos, err := l.read(id, account)
	if err != nil {
		return Potential{}, err
	}
	return PotentialPayout(&m, &pos), nil
}

// Holding is a consistent view of one account's stake in a market
type Holding struct {
	Market    Market
	Position  Position
	Claimable uint256.Int // zero while the market is Active
	Potential Potential
}

// Holding reads the market and the account's position from the same commit.
func (l *Ledger) Holding(id, account common.Address) (Holding, error) {
	m, pos, err := l.read(id, account)
	if err != nil {
		return Holding{}, err
	}
	h := Holding{Market: m, Position: pos, Potential: PotentialPayout(&m, &pos)}
	if s, err := settle(&m, &pos); err == nil {
		h.Claimable = s.payout
	}
	return h, nil
}

// BuyShares adds amount shares on side to the account's position, paying
// amount into the pool at a fixed 1:1 price.
func (l *Ledger) BuyShares(
	ctx context.Context,
	id, account common.Address,
	side Side,
	amount *uint256.Int,
) (Position, error) {
	if amount == nil || amount.IsZero() {
		return Position{}, ErrInvalidAmount
	}

	b, err := l.lookup(id)
	if err != nil {
		return Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market.State != StateActive {
		return Position{}, ErrInvalidState
	}

	next := b.market
	pool := next.TotalPool()
	if _, overflow := pool.AddOverflow(&pool, amount); overflow {
		return Position{}, fmt.Errorf("%w: pool would overflow", ErrInvalidAmount)
	}
	pos := b.positions[account]
	if side == SideYes {
		next.TotalYesShares.Add(&next.TotalYesShares, amount)
		pos.YesShares.Add(&pos.YesShares, amount)
	} else {
		next.TotalNoShares.Add(&next.TotalNoShares, amount)
		pos.NoShares.Add(&pos.NoShares, amount)
	}

	ev := newEvent(EventPurchase, id, l.now())
	ev.Account = account
	ev.Side = side
	ev.Amount = *amount

	if err := l.vault.Deposit(id, amount); err != nil {
		return Position{}, fmt.Errorf("escrow purchase: %w", err)
	}
	if err := l.commit(ctx, b, next, account, &pos, ev); err != nil {
		if werr := l.vault.Withdraw(id, amount); werr != nil {
			return Position{}, fmt.Errorf("%w (escrow rollback: %v)", err, werr)
		}
		return Position{}, err
	}
	l.publish(ev)

	return pos, nil
}

// commit journals and applies a transition. The caller holds b.mu.
func (l *Ledger) commit(
	ctx context.Context,
	b *book,
	next Market,
	account common.Address,
	pos *Position,
	ev Event,
) error {
	prev := b.market.Version
	next.Version = prev + 1

	if l.journal != nil {
		mut := Mutation{Event: ev, Market: next, PrevVersion: prev, Position: pos}
		if err := l.journal.Append(ctx, mut); err != nil {
			return fmt.Errorf("journal %s: %w", ev.Kind, err)
		}
	}

	snap := next
	b.view.Lock()
	b.market = next
	if pos != nil {
		b.positions[account] = *pos
	}
	b.snap.Store(&snap)
	b.view.Unlock()
	return nil
}

// Restore replaces the ledger contents with a journal snapshot. It must be
// called before the ledger serves traffic.
func (l *Ledger) Restore(s Snapshot) error {
	markets := make(map[common.Address]*book, len(s.Markets))
	order := make([]common.Address, 0, len(s.Markets))
	escrow := make(map[common.Address]uint256.Int, len(s.Markets))
	paid := make(map[common.Address]uint256.Int)

	for i, m := range s.Markets {
		if m.Seq != uint64(i) {
			return fmt.Errorf("restore: market %s has seq %d at position %d", m.ID.Hex(), m.Seq, i)
		}
		if _, dup := markets[m.ID]; dup {
			return fmt.Errorf("restore: duplicate market %s", m.ID.Hex())
		}
		markets[m.ID] = newBook(m)
		order = append(order, m.ID)
		escrow[m.ID] = m.TotalPool()
	}

	for _, rec := range s.Positions {
		b, ok := markets[rec.MarketID]
		if !ok {
			return fmt.Errorf("restore: position for unknown market %s", rec.MarketID.Hex())
		}
		b.positions[rec.Account] = rec.Position

		if !rec.Position.Claimed.IsZero() {
			held := escrow[rec.MarketID]
			if held.Lt(&rec.Position.Claimed) {
				return fmt.Errorf("restore: market %s paid out more than its pool", rec.MarketID.Hex())
			}
			held.Sub(&held, &rec.Position.Claimed)
			escrow[rec.MarketID] = held

			received := paid[rec.Account]
			received.Add(&received, &rec.Position.Claimed)
			paid[rec.Account] = received
		}
	}

	l.mu.Lock()
	l.markets = markets
	l.order = order
	l.mu.Unlock()

	l.vault.Reset(escrow, paid)
	return nil
}
