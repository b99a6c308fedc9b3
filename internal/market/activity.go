package market

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventKind names a committed ledger transition
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventPurchase  EventKind = "purchase"
	EventResolved  EventKind = "resolved"
	EventClaimed   EventKind = "claimed"
	EventCancelled EventKind = "cancelled"
	EventDue       EventKind = "due" // resolution time passed, emitted by the sweeper only
)

// Event records one committed transition
type Event struct {
	ID       string
	Kind     EventKind
	MarketID common.Address
	Account  common.Address // zero for sweeper-driven events
	Side     Side           // purchases only
	Outcome  Outcome
	Amount   uint256.Int // purchase amount or payout
	Reason   string      // cancellation reason
	At       time.Time
}

func newEvent(kind EventKind, marketID common.Address, at time.Time) Event {
	return Event{
		ID:       uuid.New().String(),
		Kind:     kind,
		MarketID: marketID,
		At:       at,
	}
}

// History stores the most recent events
type History struct {
	mu     sync.RWMutex
	events []Event
	maxLen int
}

// NewHistory creates a history that keeps at most maxLen events
func NewHistory(maxLen int) *History {
	if maxLen <= 0 {
		maxLen = 1
	}
	return &History{
		events: make([]Event, 0, maxLen),
		maxLen: maxLen,
	}
}

// Add records a new event
func (h *History) Add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, ev)

	if len(h.events) > h.maxLen {
		h.events = h.events[len(h.events)-h.maxLen:]
	}
}

// Recent returns up to n of the newest events, oldest first
func (h *History) Recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > len(h.events) {
		n = len(h.events)
	}
	if n < 0 {
		n = 0
	}

	result := make([]Event, n)
	copy(result, h.events[len(h.events)-n:])
	return result
}

// ForMarket returns up to n of the newest events of one market, oldest first
func (h *History) ForMarket(id common.Address, n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []Event
	for i := len(h.events) - 1; i >= 0 && len(result) < n; i-- {
		if h.events[i].MarketID == id {
			result = append(result, h.events[i])
		}
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}
