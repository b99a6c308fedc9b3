package market

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ReasonExpired is the cancellation reason used by the sweeper
const ReasonExpired = "unresolved past grace period"

// Sweeper watches Active markets whose resolution time has passed. It
// announces each one once, and cancels markets left unresolved for longer
// than the grace period when one is configured.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	announced map[common.Address]bool
}

// NewSweeper creates a sweeper. A zero grace disables automatic cancellation.
func NewSweeper(l *Ledger, interval, grace time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		ledger:    l,
		interval:  interval,
		grace:     grace,
		logger:    logger.With(zap.String("component", "sweeper")),
		announced: make(map[common.Address]bool),
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single pass over all markets
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.ledger.Now()

	for _, m := range s.ledger.Markets() {
		if m.State != StateActive {
			s.forget(m.ID)
			continue
		}
		if !m.Due(now) {
			continue
		}

		if s.grace > 0 && !now.Before(m.ResolutionTime.Add(s.grace)) {
			if _, err := s.ledger.Cancel(ctx, m.ID, ReasonExpired); err != nil {
				s.logger.Warn("failed to cancel expired market",
					zap.String("market", m.ID.Hex()), zap.Error(err))
			} else {
				s.forget(m.ID)
				s.logger.Info("market cancelled after grace period",
					zap.String("market", m.ID.Hex()))
			}
			continue
		}

		s.mu.Lock()
		seen := s.announced[m.ID]
		s.announced[m.ID] = true
		s.mu.Unlock()
		if seen {
			continue
		}

		ev := newEvent(EventDue, m.ID, now)
		ev.Account = m.Creator
		s.ledger.publish(ev)
		s.logger.Info("market due for resolution", zap.String("market", m.ID.Hex()))
	}
}

// forget drops the announcement record of a market that left Active
func (s *Sweeper) forget(id common.Address) {
	s.mu.Lock()
	delete(s.announced, id)
	s.mu.Unlock()
}
