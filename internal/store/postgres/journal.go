package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger-backend/internal/market"
)

// Journal implements market.Journal. Each Append is one transaction whose
// market write is guarded by the version the ledger last saw.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a journal backed by the given connection pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

var _ market.Journal = (*Journal)(nil)

const (
	insertMarket = `
		INSERT INTO markets (
			id, seq, question, description, creator,
			resolution_time, created_at, state, outcome, resolved_at,
			total_yes_shares, total_no_shares, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11::text::numeric, $12::text::numeric, $13
		)`

	updateMarket = `
		UPDATE markets SET
			state = $2,
			outcome = $3,
			resolved_at = $4,
			total_yes_shares = $5::text::numeric,
			total_no_shares = $6::text::numeric,
			version = $7
		WHERE id = $1 AND version = $8`

	upsertPosition = `
		INSERT INTO positions (market_id, account, yes_shares, no_shares, claimed, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric, NOW())
		ON CONFLICT (market_id, account) DO UPDATE SET
			yes_shares = EXCLUDED.yes_shares,
			no_shares = EXCLUDED.no_shares,
			claimed = EXCLUDED.claimed,
			updated_at = NOW()`

	insertEvent = `
		INSERT INTO ledger_events (id, kind, market_id, account, side, outcome, amount, reason, at)
		VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9)`
)

// Append writes the mutation atomically. A market row whose version moved
// since the ledger read it fails with market.ErrStaleWrite.
func (j *Journal) Append(ctx context.Context, m market.Mutation) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	mk := m.Market
	if m.PrevVersion == 0 {
		_, err = tx.Exec(ctx, insertMarket,
			mk.ID.Hex(), int64(mk.Seq), mk.Question, mk.Description, mk.Creator.Hex(),
			mk.ResolutionTime, mk.CreatedAt, int16(mk.State), int16(mk.Outcome), nullTime(mk.ResolvedAt),
			mk.TotalYesShares.Dec(), mk.TotalNoShares.Dec(), int64(mk.Version),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert market: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, updateMarket,
			mk.ID.Hex(), int16(mk.State), int16(mk.Outcome), nullTime(mk.ResolvedAt),
			mk.TotalYesShares.Dec(), mk.TotalNoShares.Dec(), int64(mk.Version), int64(m.PrevVersion),
		)
		if err != nil {
			return fmt.Errorf("postgres: update market: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return market.ErrStaleWrite
		}
	}

	if m.Position != nil {
		p := m.Position
		_, err = tx.Exec(ctx, upsertPosition,
			mk.ID.Hex(), m.Event.Account.Hex(),
			p.YesShares.Dec(), p.NoShares.Dec(), p.Claimed.Dec(),
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert position: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, insertEvent, eventArgs(m.Event)...); err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Load reads every market and position for market.Ledger.Restore.
func (j *Journal) Load(ctx context.Context) (market.Snapshot, error) {
	var snap market.Snapshot

	rows, err := j.pool.Query(ctx, `
		SELECT id, seq, question, description, creator,
			resolution_time, created_at, state, outcome, resolved_at,
			total_yes_shares::text, total_no_shares::text, version
		FROM markets ORDER BY seq`)
	if err != nil {
		return snap, fmt.Errorf("postgres: query markets: %w", err)
	}
	for rows.Next() {
		var r marketRow
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.Question, &r.Description, &r.Creator,
			&r.ResolutionTime, &r.CreatedAt, &r.State, &r.Outcome, &r.ResolvedAt,
			&r.TotalYes, &r.TotalNo, &r.Version,
		); err != nil {
			rows.Close()
			return snap, fmt.Errorf("postgres: scan market: %w", err)
		}
		m, err := r.toMarket()
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Markets = append(snap.Markets, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("postgres: read markets: %w", err)
	}

	rows, err = j.pool.Query(ctx, `
		SELECT market_id, account, yes_shares::text, no_shares::text, claimed::text
		FROM positions ORDER BY market_id, account`)
	if err != nil {
		return snap, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r positionRow
		if err := rows.Scan(&r.MarketID, &r.Account, &r.Yes, &r.No, &r.Claimed); err != nil {
			return snap, fmt.Errorf("postgres: scan position: %w", err)
		}
		rec, err := r.toRecord()
		if err != nil {
			return snap, err
		}
		snap.Positions = append(snap.Positions, rec)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("postgres: read positions: %w", err)
	}

	return snap, nil
}

// Events returns up to limit of a market's events, oldest first.
func (j *Journal) Events(ctx context.Context, id common.Address, limit int) ([]market.Event, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id::text, kind, market_id, account, side, outcome, amount::text, reason, at
		FROM (
			SELECT * FROM ledger_events WHERE market_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq`, id.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (market.Event, error) {
		var r eventRow
		if err := row.Scan(&r.ID, &r.Kind, &r.MarketID, &r.Account, &r.Side, &r.Outcome, &r.Amount, &r.Reason, &r.At); err != nil {
			return market.Event{}, err
		}
		return r.toEvent()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

type marketRow struct {
	ID, Question, Description, Creator string
	Seq, Version                       int64
	ResolutionTime, CreatedAt          time.Time
	ResolvedAt                         *time.Time
	State, Outcome                     int16
	TotalYes, TotalNo                  string
}

func (r marketRow) toMarket() (market.Market, error) {
	m := market.Market{
		ID:             common.HexToAddress(r.ID),
		Seq:            uint64(r.Seq),
		Question:       r.Question,
		Description:    r.Description,
		Creator:        common.HexToAddress(r.Creator),
		ResolutionTime: r.ResolutionTime.UTC(),
		CreatedAt:      r.CreatedAt.UTC(),
		State:          market.State(r.State),
		Outcome:        market.Outcome(r.Outcome),
		Version:        uint64(r.Version),
	}
	if r.ResolvedAt != nil {
		m.ResolvedAt = r.ResolvedAt.UTC()
	}
	if err := setAmount(&m.TotalYesShares, r.TotalYes); err != nil {
		return m, fmt.Errorf("postgres: market %s yes shares: %w", r.ID, err)
	}
	if err := setAmount(&m.TotalNoShares, r.TotalNo); err != nil {
		return m, fmt.Errorf("postgres: market %s no shares: %w", r.ID, err)
	}
	return m, nil
}

type positionRow struct {
	MarketID, Account string
	Yes, No, Claimed  string
}

func (r positionRow) toRecord() (market.PositionRecord, error) {
	rec := market.PositionRecord{
		MarketID: common.HexToAddress(r.MarketID),
		Account:  common.HexToAddress(r.Account),
	}
	for _, f := range []struct {
		dst *uint256.Int
		raw string
	}{
		{&rec.Position.YesShares, r.Yes},
		{&rec.Position.NoShares, r.No},
		{&rec.Position.Claimed, r.Claimed},
	} {
		if err := setAmount(f.dst, f.raw); err != nil {
			return rec, fmt.Errorf("postgres: position %s/%s: %w", r.MarketID, r.Account, err)
		}
	}
	return rec, nil
}

type eventRow struct {
	ID, Kind, MarketID             string
	Account, Side, Outcome, Amount *string
	Reason                         *string
	At                             time.Time
}

func (r eventRow) toEvent() (market.Event, error) {
	ev := market.Event{
		ID:       r.ID,
		Kind:     market.EventKind(r.Kind),
		MarketID: common.HexToAddress(r.MarketID),
		At:       r.At.UTC(),
	}
	if r.Account != nil {
		ev.Account = common.HexToAddress(*r.Account)
	}
	if r.Side != nil {
		side, err := market.ParseSide(*r.Side)
		if err != nil {
			return ev, err
		}
		ev.Side = side
	}
	if r.Outcome != nil {
		outcome, err := market.ParseOutcome(*r.Outcome)
		if err != nil {
			return ev, err
		}
		ev.Outcome = outcome
	}
	if r.Amount != nil {
		if err := setAmount(&ev.Amount, *r.Amount); err != nil {
			return ev, err
		}
	}
	if r.Reason != nil {
		ev.Reason = *r.Reason
	}
	return ev, nil
}

// eventArgs are the insertEvent parameters; columns that do not apply to the
// event kind are NULL.
func eventArgs(ev market.Event) []any {
	var account, side, outcome, amount, reason *string
	if ev.Account != (common.Address{}) {
		account = ptr(ev.Account.Hex())
	}
	switch ev.Kind {
	case market.EventPurchase:
		side = ptr(ev.Side.String())
		amount = ptr(ev.Amount.Dec())
	case market.EventClaimed:
		outcome = ptr(ev.Outcome.String())
		amount = ptr(ev.Amount.Dec())
	case market.EventResolved:
		outcome = ptr(ev.Outcome.String())
	case market.EventCancelled:
		reason = ptr(ev.Reason)
	}
	return []any{ev.ID, string(ev.Kind), ev.MarketID.Hex(), account, side, outcome, amount, reason, ev.At}
}

func setAmount(dst *uint256.Int, raw string) error {
	if err := dst.SetFromDecimal(raw); err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func ptr(s string) *string { return &s }
