package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const pgPositionSelect = `SELECT id, user_id, market_id, event_id, outcome, token_id, question,
	        shares::TEXT, average_price::TEXT, invested_amount::TEXT, current_price::TEXT,
	        status, profit_loss::TEXT, settlement_outcome, version,
	        opened_at, updated_at, closed_at
	 FROM positions`

const pgTradeSelect = `SELECT id, user_id, position_id, market_id, event_id, outcome, type,
	        shares::TEXT, price::TEXT, total::TEXT, settlement, created_at
	 FROM trades`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, balance, portfolio_value, version, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, 1, $5, $6)`,
		u.ID, u.Username, u.Balance.String(), u.PortfolioValue.String(), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	u.Version = 1
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance, pv string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, portfolio_value::TEXT, version, created_at, updated_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &balance, &pv, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, notFound(err))
	}
	var rd rowDecoder
	u.Balance = rd.dec("balance", balance)
	u.PortfolioValue = rd.dec("portfolio_value", pv)
	if rd.err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, rd.err)
	}
	return &u, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPgPosition(s.pool.QueryRow(ctx, pgPositionSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) GetOpenPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanPgPosition(s.pool.QueryRow(ctx,
		pgPositionSelect+` WHERE user_id = $1 AND market_id = $2 AND outcome = $3 AND status = 'open'`,
		userID, marketID, string(outcome)))
	if err != nil {
		return nil, fmt.Errorf("get open position %s/%s/%s: %w", userID, marketID, outcome, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, pgPositionSelect+` WHERE user_id = $1 ORDER BY opened_at DESC`, userID)
	} else {
		rows, err = s.pool.Query(ctx,
			pgPositionSelect+` WHERE user_id = $1 AND status = $2 ORDER BY opened_at DESC`, userID, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPgPositions(rows)
}

func (s *PostgresStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		pgPositionSelect+` WHERE user_id = $1 AND status = 'open' ORDER BY opened_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPgPositions(rows)
}

func (s *PostgresStore) ListOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		pgPositionSelect+` WHERE event_id = $1 AND status = 'open' ORDER BY opened_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPgPositions(rows)
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, pgPositionSelect+` WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPgPositions(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, pgTradeSelect+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var outcome, typ, shares, price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.PositionID, &t.MarketID, &t.EventID,
			&outcome, &typ, &shares, &price, &total, &t.Settlement, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Outcome = model.Outcome(outcome)
		t.Type = model.TradeType(typ)
		var rd rowDecoder
		t.Shares = rd.dec("shares", shares)
		t.Price = rd.dec("price", price)
		t.Total = rd.dec("total", total)
		if rd.err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, rd.err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CountTrades(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetResolution(ctx context.Context, eventID string) (*model.Resolution, error) {
	var r model.Resolution
	var outcome string
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, winning_outcome, resolved_at FROM resolutions WHERE event_id = $1`, eventID).
		Scan(&r.EventID, &outcome, &r.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("get resolution %s: %w", eventID, notFound(err))
	}
	r.WinningOutcome = model.Outcome(outcome)
	return &r, nil
}

// eventLockClass namespaces the per-event advisory locks. RecordResolution
// holds the event's lock exclusively; Commit holds it shared for every event
// it trades on, then checks resolutions. Either the resolution is visible to
// the commit, or the resolution waits until the commit's rows are visible to
// the settlement that follows it.
const eventLockClass = 7411

// RecordResolution inserts res under the event's exclusive lock.
func (s *PostgresStore) RecordResolution(ctx context.Context, res *model.Resolution) (*model.Resolution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, eventLockClass, res.EventID); err != nil {
		return nil, fmt.Errorf("lock event %s: %w", res.EventID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO resolutions (event_id, winning_outcome, resolved_at)
		 VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		res.EventID, string(res.WinningOutcome), res.ResolvedAt); err != nil {
		return nil, fmt.Errorf("record resolution %s: %w", res.EventID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit resolution %s: %w", res.EventID, err)
	}
	return s.GetResolution(ctx, res.EventID)
}

// Commit runs the mutation in one transaction. Updates carry
// "WHERE version = $n"; zero affected rows means someone else won.
func (s *PostgresStore) Commit(ctx context.Context, m *Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, eventID := range guardedEvents(m) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1, hashtext($2))`, eventLockClass, eventID); err != nil {
			return fmt.Errorf("lock event %s: %w", eventID, err)
		}
		var resolved bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM resolutions WHERE event_id = $1)`, eventID).Scan(&resolved); err != nil {
			return fmt.Errorf("check resolution %s: %w", eventID, err)
		}
		if resolved {
			return fmt.Errorf("event %s: %w", eventID, ErrEventResolved)
		}
	}

	now := time.Now().UTC()

	if u := m.User; u != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE users
			 SET balance = $3::NUMERIC, portfolio_value = $4::NUMERIC,
			     version = version + 1, updated_at = $5
			 WHERE id = $1 AND version = $2`,
			u.ID, u.Version, u.Balance.String(), u.PortfolioValue.String(), now)
		if err != nil {
			return fmt.Errorf("update user %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}

	for _, p := range m.Positions {
		if p.Version == 0 {
			_, err := tx.Exec(ctx,
				`INSERT INTO positions (`+positionColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7,
				         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13::NUMERIC,
				         $14, 1, $15, $16, $17)`,
				p.ID, p.UserID, p.MarketID, p.EventID, string(p.Outcome), p.TokenID, p.Question,
				p.Shares.String(), p.AveragePrice.String(), p.InvestedAmount.String(), p.CurrentPrice.String(),
				string(p.Status), p.ProfitLoss.String(),
				outcomePtr(p.SettlementOutcome), p.OpenedAt, p.UpdatedAt, p.ClosedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return ErrVersionConflict
				}
				return fmt.Errorf("insert position %s: %w", p.ID, err)
			}
			continue
		}

		tag, err := tx.Exec(ctx,
			`UPDATE positions
			 SET shares = $3::NUMERIC, average_price = $4::NUMERIC, invested_amount = $5::NUMERIC,
			     current_price = $6::NUMERIC, status = $7, profit_loss = $8::NUMERIC,
			     settlement_outcome = $9, updated_at = $10, closed_at = $11,
			     version = version + 1
			 WHERE id = $1 AND version = $2`,
			p.ID, p.Version,
			p.Shares.String(), p.AveragePrice.String(), p.InvestedAmount.String(),
			p.CurrentPrice.String(), string(p.Status), p.ProfitLoss.String(),
			outcomePtr(p.SettlementOutcome), p.UpdatedAt, p.ClosedAt)
		if err != nil {
			return fmt.Errorf("update position %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}

	for _, t := range m.Trades {
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (`+tradeColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
			t.ID, t.UserID, t.PositionID, t.MarketID, t.EventID, string(t.Outcome), string(t.Type),
			t.Shares.String(), t.Price.String(), t.Total.String(), t.Settlement, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	bumpVersions(m, now)
	return nil
}

func scanPgPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var outcome, status, shares, avg, invested, cur, pnl string
	var settled *string

	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.EventID, &outcome, &p.TokenID, &p.Question,
		&shares, &avg, &invested, &cur, &status, &pnl, &settled, &p.Version,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}

	p.Outcome = model.Outcome(outcome)
	p.Status = model.PositionStatus(status)
	var rd rowDecoder
	p.Shares = rd.dec("shares", shares)
	p.AveragePrice = rd.dec("average_price", avg)
	p.InvestedAmount = rd.dec("invested_amount", invested)
	p.CurrentPrice = rd.dec("current_price", cur)
	p.ProfitLoss = rd.dec("profit_loss", pnl)
	if rd.err != nil {
		return nil, fmt.Errorf("position %s: %w", p.ID, rd.err)
	}
	if settled != nil {
		o := model.Outcome(*settled)
		p.SettlementOutcome = &o
	}
	return &p, nil
}

func collectPgPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func outcomePtr(o *model.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}
