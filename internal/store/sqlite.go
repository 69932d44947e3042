package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/papertrade/engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT so nothing passes through float64.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path in WAL mode
// and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve sqlite path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		path = abs
	}

	dsn := path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, balance, portfolio_value, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		u.ID, u.Username, u.Balance.String(), u.PortfolioValue.String(), ts(u.CreatedAt), ts(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	u.Version = 1
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance, pv, created, updated string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, balance, portfolio_value, version, created_at, updated_at
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &balance, &pv, &u.Version, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, sqlNotFound(err))
	}
	var rd rowDecoder
	u.Balance = rd.dec("balance", balance)
	u.PortfolioValue = rd.dec("portfolio_value", pv)
	u.CreatedAt = rd.timestamp("created_at", created)
	u.UpdatedAt = rd.timestamp("updated_at", updated)
	if rd.err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, rd.err)
	}
	return &u, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanSQLitePosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, sqlNotFound(err))
	}
	return p, nil
}

func (s *SQLiteStore) GetOpenPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanSQLitePosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = ? AND market_id = ? AND outcome = ? AND status = 'open'`,
		userID, marketID, string(outcome)))
	if err != nil {
		return nil, fmt.Errorf("get open position %s/%s/%s: %w", userID, marketID, outcome, sqlNotFound(err))
	}
	return p, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	return s.queryPositions(ctx, query+` ORDER BY opened_at DESC`, args...)
}

func (s *SQLiteStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND status = 'open' ORDER BY opened_at`,
		userID)
}

func (s *SQLiteStore) ListOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE event_id = ? AND status = 'open' ORDER BY opened_at`,
		eventID)
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY opened_at`)
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var outcome, typ, shares, price, total, created string
		if err := rows.Scan(&t.ID, &t.UserID, &t.PositionID, &t.MarketID, &t.EventID,
			&outcome, &typ, &shares, &price, &total, &t.Settlement, &created); err != nil {
			return nil, err
		}
		t.Outcome = model.Outcome(outcome)
		t.Type = model.TradeType(typ)
		var rd rowDecoder
		t.Shares = rd.dec("shares", shares)
		t.Price = rd.dec("price", price)
		t.Total = rd.dec("total", total)
		t.CreatedAt = rd.timestamp("created_at", created)
		if rd.err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, rd.err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) CountTrades(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) GetResolution(ctx context.Context, eventID string) (*model.Resolution, error) {
	var r model.Resolution
	var outcome, resolved string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, winning_outcome, resolved_at FROM resolutions WHERE event_id = ?`, eventID).
		Scan(&r.EventID, &outcome, &resolved)
	if err != nil {
		return nil, fmt.Errorf("get resolution %s: %w", eventID, sqlNotFound(err))
	}
	var rd rowDecoder
	r.WinningOutcome = model.Outcome(outcome)
	r.ResolvedAt = rd.timestamp("resolved_at", resolved)
	if rd.err != nil {
		return nil, fmt.Errorf("get resolution %s: %w", eventID, rd.err)
	}
	return &r, nil
}

func (s *SQLiteStore) RecordResolution(ctx context.Context, res *model.Resolution) (*model.Resolution, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolutions (event_id, winning_outcome, resolved_at)
		 VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
		res.EventID, string(res.WinningOutcome), ts(res.ResolvedAt))
	if err != nil {
		return nil, fmt.Errorf("record resolution %s: %w", res.EventID, err)
	}
	return s.GetResolution(ctx, res.EventID)
}

// Commit mirrors PostgresStore.Commit.
func (s *SQLiteStore) Commit(ctx context.Context, m *Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// The single connection serializes this transaction with RecordResolution.
	for _, eventID := range guardedEvents(m) {
		var resolved bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM resolutions WHERE event_id = ?)`, eventID).Scan(&resolved); err != nil {
			return fmt.Errorf("check resolution %s: %w", eventID, err)
		}
		if resolved {
			return fmt.Errorf("event %s: %w", eventID, ErrEventResolved)
		}
	}

	committedAt := time.Now().UTC()
	now := ts(committedAt)

	if u := m.User; u != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = ?, portfolio_value = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			u.Balance.String(), u.PortfolioValue.String(), now, u.ID, u.Version)
		if err != nil {
			return fmt.Errorf("update user %s: %w", u.ID, err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
	}

	for _, p := range m.Positions {
		if p.Version == 0 {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO positions (`+positionColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
				p.ID, p.UserID, p.MarketID, p.EventID, string(p.Outcome), p.TokenID, p.Question,
				p.Shares.String(), p.AveragePrice.String(), p.InvestedAmount.String(), p.CurrentPrice.String(),
				string(p.Status), p.ProfitLoss.String(), outcomePtr(p.SettlementOutcome),
				ts(p.OpenedAt), ts(p.UpdatedAt), tsPtr(p.ClosedAt))
			if err != nil {
				if strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return ErrVersionConflict
				}
				return fmt.Errorf("insert position %s: %w", p.ID, err)
			}
			continue
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE positions
			 SET shares = ?, average_price = ?, invested_amount = ?, current_price = ?,
			     status = ?, profit_loss = ?, settlement_outcome = ?, updated_at = ?, closed_at = ?,
			     version = version + 1
			 WHERE id = ? AND version = ?`,
			p.Shares.String(), p.AveragePrice.String(), p.InvestedAmount.String(), p.CurrentPrice.String(),
			string(p.Status), p.ProfitLoss.String(), outcomePtr(p.SettlementOutcome),
			ts(p.UpdatedAt), tsPtr(p.ClosedAt), p.ID, p.Version)
		if err != nil {
			return fmt.Errorf("update position %s: %w", p.ID, err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
	}

	for _, t := range m.Trades {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO trades (`+tradeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.UserID, t.PositionID, t.MarketID, t.EventID, string(t.Outcome), string(t.Type),
			t.Shares.String(), t.Price.String(), t.Total.String(), t.Settlement, ts(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	bumpVersions(m, committedAt)
	return nil
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var outcome, status, shares, avg, invested, cur, pnl, opened, updated string
	var settled, closed sql.NullString

	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.EventID, &outcome, &p.TokenID, &p.Question,
		&shares, &avg, &invested, &cur, &status, &pnl, &settled, &p.Version,
		&opened, &updated, &closed); err != nil {
		return nil, err
	}

	var rd rowDecoder
	p.Outcome = model.Outcome(outcome)
	p.Status = model.PositionStatus(status)
	p.Shares = rd.dec("shares", shares)
	p.AveragePrice = rd.dec("average_price", avg)
	p.InvestedAmount = rd.dec("invested_amount", invested)
	p.CurrentPrice = rd.dec("current_price", cur)
	p.ProfitLoss = rd.dec("profit_loss", pnl)
	p.OpenedAt = rd.timestamp("opened_at", opened)
	p.UpdatedAt = rd.timestamp("updated_at", updated)
	if settled.Valid {
		o := model.Outcome(settled.String)
		p.SettlementOutcome = &o
	}
	if closed.Valid {
		t := rd.timestamp("closed_at", closed.String)
		p.ClosedAt = &t
	}
	if rd.err != nil {
		return nil, fmt.Errorf("position %s: %w", p.ID, rd.err)
	}
	return &p, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func sqlNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ts formats times so that lexical order matches chronological order.
func ts(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}
