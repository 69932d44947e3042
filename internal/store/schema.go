package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// postgresSchema is applied by PostgresStore.Migrate. Money and shares are
// NUMERIC for exact decimal precision.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	username        TEXT NOT NULL DEFAULT '',
	balance         NUMERIC NOT NULL,
	portfolio_value NUMERIC NOT NULL DEFAULT 0,
	version         BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	market_id          TEXT NOT NULL,
	event_id           TEXT NOT NULL,
	outcome            TEXT NOT NULL CHECK (outcome IN ('Yes', 'No')),
	token_id           TEXT NOT NULL DEFAULT '',
	question           TEXT NOT NULL DEFAULT '',
	shares             NUMERIC NOT NULL CHECK (shares >= 0),
	average_price      NUMERIC NOT NULL,
	invested_amount    NUMERIC NOT NULL,
	current_price      NUMERIC NOT NULL,
	status             TEXT NOT NULL CHECK (status IN ('open', 'closed', 'settled')),
	profit_loss        NUMERIC NOT NULL DEFAULT 0,
	settlement_outcome TEXT,
	version            BIGINT NOT NULL DEFAULT 1,
	opened_at          TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	closed_at          TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS positions_one_open
	ON positions (user_id, market_id, outcome) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS positions_event_open
	ON positions (event_id) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS positions_user ON positions (user_id, opened_at DESC);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	position_id TEXT NOT NULL,
	market_id   TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	type        TEXT NOT NULL CHECK (type IN ('buy', 'sell')),
	shares      NUMERIC NOT NULL,
	price       NUMERIC NOT NULL,
	total       NUMERIC NOT NULL,
	settlement  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_user ON trades (user_id, created_at);

CREATE TABLE IF NOT EXISTS resolutions (
	event_id        TEXT PRIMARY KEY,
	winning_outcome TEXT NOT NULL,
	resolved_at     TIMESTAMPTZ NOT NULL
);
`

// sqliteSchema mirrors postgresSchema. Decimals are stored as TEXT and times
// as RFC 3339 strings.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	username        TEXT NOT NULL DEFAULT '',
	balance         TEXT NOT NULL,
	portfolio_value TEXT NOT NULL DEFAULT '0',
	version         INTEGER NOT NULL DEFAULT 1,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	market_id          TEXT NOT NULL,
	event_id           TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	token_id           TEXT NOT NULL DEFAULT '',
	question           TEXT NOT NULL DEFAULT '',
	shares             TEXT NOT NULL,
	average_price      TEXT NOT NULL,
	invested_amount    TEXT NOT NULL,
	current_price      TEXT NOT NULL,
	status             TEXT NOT NULL,
	profit_loss        TEXT NOT NULL DEFAULT '0',
	settlement_outcome TEXT,
	version            INTEGER NOT NULL DEFAULT 1,
	opened_at          TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	closed_at          TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS positions_one_open
	ON positions (user_id, market_id, outcome) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS positions_event ON positions (event_id, status);
CREATE INDEX IF NOT EXISTS positions_user ON positions (user_id, opened_at);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	position_id TEXT NOT NULL,
	market_id   TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	type        TEXT NOT NULL,
	shares      TEXT NOT NULL,
	price       TEXT NOT NULL,
	total       TEXT NOT NULL,
	settlement  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_user ON trades (user_id, created_at);

CREATE TABLE IF NOT EXISTS resolutions (
	event_id        TEXT PRIMARY KEY,
	winning_outcome TEXT NOT NULL,
	resolved_at     TEXT NOT NULL
);
`

const positionColumns = `id, user_id, market_id, event_id, outcome, token_id, question,
	shares, average_price, invested_amount, current_price, status, profit_loss,
	settlement_outcome, version, opened_at, updated_at, closed_at`

const tradeColumns = `id, user_id, position_id, market_id, event_id, outcome, type,
	shares, price, total, settlement, created_at`

// rowDecoder parses text columns of one row and keeps the first failure, so
// a corrupted value fails the read instead of decoding as zero.
type rowDecoder struct {
	err error
}

func (d *rowDecoder) dec(col, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("decode %s: %w", col, err)
	}
	return v
}

func (d *rowDecoder) timestamp(col, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("decode %s: %w", col, err)
	}
	return t
}
