package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// SQLiteStore implements Store in a single SQLite file. Decimals are kept
// as TEXT and timestamps as unix nanoseconds so nothing is rounded on the
// way through.
type SQLiteStore struct {
	db     *sql.DB
	retain int
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id            INTEGER PRIMARY KEY,
		trade_id      TEXT    NOT NULL DEFAULT '',
		source        TEXT    NOT NULL DEFAULT '',
		wallet        TEXT    NOT NULL,
		market_id     TEXT    NOT NULL,
		condition_id  TEXT    NOT NULL,
		outcome_index INTEGER NOT NULL,
		side          TEXT    NOT NULL,
		price         TEXT    NOT NULL,
		quantity      TEXT    NOT NULL,
		usd_value     TEXT    NOT NULL,
		fee           TEXT    NOT NULL DEFAULT '0',
		tx_hash       TEXT    NOT NULL DEFAULT '',
		log_index     INTEGER,
		ts            INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resolutions (
		id                 INTEGER PRIMARY KEY,
		condition_id       TEXT    NOT NULL,
		source             TEXT    NOT NULL,
		payout_numerators  TEXT    NOT NULL,
		payout_denominator TEXT    NOT NULL,
		winning_index      INTEGER NOT NULL DEFAULT -1,
		outcome_count      INTEGER NOT NULL DEFAULT 0,
		resolved_at        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_quotes (
		id            INTEGER PRIMARY KEY,
		condition_id  TEXT    NOT NULL,
		outcome_index INTEGER NOT NULL,
		price         TEXT    NOT NULL,
		source        TEXT    NOT NULL DEFAULT '',
		observed_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id          TEXT PRIMARY KEY,
		number      INTEGER NOT NULL UNIQUE,
		header      BLOB    NOT NULL,
		summaries   BLOB    NOT NULL,
		positions   BLOB    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// NewSQLiteStore opens (or creates) a SQLite store with WAL mode enabled.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db, retain: DefaultRetain}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	return s.inTx(ctx, "insert trades", func(tx *sql.Tx) error {
		for _, t := range trades {
			var logIndex sql.NullInt64
			if t.LogIndex != nil {
				logIndex = sql.NullInt64{Int64: *t.LogIndex, Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO trades (trade_id, source, wallet, market_id, condition_id, outcome_index, side,
				                     price, quantity, usd_value, fee, tx_hash, log_index, ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.TradeID, t.Source, t.Wallet, t.MarketID, t.ConditionIDRaw, t.OutcomeIndex, string(t.Side),
				t.Price.String(), t.Quantity.String(), t.USDValue.String(), t.Fee.String(),
				t.TxHash, logIndex, t.Timestamp.UnixNano(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) InsertResolutions(ctx context.Context, resolutions []model.MarketResolution) error {
	return s.inTx(ctx, "insert resolutions", func(tx *sql.Tx) error {
		for _, r := range resolutions {
			nums, err := json.Marshal(decimalStrings(r.PayoutNumerators))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO resolutions (condition_id, source, payout_numerators, payout_denominator,
				                          winning_index, outcome_count, resolved_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ConditionIDRaw, r.Source, string(nums), r.PayoutDenominator.String(),
				r.WinningIndex, r.OutcomeCount, r.ResolvedAt.UnixNano(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) InsertQuotes(ctx context.Context, quotes []model.PriceQuote) error {
	return s.inTx(ctx, "insert quotes", func(tx *sql.Tx) error {
		for _, q := range quotes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO price_quotes (condition_id, outcome_index, price, source, observed_at)
				 VALUES (?, ?, ?, ?, ?)`,
				q.ConditionIDRaw, q.OutcomeIndex, q.Price.String(), q.Source, q.ObservedAt.UnixNano(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer tx.Rollback()

	snap := &model.Snapshot{LoadedAt: time.Now().UTC()}

	if snap.Trades, err = s.loadTrades(ctx, tx); err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	if snap.Resolutions, err = s.loadResolutions(ctx, tx); err != nil {
		return nil, fmt.Errorf("load resolutions: %w", err)
	}
	if snap.Quotes, err = s.loadQuotes(ctx, tx); err != nil {
		return nil, fmt.Errorf("load quotes: %w", err)
	}
	return snap, tx.Commit()
}

func (s *SQLiteStore) loadTrades(ctx context.Context, tx *sql.Tx) ([]model.Trade, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT trade_id, source, wallet, market_id, condition_id, outcome_index, side,
		        price, quantity, usd_value, fee, tx_hash, log_index, ts
		 FROM trades ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, priceS, qtyS, usdS, feeS string
		var logIndex sql.NullInt64
		var ts int64

		if err := rows.Scan(&t.TradeID, &t.Source, &t.Wallet, &t.MarketID, &t.ConditionIDRaw,
			&t.OutcomeIndex, &side, &priceS, &qtyS, &usdS, &feeS,
			&t.TxHash, &logIndex, &ts); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.USDValue, _ = decimal.NewFromString(usdS)
		t.Fee, _ = decimal.NewFromString(feeS)
		if logIndex.Valid {
			li := logIndex.Int64
			t.LogIndex = &li
		}
		t.Timestamp = time.Unix(0, ts).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) loadResolutions(ctx context.Context, tx *sql.Tx) ([]model.MarketResolution, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT condition_id, source, payout_numerators, payout_denominator,
		        winning_index, outcome_count, resolved_at
		 FROM resolutions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarketResolution
	for rows.Next() {
		var r model.MarketResolution
		var numsJSON, denS string
		var at int64

		if err := rows.Scan(&r.ConditionIDRaw, &r.Source, &numsJSON, &denS,
			&r.WinningIndex, &r.OutcomeCount, &at); err != nil {
			return nil, err
		}

		var nums []string
		if err := json.Unmarshal([]byte(numsJSON), &nums); err != nil {
			return nil, fmt.Errorf("resolution %s payout: %w", r.ConditionIDRaw, err)
		}
		r.PayoutNumerators = parseDecimals(nums)
		r.PayoutDenominator, _ = decimal.NewFromString(denS)
		r.ResolvedAt = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadQuotes(ctx context.Context, tx *sql.Tx) ([]model.PriceQuote, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT condition_id, outcome_index, price, source, observed_at
		 FROM price_quotes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceQuote
	for rows.Next() {
		var q model.PriceQuote
		var priceS string
		var at int64

		if err := rows.Scan(&q.ConditionIDRaw, &q.OutcomeIndex, &priceS, &q.Source, &at); err != nil {
			return nil, err
		}

		q.Price, _ = decimal.NewFromString(priceS)
		q.ObservedAt = time.Unix(0, at).UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}

// PublishGeneration stores the generation as three JSON documents and moves
// the current pointer in the metadata table within one transaction.
func (s *SQLiteStore) PublishGeneration(ctx context.Context, g *model.Generation) error {
	head, err := json.Marshal(header(g))
	if err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}
	sums, err := json.Marshal(g.Summaries)
	if err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}
	pos, err := json.Marshal(g.Positions)
	if err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}

	return s.inTx(ctx, "publish "+g.ID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO generations (id, number, header, summaries, positions) VALUES (?, ?, ?, ?, ?)`,
			g.ID, g.Number, head, sums, pos,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metadata (key, value, updated_at) VALUES ('current_generation', ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			g.ID, time.Now().UnixNano(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE number <= ?`, g.Number-int64(s.retain))
		return err
	})
}

func (s *SQLiteStore) CurrentGeneration(ctx context.Context) (*model.Generation, error) {
	var head []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT g.header FROM metadata m JOIN generations g ON g.id = m.value
		 WHERE m.key = 'current_generation'`).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoGeneration
	}
	if err != nil {
		return nil, fmt.Errorf("current generation: %w", err)
	}

	var g model.Generation
	if err := json.Unmarshal(head, &g); err != nil {
		return nil, fmt.Errorf("current generation: %w", err)
	}
	return &g, nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, generationID string, policy model.Policy, wallet string) (*model.WalletPnLSummary, error) {
	var sums map[model.Policy]map[string]model.WalletPnLSummary
	if err := s.loadColumn(ctx, "summaries", generationID, &sums); err != nil {
		return nil, err
	}
	sum, ok := sums[policy][wallet]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s in generation %s", ErrNotFound, wallet, generationID)
	}
	return &sum, nil
}

func (s *SQLiteStore) GetPositions(ctx context.Context, generationID string, policy model.Policy, wallet, marketID string) ([]model.PositionDetail, error) {
	g := &model.Generation{}
	if err := s.loadColumn(ctx, "positions", generationID, &g.Positions); err != nil {
		return nil, err
	}
	if _, ok := g.Positions[policy][wallet]; !ok {
		return nil, fmt.Errorf("%w: wallet %s in generation %s", ErrNotFound, wallet, generationID)
	}
	return g.WalletPositions(policy, wallet, marketID), nil
}

// loadColumn decodes one JSON column of a generation row. column is one of
// the fixed names above and never user input.
func (s *SQLiteStore) loadColumn(ctx context.Context, column, generationID string, v any) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT "+column+" FROM generations WHERE id = ?", generationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoGeneration, generationID)
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", column, generationID, err)
	}
	return json.Unmarshal(data, v)
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
