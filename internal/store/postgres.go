package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// Schema creates the input and generation tables. Monetary columns are
// NUMERIC; they are written from and read back into decimal strings.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id            BIGSERIAL PRIMARY KEY,
	trade_id      TEXT        NOT NULL DEFAULT '',
	source        TEXT        NOT NULL DEFAULT '',
	wallet        TEXT        NOT NULL,
	market_id     TEXT        NOT NULL,
	condition_id  TEXT        NOT NULL,
	outcome_index INT         NOT NULL,
	side          TEXT        NOT NULL,
	price         NUMERIC     NOT NULL,
	quantity      NUMERIC     NOT NULL,
	usd_value     NUMERIC     NOT NULL,
	fee           NUMERIC     NOT NULL DEFAULT 0,
	tx_hash       TEXT        NOT NULL DEFAULT '',
	log_index     BIGINT,
	timestamp     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS resolutions (
	id                 BIGSERIAL PRIMARY KEY,
	condition_id       TEXT        NOT NULL,
	source             TEXT        NOT NULL,
	payout_numerators  NUMERIC[]   NOT NULL,
	payout_denominator NUMERIC     NOT NULL,
	winning_index      INT         NOT NULL DEFAULT -1,
	outcome_count      INT         NOT NULL DEFAULT 0,
	resolved_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_quotes (
	id            BIGSERIAL PRIMARY KEY,
	condition_id  TEXT        NOT NULL,
	outcome_index INT         NOT NULL,
	price         NUMERIC     NOT NULL,
	source        TEXT        NOT NULL DEFAULT '',
	observed_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pnl_generations (
	id             TEXT PRIMARY KEY,
	number         BIGINT      NOT NULL UNIQUE,
	built_at       TIMESTAMPTZ NOT NULL,
	default_policy TEXT        NOT NULL,
	low_confidence BOOLEAN     NOT NULL DEFAULT FALSE,
	diagnostics    JSONB       NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_summaries (
	generation_id  TEXT    NOT NULL REFERENCES pnl_generations(id) ON DELETE CASCADE,
	policy         TEXT    NOT NULL,
	wallet         TEXT    NOT NULL,
	realized_pnl   NUMERIC NOT NULL,
	unrealized_pnl NUMERIC NOT NULL,
	total_pnl      NUMERIC NOT NULL,
	doc            JSONB   NOT NULL,
	PRIMARY KEY (generation_id, policy, wallet)
);

CREATE TABLE IF NOT EXISTS position_details (
	generation_id TEXT  NOT NULL REFERENCES pnl_generations(id) ON DELETE CASCADE,
	policy        TEXT  NOT NULL,
	wallet        TEXT  NOT NULL,
	market_id     TEXT  NOT NULL,
	seq           INT   NOT NULL,
	doc           JSONB NOT NULL,
	PRIMARY KEY (generation_id, policy, wallet, seq)
);

CREATE TABLE IF NOT EXISTS current_generation (
	singleton     BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	generation_id TEXT NOT NULL REFERENCES pnl_generations(id),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool   *pgxpool.Pool
	retain int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, retain: DefaultRetain}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(
			`INSERT INTO trades (trade_id, source, wallet, market_id, condition_id, outcome_index, side,
			                     price, quantity, usd_value, fee, tx_hash, log_index, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
			t.TradeID, t.Source, t.Wallet, t.MarketID, t.ConditionIDRaw, t.OutcomeIndex, string(t.Side),
			t.Price.String(), t.Quantity.String(), t.USDValue.String(), t.Fee.String(),
			t.TxHash, t.LogIndex, t.Timestamp,
		)
	}
	return s.sendBatch(ctx, batch, "insert trades")
}

func (s *PostgresStore) InsertResolutions(ctx context.Context, resolutions []model.MarketResolution) error {
	batch := &pgx.Batch{}
	for _, r := range resolutions {
		batch.Queue(
			`INSERT INTO resolutions (condition_id, source, payout_numerators, payout_denominator,
			                          winning_index, outcome_count, resolved_at)
			 VALUES ($1, $2, $3::NUMERIC[], $4::NUMERIC, $5, $6, $7)`,
			r.ConditionIDRaw, r.Source, decimalStrings(r.PayoutNumerators), r.PayoutDenominator.String(),
			r.WinningIndex, r.OutcomeCount, r.ResolvedAt,
		)
	}
	return s.sendBatch(ctx, batch, "insert resolutions")
}

func (s *PostgresStore) InsertQuotes(ctx context.Context, quotes []model.PriceQuote) error {
	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(
			`INSERT INTO price_quotes (condition_id, outcome_index, price, source, observed_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
			q.ConditionIDRaw, q.OutcomeIndex, q.Price.String(), q.Source, q.ObservedAt,
		)
	}
	return s.sendBatch(ctx, batch, "insert quotes")
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LoadSnapshot reads all inputs inside one repeatable-read transaction so the
// three tables describe the same instant.
func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := &model.Snapshot{}
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&snap.LoadedAt); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT trade_id, source, wallet, market_id, condition_id, outcome_index, side,
		        price::TEXT, quantity::TEXT, usd_value::TEXT, fee::TEXT,
		        tx_hash, log_index, timestamp
		 FROM trades ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	snap.Trades, err = scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT condition_id, source, payout_numerators::TEXT[], payout_denominator::TEXT,
		        winning_index, outcome_count, resolved_at
		 FROM resolutions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load resolutions: %w", err)
	}
	snap.Resolutions, err = scanResolutions(rows)
	if err != nil {
		return nil, fmt.Errorf("load resolutions: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT condition_id, outcome_index, price::TEXT, source, observed_at
		 FROM price_quotes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load quotes: %w", err)
	}
	snap.Quotes, err = scanQuotes(rows)
	if err != nil {
		return nil, fmt.Errorf("load quotes: %w", err)
	}

	return snap, tx.Commit(ctx)
}

// PublishGeneration writes the generation rows and moves the current pointer
// in one transaction, then prunes generations beyond the retention window.
func (s *PostgresStore) PublishGeneration(ctx context.Context, g *model.Generation) error {
	diag, err := json.Marshal(g.Diagnostics)
	if err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO pnl_generations (id, number, built_at, default_policy, low_confidence, diagnostics)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.Number, g.BuiltAt, string(g.DefaultPolicy), g.Diagnostics.LowConfidence, diag,
	)
	for policy, wallets := range g.Summaries {
		for wallet, sum := range wallets {
			doc, err := json.Marshal(sum)
			if err != nil {
				return fmt.Errorf("publish %s: %w", g.ID, err)
			}
			batch.Queue(
				`INSERT INTO wallet_summaries (generation_id, policy, wallet, realized_pnl, unrealized_pnl, total_pnl, doc)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
				g.ID, string(policy), wallet,
				sum.RealizedPnL.String(), sum.UnrealizedPnL.String(), sum.TotalPnL.String(), doc,
			)
		}
	}
	for policy, wallets := range g.Positions {
		for wallet, details := range wallets {
			for i, pd := range details {
				doc, err := json.Marshal(pd)
				if err != nil {
					return fmt.Errorf("publish %s: %w", g.ID, err)
				}
				batch.Queue(
					`INSERT INTO position_details (generation_id, policy, wallet, market_id, seq, doc)
					 VALUES ($1, $2, $3, $4, $5, $6)`,
					g.ID, string(policy), wallet, pd.MarketID, i, doc,
				)
			}
		}
	}
	batch.Queue(
		`INSERT INTO current_generation (singleton, generation_id, updated_at)
		 VALUES (TRUE, $1, now())
		 ON CONFLICT (singleton) DO UPDATE SET generation_id = EXCLUDED.generation_id, updated_at = EXCLUDED.updated_at`,
		g.ID,
	)
	batch.Queue(`DELETE FROM pnl_generations WHERE number <= $1`, g.Number-int64(s.retain))

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", g.ID, err)
	}
	return nil
}

func (s *PostgresStore) CurrentGeneration(ctx context.Context) (*model.Generation, error) {
	var g model.Generation
	var policy string
	var diag []byte

	err := s.pool.QueryRow(ctx,
		`SELECT g.id, g.number, g.built_at, g.default_policy, g.diagnostics
		 FROM current_generation c JOIN pnl_generations g ON g.id = c.generation_id`).
		Scan(&g.ID, &g.Number, &g.BuiltAt, &policy, &diag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoGeneration
	}
	if err != nil {
		return nil, fmt.Errorf("current generation: %w", err)
	}

	g.DefaultPolicy = model.Policy(policy)
	if err := json.Unmarshal(diag, &g.Diagnostics); err != nil {
		return nil, fmt.Errorf("current generation %s diagnostics: %w", g.ID, err)
	}
	return &g, nil
}

func (s *PostgresStore) GetSummary(ctx context.Context, generationID string, policy model.Policy, wallet string) (*model.WalletPnLSummary, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM wallet_summaries
		 WHERE generation_id = $1 AND policy = $2 AND wallet = $3`,
		generationID, string(policy), wallet).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet %s in generation %s", ErrNotFound, wallet, generationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", wallet, err)
	}

	var sum model.WalletPnLSummary
	if err := json.Unmarshal(doc, &sum); err != nil {
		return nil, fmt.Errorf("get summary %s: %w", wallet, err)
	}
	return &sum, nil
}

func (s *PostgresStore) GetPositions(ctx context.Context, generationID string, policy model.Policy, wallet, marketID string) ([]model.PositionDetail, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, doc FROM position_details
		 WHERE generation_id = $1 AND policy = $2 AND wallet = $3
		 ORDER BY seq`,
		generationID, string(policy), wallet)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", wallet, err)
	}
	defer rows.Close()

	found := false
	details := []model.PositionDetail{}
	for rows.Next() {
		var market string
		var doc []byte
		if err := rows.Scan(&market, &doc); err != nil {
			return nil, err
		}
		found = true
		if marketID != "" && market != marketID {
			continue
		}
		var pd model.PositionDetail
		if err := json.Unmarshal(doc, &pd); err != nil {
			return nil, fmt.Errorf("get positions %s: %w", wallet, err)
		}
		details = append(details, pd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: wallet %s in generation %s", ErrNotFound, wallet, generationID)
	}
	return details, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	defer rows.Close()
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, priceS, qtyS, usdS, feeS string

		if err := rows.Scan(&t.TradeID, &t.Source, &t.Wallet, &t.MarketID, &t.ConditionIDRaw,
			&t.OutcomeIndex, &side, &priceS, &qtyS, &usdS, &feeS,
			&t.TxHash, &t.LogIndex, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.USDValue, _ = decimal.NewFromString(usdS)
		t.Fee, _ = decimal.NewFromString(feeS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanResolutions(rows pgxRows) ([]model.MarketResolution, error) {
	defer rows.Close()
	var out []model.MarketResolution
	for rows.Next() {
		var r model.MarketResolution
		var nums []string
		var denS string

		if err := rows.Scan(&r.ConditionIDRaw, &r.Source, &nums, &denS,
			&r.WinningIndex, &r.OutcomeCount, &r.ResolvedAt); err != nil {
			return nil, err
		}

		r.PayoutNumerators = parseDecimals(nums)
		r.PayoutDenominator, _ = decimal.NewFromString(denS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanQuotes(rows pgxRows) ([]model.PriceQuote, error) {
	defer rows.Close()
	var out []model.PriceQuote
	for rows.Next() {
		var q model.PriceQuote
		var priceS string

		if err := rows.Scan(&q.ConditionIDRaw, &q.OutcomeIndex, &priceS, &q.Source, &q.ObservedAt); err != nil {
			return nil, err
		}

		q.Price, _ = decimal.NewFromString(priceS)
		out = append(out, q)
	}
	return out, rows.Err()
}

func decimalStrings(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func parseDecimals(ss []string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i], _ = decimal.NewFromString(s)
	}
	return out
}
