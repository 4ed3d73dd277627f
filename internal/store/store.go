// Package store provides SQLite persistence for links, opportunities,
// platform-pair statistics, attribution records, and correlation rules.
//
// The engine never depends on durability for correctness: every consumer
// treats a store failure as log-and-continue. The schema is created on Open,
// so a fresh database file is all a deployment needs. Timestamps are stored
// as unix milliseconds to keep comparisons and range scans trivial.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"predarb/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS market_links (
	id          TEXT PRIMARY KEY,
	market_a    TEXT NOT NULL,
	market_b    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	source      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	metadata    TEXT,
	UNIQUE(market_a, market_b)
);
CREATE INDEX IF NOT EXISTS idx_market_links_a ON market_links(market_a);
CREATE INDEX IF NOT EXISTS idx_market_links_b ON market_links(market_b);

CREATE TABLE IF NOT EXISTS opportunities (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	markets_json     TEXT NOT NULL,
	edge_pct         REAL NOT NULL,
	profit_per_100   REAL NOT NULL,
	score            REAL NOT NULL,
	confidence       REAL NOT NULL,
	total_liquidity  REAL NOT NULL,
	status           TEXT NOT NULL,
	discovered_at    INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	taken            INTEGER NOT NULL DEFAULT 0,
	fill_prices_json TEXT,
	realized_pnl     REAL,
	closed_at        INTEGER,
	notes            TEXT
);
CREATE INDEX IF NOT EXISTS idx_opportunities_type ON opportunities(type);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_discovered ON opportunities(discovered_at);

CREATE TABLE IF NOT EXISTS platform_pair_stats (
	platform_a          TEXT NOT NULL,
	platform_b          TEXT NOT NULL,
	total_opportunities INTEGER NOT NULL DEFAULT 0,
	taken               INTEGER NOT NULL DEFAULT 0,
	wins                INTEGER NOT NULL DEFAULT 0,
	total_profit        REAL NOT NULL DEFAULT 0,
	avg_edge            REAL NOT NULL DEFAULT 0,
	last_updated        INTEGER NOT NULL,
	PRIMARY KEY (platform_a, platform_b)
);

CREATE TABLE IF NOT EXISTS opportunity_attribution (
	opportunity_id    TEXT PRIMARY KEY,
	edge_source       TEXT NOT NULL,
	discovered_at     INTEGER NOT NULL,
	executed_at       INTEGER,
	closed_at         INTEGER,
	expected_slippage REAL,
	actual_slippage   REAL,
	fill_rate         REAL,
	execution_time_ms INTEGER
);

CREATE TABLE IF NOT EXISTS correlation_rules (
	id          TEXT PRIMARY KEY,
	pattern_a   TEXT NOT NULL,
	pattern_b   TEXT NOT NULL,
	type        TEXT NOT NULL,
	correlation REAL NOT NULL,
	description TEXT,
	created_at  INTEGER NOT NULL
);
`

// DB is the SQLite-backed store shared by the linker and analytics layers.
type DB struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if path == ":memory:" {
		// A pooled second connection would see an empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *DB) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Market links
// ————————————————————————————————————————————————————————————————————————

type linkRow struct {
	ID         string         `db:"id"`
	MarketA    string         `db:"market_a"`
	MarketB    string         `db:"market_b"`
	Confidence float64        `db:"confidence"`
	Source     string         `db:"source"`
	CreatedAt  int64          `db:"created_at"`
	Metadata   sql.NullString `db:"metadata"`
}

// SaveLink upserts a link row keyed by its id.
func (s *DB) SaveLink(ctx context.Context, link types.Link) error {
	var meta any
	if len(link.Metadata) > 0 {
		raw, err := json.Marshal(link.Metadata)
		if err != nil {
			return fmt.Errorf("marshal link metadata: %w", err)
		}
		meta = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_links (id, market_a, market_b, confidence, source, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = excluded.confidence,
			source     = excluded.source,
			metadata   = excluded.metadata`,
		link.ID, string(link.MarketA), string(link.MarketB),
		link.Confidence, string(link.Source), link.CreatedAt.UnixMilli(), meta)
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

// DeleteLink removes a link by id. Deleting an absent link is not an error.
func (s *DB) DeleteLink(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM market_links WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// UpdateLinkConfidence adjusts a stored link's confidence.
func (s *DB) UpdateLinkConfidence(ctx context.Context, id string, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE market_links SET confidence = ? WHERE id = ?`, confidence, id)
	if err != nil {
		return fmt.Errorf("update link confidence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadLinks returns every stored link, oldest first.
func (s *DB) LoadLinks(ctx context.Context) ([]types.Link, error) {
	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM market_links ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}

	links := make([]types.Link, 0, len(rows))
	for _, r := range rows {
		link := types.Link{
			ID:         r.ID,
			MarketA:    types.MarketKey(r.MarketA),
			MarketB:    types.MarketKey(r.MarketB),
			Confidence: r.Confidence,
			Source:     types.LinkSource(r.Source),
			CreatedAt:  time.UnixMilli(r.CreatedAt),
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			if err := json.Unmarshal([]byte(r.Metadata.String), &link.Metadata); err != nil {
				// Malformed metadata doesn't invalidate the edge itself.
				link.Metadata = nil
			}
		}
		links = append(links, link)
	}
	return links, nil
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

type opportunityRow struct {
	ID             string          `db:"id"`
	Type           string          `db:"type"`
	MarketsJSON    string          `db:"markets_json"`
	EdgePct        float64         `db:"edge_pct"`
	ProfitPer100   float64         `db:"profit_per_100"`
	Score          float64         `db:"score"`
	Confidence     float64         `db:"confidence"`
	TotalLiquidity float64         `db:"total_liquidity"`
	Status         string          `db:"status"`
	DiscoveredAt   int64           `db:"discovered_at"`
	ExpiresAt      int64           `db:"expires_at"`
	Taken          bool            `db:"taken"`
	FillPricesJSON sql.NullString  `db:"fill_prices_json"`
	RealizedPnL    sql.NullFloat64 `db:"realized_pnl"`
	ClosedAt       sql.NullInt64   `db:"closed_at"`
	Notes          sql.NullString  `db:"notes"`
}

// SaveOpportunity upserts the full opportunity record.
func (s *DB) SaveOpportunity(ctx context.Context, opp types.Opportunity) error {
	legs, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}

	var (
		taken      bool
		fillPrices any
		realized   any
		closedAt   any
		notes      any
	)
	if opp.Outcome != nil {
		taken = opp.Outcome.Taken
		realized = opp.Outcome.RealizedPnL
		if opp.Outcome.Notes != "" {
			notes = opp.Outcome.Notes
		}
		if !opp.Outcome.ClosedAt.IsZero() {
			closedAt = opp.Outcome.ClosedAt.UnixMilli()
		}
		if len(opp.Outcome.FillPrices) > 0 {
			raw, err := json.Marshal(opp.Outcome.FillPrices)
			if err != nil {
				return fmt.Errorf("marshal fill prices: %w", err)
			}
			fillPrices = string(raw)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (
			id, type, markets_json, edge_pct, profit_per_100, score, confidence,
			total_liquidity, status, discovered_at, expires_at,
			taken, fill_prices_json, realized_pnl, closed_at, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status           = excluded.status,
			taken            = excluded.taken,
			fill_prices_json = excluded.fill_prices_json,
			realized_pnl     = excluded.realized_pnl,
			closed_at        = excluded.closed_at,
			notes            = excluded.notes`,
		opp.ID, string(opp.Type), string(legs), opp.EdgePct, opp.ProfitPer100,
		opp.Score, opp.Confidence, opp.TotalLiquidity, string(opp.Status),
		opp.DiscoveredAt.UnixMilli(), opp.ExpiresAt.UnixMilli(),
		taken, fillPrices, realized, closedAt, notes)
	if err != nil {
		return fmt.Errorf("save opportunity: %w", err)
	}
	return nil
}

// GetOpportunity loads one opportunity by id.
func (s *DB) GetOpportunity(ctx context.Context, id string) (types.Opportunity, error) {
	var row opportunityRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM opportunities WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Opportunity{}, ErrNotFound
	}
	if err != nil {
		return types.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	return row.toOpportunity()
}

// OpportunityFilter narrows QueryOpportunities. Zero values mean "any".
type OpportunityFilter struct {
	Type   types.OpportunityType
	Status types.OpportunityStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

// QueryOpportunities returns stored opportunities matching the filter,
// newest first.
func (s *DB) QueryOpportunities(ctx context.Context, f OpportunityFilter) ([]types.Opportunity, error) {
	query := `SELECT * FROM opportunities WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += ` AND discovered_at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		query += ` AND discovered_at < ?`
		args = append(args, f.Until.UnixMilli())
	}
	query += ` ORDER BY discovered_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []opportunityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}

	opps := make([]types.Opportunity, 0, len(rows))
	for _, r := range rows {
		opp, err := r.toOpportunity()
		if err != nil {
			continue // a malformed row must not break the whole query
		}
		opps = append(opps, opp)
	}
	return opps, nil
}

// DeleteOpportunitiesBefore removes records discovered before the cutoff.
func (s *DB) DeleteOpportunitiesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM opportunities WHERE discovered_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete opportunities: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r opportunityRow) toOpportunity() (types.Opportunity, error) {
	var legs []types.Leg
	if err := json.Unmarshal([]byte(r.MarketsJSON), &legs); err != nil {
		return types.Opportunity{}, fmt.Errorf("unmarshal legs: %w", err)
	}

	opp := types.Opportunity{
		ID:             r.ID,
		Type:           types.OpportunityType(r.Type),
		Legs:           legs,
		EdgePct:        r.EdgePct,
		ProfitPer100:   r.ProfitPer100,
		Score:          r.Score,
		Confidence:     r.Confidence,
		TotalLiquidity: r.TotalLiquidity,
		Status:         types.OpportunityStatus(r.Status),
		DiscoveredAt:   time.UnixMilli(r.DiscoveredAt),
		ExpiresAt:      time.UnixMilli(r.ExpiresAt),
	}

	if r.Taken || r.RealizedPnL.Valid || r.ClosedAt.Valid || r.FillPricesJSON.Valid || r.Notes.Valid {
		outcome := &types.OpportunityOutcome{
			Taken:       r.Taken,
			RealizedPnL: r.RealizedPnL.Float64,
			Notes:       r.Notes.String,
		}
		if r.ClosedAt.Valid {
			outcome.ClosedAt = time.UnixMilli(r.ClosedAt.Int64)
		}
		if r.FillPricesJSON.Valid && r.FillPricesJSON.String != "" {
			_ = json.Unmarshal([]byte(r.FillPricesJSON.String), &outcome.FillPrices)
		}
		opp.Outcome = outcome
	}
	return opp, nil
}

// ————————————————————————————————————————————————————————————————————————
// Platform pair statistics
// ————————————————————————————————————————————————————————————————————————

// PairStats is the durable per-venue-pair performance record.
type PairStats struct {
	PlatformA          string  `db:"platform_a"`
	PlatformB          string  `db:"platform_b"`
	TotalOpportunities int64   `db:"total_opportunities"`
	Taken              int64   `db:"taken"`
	Wins               int64   `db:"wins"`
	TotalProfit        float64 `db:"total_profit"`
	AvgEdge            float64 `db:"avg_edge"`
	LastUpdatedMillis  int64   `db:"last_updated"`
}

// LastUpdated converts the stored timestamp.
func (p PairStats) LastUpdated() time.Time {
	return time.UnixMilli(p.LastUpdatedMillis)
}

// PairDelta is one atomic increment applied to a venue pair's statistics.
type PairDelta struct {
	Opportunities int
	Taken         int
	Wins          int
	Profit        float64
	Edge          float64 // folded into the running average when Opportunities > 0
}

// BumpPairStats applies a delta to the (a, b) pair in a single statement,
// creating the row on first touch. Venue order is normalized so (a,b) and
// (b,a) share one row.
func (s *DB) BumpPairStats(ctx context.Context, a, b string, d PairDelta) error {
	if b < a {
		a, b = b, a
	}
	now := time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_pair_stats (
			platform_a, platform_b, total_opportunities, taken, wins,
			total_profit, avg_edge, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_a, platform_b) DO UPDATE SET
			avg_edge = CASE
				WHEN excluded.total_opportunities > 0 THEN
					(platform_pair_stats.avg_edge * platform_pair_stats.total_opportunities
						+ excluded.avg_edge * excluded.total_opportunities)
					/ (platform_pair_stats.total_opportunities + excluded.total_opportunities)
				ELSE platform_pair_stats.avg_edge
			END,
			total_opportunities = platform_pair_stats.total_opportunities + excluded.total_opportunities,
			taken               = platform_pair_stats.taken + excluded.taken,
			wins                = platform_pair_stats.wins + excluded.wins,
			total_profit        = platform_pair_stats.total_profit + excluded.total_profit,
			last_updated        = excluded.last_updated`,
		a, b, d.Opportunities, d.Taken, d.Wins, d.Profit, d.Edge, now)
	if err != nil {
		return fmt.Errorf("bump pair stats: %w", err)
	}
	return nil
}

// GetPlatformPairs returns all pair statistics, most opportunities first.
func (s *DB) GetPlatformPairs(ctx context.Context) ([]PairStats, error) {
	var rows []PairStats
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM platform_pair_stats
		ORDER BY total_opportunities DESC, platform_a, platform_b`); err != nil {
		return nil, fmt.Errorf("get platform pairs: %w", err)
	}
	return rows, nil
}

// ————————————————————————————————————————————————————————————————————————
// Attribution
// ————————————————————————————————————————————————————————————————————————

// Attribution tracks per-opportunity execution quality: where the edge came
// from and how much of it survived execution.
type Attribution struct {
	OpportunityID    string
	EdgeSource       string
	DiscoveredAt     time.Time
	ExecutedAt       *time.Time
	ClosedAt         *time.Time
	ExpectedSlippage float64
	ActualSlippage   float64
	FillRate         float64
	ExecutionTimeMS  int64
}

type attributionRow struct {
	OpportunityID    string          `db:"opportunity_id"`
	EdgeSource       string          `db:"edge_source"`
	DiscoveredAt     int64           `db:"discovered_at"`
	ExecutedAt       sql.NullInt64   `db:"executed_at"`
	ClosedAt         sql.NullInt64   `db:"closed_at"`
	ExpectedSlippage sql.NullFloat64 `db:"expected_slippage"`
	ActualSlippage   sql.NullFloat64 `db:"actual_slippage"`
	FillRate         sql.NullFloat64 `db:"fill_rate"`
	ExecutionTimeMS  sql.NullInt64   `db:"execution_time_ms"`
}

// SaveAttribution upserts an attribution record.
func (s *DB) SaveAttribution(ctx context.Context, a Attribution) error {
	// Zero-valued fields bind as NULL so a later partial write (say, the
	// close stamp) keeps what the execution stamp recorded.
	var executedAt, closedAt, actualSlip, fillRate, execMS any
	if a.ExecutedAt != nil {
		executedAt = a.ExecutedAt.UnixMilli()
	}
	if a.ClosedAt != nil {
		closedAt = a.ClosedAt.UnixMilli()
	}
	if a.ActualSlippage != 0 {
		actualSlip = a.ActualSlippage
	}
	if a.FillRate != 0 {
		fillRate = a.FillRate
	}
	if a.ExecutionTimeMS != 0 {
		execMS = a.ExecutionTimeMS
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunity_attribution (
			opportunity_id, edge_source, discovered_at, executed_at, closed_at,
			expected_slippage, actual_slippage, fill_rate, execution_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(opportunity_id) DO UPDATE SET
			executed_at       = COALESCE(excluded.executed_at, opportunity_attribution.executed_at),
			closed_at         = COALESCE(excluded.closed_at, opportunity_attribution.closed_at),
			actual_slippage   = COALESCE(excluded.actual_slippage, opportunity_attribution.actual_slippage),
			fill_rate         = COALESCE(excluded.fill_rate, opportunity_attribution.fill_rate),
			execution_time_ms = COALESCE(excluded.execution_time_ms, opportunity_attribution.execution_time_ms)`,
		a.OpportunityID, a.EdgeSource, a.DiscoveredAt.UnixMilli(),
		executedAt, closedAt, a.ExpectedSlippage, actualSlip,
		fillRate, execMS)
	if err != nil {
		return fmt.Errorf("save attribution: %w", err)
	}
	return nil
}

// LoadAttributions returns attribution records discovered at or after since.
func (s *DB) LoadAttributions(ctx context.Context, since time.Time) ([]Attribution, error) {
	var rows []attributionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM opportunity_attribution
		WHERE discovered_at >= ? ORDER BY discovered_at, opportunity_id`, since.UnixMilli()); err != nil {
		return nil, fmt.Errorf("load attributions: %w", err)
	}

	out := make([]Attribution, 0, len(rows))
	for _, r := range rows {
		a := Attribution{
			OpportunityID:    r.OpportunityID,
			EdgeSource:       r.EdgeSource,
			DiscoveredAt:     time.UnixMilli(r.DiscoveredAt),
			ExpectedSlippage: r.ExpectedSlippage.Float64,
			ActualSlippage:   r.ActualSlippage.Float64,
			FillRate:         r.FillRate.Float64,
			ExecutionTimeMS:  r.ExecutionTimeMS.Int64,
		}
		if r.ExecutedAt.Valid {
			t := time.UnixMilli(r.ExecutedAt.Int64)
			a.ExecutedAt = &t
		}
		if r.ClosedAt.Valid {
			t := time.UnixMilli(r.ClosedAt.Int64)
			a.ClosedAt = &t
		}
		out = append(out, a)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Correlation rules
// ————————————————————————————————————————————————————————————————————————

// CorrelationRule is a persisted predicate describing how two market
// patterns move together; consumed by the risk modeler.
type CorrelationRule struct {
	ID              string  `db:"id"`
	PatternA        string  `db:"pattern_a"`
	PatternB        string  `db:"pattern_b"`
	Type            string  `db:"type"`
	Correlation     float64 `db:"correlation"`
	Description     string  `db:"description"`
	CreatedAtMillis int64   `db:"created_at"`
}

// CreatedAt converts the stored timestamp.
func (r CorrelationRule) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMillis)
}

// SaveCorrelationRule upserts a rule.
func (s *DB) SaveCorrelationRule(ctx context.Context, r CorrelationRule) error {
	createdAt := r.CreatedAtMillis
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlation_rules (id, pattern_a, pattern_b, type, correlation, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pattern_a   = excluded.pattern_a,
			pattern_b   = excluded.pattern_b,
			type        = excluded.type,
			correlation = excluded.correlation,
			description = excluded.description`,
		r.ID, r.PatternA, r.PatternB, r.Type, r.Correlation, r.Description, createdAt)
	if err != nil {
		return fmt.Errorf("save correlation rule: %w", err)
	}
	return nil
}

// LoadCorrelationRules returns all rules, oldest first.
func (s *DB) LoadCorrelationRules(ctx context.Context) ([]CorrelationRule, error) {
	var rows []CorrelationRule
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM correlation_rules ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("load correlation rules: %w", err)
	}
	return rows, nil
}
