// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"predarb/internal/breaker"
	"predarb/internal/embed"
	"predarb/internal/engine"
	"predarb/internal/feed/httpfeed"
	"predarb/internal/venue"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Venues     VenueConfig      `mapstructure:"venues"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Store      StoreConfig      `mapstructure:"store"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// EngineConfig enumerates every discovery and lifecycle option.
//
//   - MinEdgePct: fee-adjusted edge floor in percentage points.
//   - MinLiquidity: USD liquidity floor per opportunity.
//   - Venues: which venues to scan.
//   - Realtime: subscribe to live price updates on top of the scan loop.
//   - ScanInterval / OpportunityTTL: scan cadence and active lifetime.
//   - IncludeInternal/Cross/Edge: which discovery families run.
//   - Bankroll: sizing basis for the Kelly-derived recommended size.
type EngineConfig struct {
	MinEdgePct   float64  `mapstructure:"min_edge_pct"`
	MinLiquidity float64  `mapstructure:"min_liquidity"`
	Venues       []string `mapstructure:"venues"`

	Realtime       bool          `mapstructure:"realtime"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	OpportunityTTL time.Duration `mapstructure:"opportunity_ttl"`

	IncludeInternal bool `mapstructure:"include_internal"`
	IncludeCross    bool `mapstructure:"include_cross"`
	IncludeEdge     bool `mapstructure:"include_edge"`

	SearchQuery  string        `mapstructure:"search_query"`
	VenueTimeout time.Duration `mapstructure:"venue_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	Bankroll     float64       `mapstructure:"bankroll"`
}

// MatchingConfig selects how cross-venue market identity is established.
// Text matching (token overlap) is the always-available baseline; semantic
// matching additionally requires the embeddings service to be configured.
type MatchingConfig struct {
	Semantic            bool    `mapstructure:"semantic"`
	Text                bool    `mapstructure:"text"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// VenueConfig overrides entries of the built-in per-venue constant tables.
// Venues absent from a map keep their defaults.
type VenueConfig struct {
	Fees            map[string]float64 `mapstructure:"fees"`
	Reliabilities   map[string]float64 `mapstructure:"reliabilities"`
	SlippageFactors map[string]float64 `mapstructure:"slippage_factors"`
	PlatformRisks   map[string]float64 `mapstructure:"platform_risks"`
}

// BreakerConfig selects a circuit-breaker posture. Preset is one of
// "conservative", "moderate", "aggressive".
type BreakerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Preset  string `mapstructure:"preset"`
}

// StoreConfig sets where history, links, and pair statistics are persisted
// (SQLite). An empty path disables persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// FeedConfig points at the market-data backend: REST for search, WebSocket
// for live prices. APIKey comes from ARB_FEED_API_KEY in production.
type FeedConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	WSURL        string        `mapstructure:"ws_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SearchBurst  float64       `mapstructure:"search_burst"`
	SearchPerSec float64       `mapstructure:"search_per_sec"`
}

// EmbeddingsConfig points at the optional embeddings service backing
// semantic matching. An empty base URL leaves semantic matching on token
// overlap only.
type EmbeddingsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_FEED_API_KEY, ARB_EMBEDDINGS_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_FEED_API_KEY"); key != "" {
		cfg.Feed.APIKey = key
	}
	if key := os.Getenv("ARB_EMBEDDINGS_API_KEY"); key != "" {
		cfg.Embeddings.APIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.min_edge_pct", 2.0)
	v.SetDefault("engine.min_liquidity", 1000.0)
	v.SetDefault("engine.scan_interval", "30s")
	v.SetDefault("engine.opportunity_ttl", "5m")
	v.SetDefault("engine.include_internal", true)
	v.SetDefault("engine.include_cross", true)
	v.SetDefault("engine.venue_timeout", "15s")
	v.SetDefault("engine.stop_grace", "5s")
	v.SetDefault("engine.bankroll", 10_000.0)
	v.SetDefault("matching.text", true)
	v.SetDefault("matching.similarity_threshold", 0.82)
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.preset", "moderate")
	v.SetDefault("store.path", "data/arb.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges. The two fatal startup
// conditions are an empty venue set and cross-platform discovery with
// every matching method switched off.
func (c *Config) Validate() error {
	if len(c.Engine.Venues) == 0 {
		return fmt.Errorf("engine.venues must list at least one venue")
	}
	if c.Engine.IncludeCross && !c.Matching.Semantic && !c.Matching.Text {
		return fmt.Errorf("engine.include_cross requires matching.semantic or matching.text to be enabled")
	}
	if c.Engine.MinEdgePct < 0 {
		return fmt.Errorf("engine.min_edge_pct must be >= 0")
	}
	if c.Engine.MinLiquidity < 0 {
		return fmt.Errorf("engine.min_liquidity must be >= 0")
	}
	if c.Matching.SimilarityThreshold < 0 || c.Matching.SimilarityThreshold > 1 {
		return fmt.Errorf("matching.similarity_threshold must be in [0,1]")
	}
	if c.Matching.Semantic && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("matching.semantic requires embeddings.base_url")
	}
	switch c.Breaker.Preset {
	case "", "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("breaker.preset must be one of: conservative, moderate, aggressive")
	}
	if c.Engine.Realtime && c.Feed.WSURL == "" {
		return fmt.Errorf("engine.realtime requires feed.ws_url")
	}
	return nil
}

// ToEngine maps the file-level options onto the engine's option set.
func (c *Config) ToEngine() engine.Config {
	return engine.Config{
		MinEdgePct:          c.Engine.MinEdgePct,
		MinLiquidity:        c.Engine.MinLiquidity,
		Venues:              c.Engine.Venues,
		Realtime:            c.Engine.Realtime,
		ScanInterval:        c.Engine.ScanInterval,
		OpportunityTTL:      c.Engine.OpportunityTTL,
		SemanticMatching:    c.Matching.Semantic,
		DisableTextMatch:    !c.Matching.Text,
		SimilarityThreshold: c.Matching.SimilarityThreshold,
		IncludeInternal:     c.Engine.IncludeInternal,
		IncludeCross:        c.Engine.IncludeCross,
		IncludeEdge:         c.Engine.IncludeEdge,
		SearchQuery:         c.Engine.SearchQuery,
		VenueTimeout:        c.Engine.VenueTimeout,
		StopGrace:           c.Engine.StopGrace,
		Bankroll:            c.Engine.Bankroll,
		VenueTables:         c.VenueTables(),
	}
}

// VenueTables overlays configured per-venue overrides onto the built-in
// defaults.
func (c *Config) VenueTables() venue.Tables {
	t := venue.Defaults()
	for name, fee := range c.Venues.Fees {
		t.Fees[strings.ToLower(name)] = fee
	}
	for name, r := range c.Venues.Reliabilities {
		t.Reliabilities[strings.ToLower(name)] = r
	}
	for name, s := range c.Venues.SlippageFactors {
		t.SlippageFactors[strings.ToLower(name)] = s
	}
	for name, p := range c.Venues.PlatformRisks {
		t.PlatformRisks[strings.ToLower(name)] = p
	}
	return t
}

// ToBreaker resolves the configured preset. The zero preset means
// moderate.
func (c *Config) ToBreaker() breaker.Config {
	switch c.Breaker.Preset {
	case "conservative":
		return breaker.Conservative()
	case "aggressive":
		return breaker.Aggressive()
	default:
		return breaker.Moderate()
	}
}

// ToFeed maps the feed section onto the HTTP/WS adapter options.
func (c *Config) ToFeed() httpfeed.Config {
	return httpfeed.Config{
		BaseURL:      c.Feed.BaseURL,
		WSURL:        c.Feed.WSURL,
		APIKey:       c.Feed.APIKey,
		Timeout:      c.Feed.Timeout,
		SearchBurst:  c.Feed.SearchBurst,
		SearchPerSec: c.Feed.SearchPerSec,
	}
}

// ToEmbeddings maps the embeddings section onto the client options.
func (c *Config) ToEmbeddings() embed.Config {
	return embed.Config{
		BaseURL: c.Embeddings.BaseURL,
		APIKey:  c.Embeddings.APIKey,
		Model:   c.Embeddings.Model,
		Timeout: c.Embeddings.Timeout,
	}
}
