package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the grounding service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval"`
	Rerank       RerankConfig       `mapstructure:"rerank"`
	Verification VerificationConfig `mapstructure:"verification"`
	Feedback     FeedbackConfig     `mapstructure:"feedback"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig contains Postgres connection settings for the fact and
// chunk stores.
type StorageConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	// IndexPath is the on-disk keyword index location. Empty means an
	// in-memory index, which is rebuilt on restart.
	IndexPath string `mapstructure:"index_path"`
}

// DSN builds a Postgres connection string, preferring an explicit URL.
func (s StorageConfig) DSN() (string, error) {
	if s.URL != "" {
		return s.URL, nil
	}
	if s.Host == "" || s.DBName == "" {
		return "", fmt.Errorf("storage not configured (storage.host/dbname or storage.url)")
	}
	port := s.Port
	if port == "" {
		port = "5432"
	}
	ssl := s.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", s.User, s.Password, s.Host, port, s.DBName, ssl), nil
}

// RedisConfig contains settings for the feedback stream and decision cache.
type RedisConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	FeedbackStream string        `mapstructure:"feedback_stream"`
	CacheEnabled   bool          `mapstructure:"cache_enabled"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint used
// to vectorise queries for dense retrieval.
type EmbeddingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Dimensions int           `mapstructure:"dimensions"`
}

// FusionConfig holds the score-combination tunables. The blend and discount
// are empirical defaults, not invariants; the calibrator may adjust source
// weights at runtime within [0.1, 1.0].
type FusionConfig struct {
	DenseWeight          float64 `mapstructure:"dense_weight"`
	SparseWeight         float64 `mapstructure:"sparse_weight"`
	SingleSourceDiscount float64 `mapstructure:"single_source_discount"`
}

// ConfidenceConfig holds thresholds for the answer/refuse decision and tiers.
type ConfidenceConfig struct {
	RefuseBelow float64 `mapstructure:"refuse_below"`
	MediumTier  float64 `mapstructure:"medium_tier"`
	HighTier    float64 `mapstructure:"high_tier"`
	TopK        int     `mapstructure:"top_k"`
}

// PolicyConfig is the per-intent retrieval policy as written in config.
type PolicyConfig struct {
	StructuredLimit   int      `mapstructure:"structured_limit"`
	DenseLimit        int      `mapstructure:"dense_limit"`
	SparseLimit       int      `mapstructure:"sparse_limit"`
	FusionBudget      int      `mapstructure:"fusion_budget"`
	RerankTopN        int      `mapstructure:"rerank_top_n"`
	RequireSamePeriod bool     `mapstructure:"require_same_period"`
	RequireSameUnits  bool     `mapstructure:"require_same_units"`
	UseMultiHop       bool     `mapstructure:"use_multi_hop"`
	SectionBias       []string `mapstructure:"section_bias"`
}

// RetrievalConfig parameterises the retrieval pipeline.
type RetrievalConfig struct {
	SourceTimeout time.Duration           `mapstructure:"source_timeout"`
	Fusion        FusionConfig            `mapstructure:"fusion"`
	SourceWeights map[string]float64      `mapstructure:"source_weights"`
	Confidence    ConfidenceConfig        `mapstructure:"confidence"`
	Policies      map[string]PolicyConfig `mapstructure:"policies"`
	MultiHopCap   int                     `mapstructure:"multi_hop_cap"`

	// Entities maps canonical entity keys to the display names and
	// aliases that may appear in query text.
	Entities map[string][]string `mapstructure:"entities"`
}

// RerankConfig configures the pairwise relevance scorer client.
type RerankConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxTextRunes int           `mapstructure:"max_text_runes"`
}

// VerificationConfig configures post-generation claim checking.
type VerificationConfig struct {
	SupportThreshold float64 `mapstructure:"support_threshold"`
	NumericTolerance float64 `mapstructure:"numeric_tolerance"`
	RegenerateBelow  float64 `mapstructure:"regenerate_below"`
}

// FeedbackConfig configures the calibrator consumer.
type FeedbackConfig struct {
	Group         string  `mapstructure:"group"`
	Consumer      string  `mapstructure:"consumer"`
	BatchSize     int64   `mapstructure:"batch_size"`
	Schedule      string  `mapstructure:"schedule"`
	WeightStep    float64 `mapstructure:"weight_step"`
	WeightFloor   float64 `mapstructure:"weight_floor"`
	WeightCeiling float64 `mapstructure:"weight_ceiling"`
}

// TelemetryConfig contains observability settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// knownIntents is the closed set of intents a policy may be declared for.
var knownIntents = map[string]bool{
	"lookup":      true,
	"explanation": true,
	"comparison":  true,
	"risk":        true,
	"forecast":    true,
	"general":     true,
}

// knownSourceKinds mirrors retrieval.SourceKind values; kept as strings here
// so config stays a leaf package.
var knownSourceKinds = map[string]bool{
	"structured_fact":   true,
	"narrative":         true,
	"uploaded_document": true,
	"table":             true,
}

// Validate checks the retrieval section. An unknown intent key or a weight
// out of range is a startup failure so that policy mistakes can never
// surface at query time.
func (r RetrievalConfig) Validate() error {
	if r.Fusion.DenseWeight < 0 || r.Fusion.SparseWeight < 0 {
		return fmt.Errorf("retrieval.fusion weights must be >= 0")
	}
	if sum := r.Fusion.DenseWeight + r.Fusion.SparseWeight; sum <= 0 {
		return fmt.Errorf("retrieval.fusion weights must sum to > 0, got %f", sum)
	}
	if r.Fusion.SingleSourceDiscount <= 0 || r.Fusion.SingleSourceDiscount > 1 {
		return fmt.Errorf("retrieval.fusion.single_source_discount must be in (0,1], got %f", r.Fusion.SingleSourceDiscount)
	}
	for kind, w := range r.SourceWeights {
		if !knownSourceKinds[kind] {
			return fmt.Errorf("retrieval.source_weights: unknown source kind %q", kind)
		}
		if w <= 0 || w > 1 {
			return fmt.Errorf("retrieval.source_weights[%s] must be in (0,1], got %f", kind, w)
		}
	}
	if len(r.Policies) == 0 {
		return fmt.Errorf("retrieval.policies must not be empty")
	}
	if _, ok := r.Policies["general"]; !ok {
		return fmt.Errorf("retrieval.policies must define the \"general\" fallback policy")
	}
	for intent, p := range r.Policies {
		if !knownIntents[intent] {
			return fmt.Errorf("retrieval.policies: unknown intent %q", intent)
		}
		if p.FusionBudget <= 0 {
			return fmt.Errorf("retrieval.policies[%s].fusion_budget must be > 0", intent)
		}
		if p.RerankTopN <= 0 || p.RerankTopN > p.FusionBudget {
			return fmt.Errorf("retrieval.policies[%s].rerank_top_n must be in (0, fusion_budget]", intent)
		}
		if p.DenseLimit <= 0 || p.SparseLimit <= 0 {
			return fmt.Errorf("retrieval.policies[%s] dense/sparse limits must be > 0", intent)
		}
	}
	if r.Confidence.RefuseBelow < 0 || r.Confidence.RefuseBelow > 1 {
		return fmt.Errorf("retrieval.confidence.refuse_below must be in [0,1]")
	}
	if r.Confidence.MediumTier >= r.Confidence.HighTier {
		return fmt.Errorf("retrieval.confidence tiers must satisfy medium < high")
	}
	if r.MultiHopCap <= 0 {
		return fmt.Errorf("retrieval.multi_hop_cap must be > 0")
	}
	return nil
}

// Validate checks the feedback section.
func (f FeedbackConfig) Validate() error {
	if f.WeightStep <= 0 || f.WeightStep >= 0.5 {
		return fmt.Errorf("feedback.weight_step must be in (0, 0.5)")
	}
	if f.WeightFloor <= 0 || f.WeightCeiling > 1 || f.WeightFloor >= f.WeightCeiling {
		return fmt.Errorf("feedback weight bounds must satisfy 0 < floor < ceiling <= 1")
	}
	return nil
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Feedback.Validate(); err != nil {
		return err
	}
	if c.Verification.SupportThreshold <= 0 || c.Verification.SupportThreshold > 1 {
		return fmt.Errorf("verification.support_threshold must be in (0,1]")
	}
	return nil
}

// LoadConfig reads configuration from file and environment. A missing file
// is tolerated (defaults apply); an invalid configuration is not.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GROUNDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".grounder"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.feedback_stream", "grounder:feedback")
	v.SetDefault("redis.cache_enabled", false)
	v.SetDefault("redis.cache_ttl", 5*time.Minute)

	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.timeout", 15*time.Second)
	v.SetDefault("embedding.dimensions", 1536)

	v.SetDefault("retrieval.source_timeout", 10*time.Second)
	v.SetDefault("retrieval.multi_hop_cap", 5)
	v.SetDefault("retrieval.fusion.dense_weight", 0.6)
	v.SetDefault("retrieval.fusion.sparse_weight", 0.4)
	v.SetDefault("retrieval.fusion.single_source_discount", 0.85)
	v.SetDefault("retrieval.source_weights", map[string]float64{
		"structured_fact":   1.0,
		"narrative":         0.9,
		"uploaded_document": 0.7,
		"table":             0.95,
	})
	v.SetDefault("retrieval.confidence.refuse_below", 0.3)
	v.SetDefault("retrieval.confidence.medium_tier", 0.4)
	v.SetDefault("retrieval.confidence.high_tier", 0.7)
	v.SetDefault("retrieval.confidence.top_k", 5)
	v.SetDefault("retrieval.policies", defaultPolicyTable())

	v.SetDefault("rerank.enabled", true)
	v.SetDefault("rerank.timeout", 20*time.Second)
	v.SetDefault("rerank.batch_size", 16)
	v.SetDefault("rerank.max_text_runes", 2000)

	v.SetDefault("verification.support_threshold", 0.35)
	v.SetDefault("verification.numeric_tolerance", 0.01)
	v.SetDefault("verification.regenerate_below", 0.5)

	v.SetDefault("feedback.group", "calibrator")
	v.SetDefault("feedback.consumer", "calibrator-1")
	v.SetDefault("feedback.batch_size", 128)
	v.SetDefault("feedback.schedule", "*/15 * * * *")
	v.SetDefault("feedback.weight_step", 0.02)
	v.SetDefault("feedback.weight_floor", 0.1)
	v.SetDefault("feedback.weight_ceiling", 1.0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "grounder")
}

// defaultPolicyTable is the built-in per-intent policy table. Comparison
// queries enforce period/unit consistency and fan out into multiple hops;
// risk queries bias toward risk-disclosure sections.
func defaultPolicyTable() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"lookup": {
			"structured_limit": 10, "dense_limit": 12, "sparse_limit": 12,
			"fusion_budget": 16, "rerank_top_n": 6,
		},
		"explanation": {
			"structured_limit": 10, "dense_limit": 20, "sparse_limit": 20,
			"fusion_budget": 24, "rerank_top_n": 8,
		},
		"comparison": {
			"structured_limit": 20, "dense_limit": 16, "sparse_limit": 16,
			"fusion_budget": 24, "rerank_top_n": 8,
			"require_same_period": true, "require_same_units": true,
			"use_multi_hop": true,
		},
		"risk": {
			"structured_limit": 10, "dense_limit": 20, "sparse_limit": 20,
			"fusion_budget": 24, "rerank_top_n": 8,
			"section_bias": []string{"risk_factors", "legal_proceedings", "mdna"},
		},
		"forecast": {
			"structured_limit": 10, "dense_limit": 16, "sparse_limit": 16,
			"fusion_budget": 20, "rerank_top_n": 8,
			"section_bias": []string{"outlook", "guidance", "mdna"},
		},
		"general": {
			"structured_limit": 10, "dense_limit": 16, "sparse_limit": 16,
			"fusion_budget": 20, "rerank_top_n": 8,
		},
	}
}
