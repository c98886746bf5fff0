package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for the companion service.
type Config struct {
	ServerName string `yaml:"server_name"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	RulesPath  string `yaml:"rules_path"`

	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Curation   CurationConfig   `yaml:"curation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// RetrievalConfig tunes the relevance blend used by recall.
type RetrievalConfig struct {
	SimilarityWeight     float64 `yaml:"similarity_weight"`
	RecencyWeight        float64 `yaml:"recency_weight"`
	RecencyHalfLifeHours float64 `yaml:"recency_half_life_hours"`
	RecencyWindowHours   int     `yaml:"recency_window_hours"`
	RecencyLimit         int     `yaml:"recency_limit"`
	HighImportanceCutoff float64 `yaml:"high_importance_cutoff"`
	DefaultThreshold     float64 `yaml:"default_threshold"`
	DefaultLimit         int     `yaml:"default_limit"`
	CandidateMultiplier  int     `yaml:"candidate_multiplier"`
	ReadAttempts         int     `yaml:"read_attempts"`
	MaxContextPackItems  int     `yaml:"max_context_pack_items"`
}

// CurationConfig tunes which candidates become memories.
type CurationConfig struct {
	MinImportance       float64 `yaml:"min_importance"`
	DedupWindowHours    int     `yaml:"dedup_window_hours"`
	DedupScanLimit      int     `yaml:"dedup_scan_limit"`
	TextSimilarity      float64 `yaml:"text_similarity"`
	EmbeddingSimilarity float64 `yaml:"embedding_similarity"`
}

// SchedulerConfig controls the proactive trigger loop.
type SchedulerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	IntervalSeconds    int    `yaml:"interval_seconds"`
	TickTimeoutSeconds int    `yaml:"tick_timeout_seconds"`
	RecentStatusLimit  int    `yaml:"recent_status_limit"`
	Target             string `yaml:"target"`
}

// EmbeddingsConfig selects the embedding producer.
type EmbeddingsConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	CacheEntries   int64  `yaml:"cache_entries"`
}

// LLMConfig configures the candidate extractor and message generator.
type LLMConfig struct {
	APIKeyEnv      string `yaml:"api_key_env"`
	ExtractModel   string `yaml:"extract_model"`
	MessageModel   string `yaml:"message_model"`
	MaxTokens      int64  `yaml:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NotifyConfig configures outbound notification delivery.
type NotifyConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName: "companion",
		DBPath:     filepath.Join(userHomeDir(), ".companion", "companion.db"),
		LogLevel:   "info",
		Retrieval: RetrievalConfig{
			SimilarityWeight:     0.7,
			RecencyWeight:        0.3,
			RecencyHalfLifeHours: 72,
			RecencyWindowHours:   72,
			RecencyLimit:         5,
			HighImportanceCutoff: 0.8,
			DefaultThreshold:     0.6,
			DefaultLimit:         5,
			CandidateMultiplier:  3,
			ReadAttempts:         3,
			MaxContextPackItems:  8,
		},
		Curation: CurationConfig{
			MinImportance:       0.3,
			DedupWindowHours:    72,
			DedupScanLimit:      50,
			TextSimilarity:      0.9,
			EmbeddingSimilarity: 0.95,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			IntervalSeconds:    300,
			TickTimeoutSeconds: 240,
			RecentStatusLimit:  5,
			Target:             "default",
		},
		Embeddings: EmbeddingsConfig{
			Provider:       "hash",
			BaseURL:        "http://localhost:11434",
			Model:          "nomic-embed-text",
			Dimensions:     768,
			TimeoutSeconds: 30,
			CacheEntries:   4096,
		},
		LLM: LLMConfig{
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			ExtractModel:   "claude-3-5-haiku-latest",
			MessageModel:   "claude-3-5-haiku-latest",
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Notify: NotifyConfig{
			ListenAddr: "",
			Path:       "/ws",
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}

	r := c.Retrieval
	if r.SimilarityWeight < 0 || r.RecencyWeight < 0 || r.SimilarityWeight+r.RecencyWeight <= 0 {
		return errors.New("retrieval weights must be >= 0 and not both zero")
	}
	if r.RecencyHalfLifeHours <= 0 {
		return errors.New("retrieval.recency_half_life_hours must be > 0")
	}
	if r.RecencyWindowHours <= 0 || r.RecencyLimit < 0 {
		return errors.New("retrieval.recency_window_hours must be > 0 and recency_limit >= 0")
	}
	if r.HighImportanceCutoff < 0 || r.HighImportanceCutoff > 1 {
		return errors.New("retrieval.high_importance_cutoff must be within [0,1]")
	}
	if r.DefaultThreshold < -1 || r.DefaultThreshold > 1 {
		return errors.New("retrieval.default_threshold must be within [-1,1]")
	}
	if r.DefaultLimit <= 0 || r.CandidateMultiplier <= 0 || r.ReadAttempts <= 0 || r.MaxContextPackItems <= 0 {
		return errors.New("retrieval limits must be > 0")
	}

	cu := c.Curation
	if cu.MinImportance < 0 || cu.MinImportance > 1 {
		return errors.New("curation.min_importance must be within [0,1]")
	}
	if cu.DedupWindowHours <= 0 || cu.DedupScanLimit <= 0 {
		return errors.New("curation dedup window and scan limit must be > 0")
	}
	if cu.TextSimilarity <= 0 || cu.TextSimilarity > 1 || cu.EmbeddingSimilarity <= 0 || cu.EmbeddingSimilarity > 1 {
		return errors.New("curation similarity thresholds must be within (0,1]")
	}

	s := c.Scheduler
	if s.IntervalSeconds <= 0 {
		return errors.New("scheduler.interval_seconds must be > 0")
	}
	if s.TickTimeoutSeconds <= 0 || s.TickTimeoutSeconds >= s.IntervalSeconds {
		return errors.New("scheduler.tick_timeout_seconds must be > 0 and < interval_seconds")
	}
	if s.RecentStatusLimit <= 0 {
		return errors.New("scheduler.recent_status_limit must be > 0")
	}

	switch c.Embeddings.Provider {
	case "hash", "ollama":
	default:
		return fmt.Errorf("embeddings.provider %q must be hash or ollama", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions <= 0 {
		return errors.New("embeddings.dimensions must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return errors.New("llm.max_tokens must be > 0")
	}
	if c.Notify.ListenAddr != "" && !strings.HasPrefix(c.Notify.Path, "/") {
		return errors.New("notify.path must start with /")
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	c.RulesPath = ExpandPath(c.RulesPath)
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// Interval is the scheduler period.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// TickTimeout bounds one evaluation pass.
func (s SchedulerConfig) TickTimeout() time.Duration {
	return time.Duration(s.TickTimeoutSeconds) * time.Second
}

// HalfLife is the recency decay half-life.
func (r RetrievalConfig) HalfLife() time.Duration {
	return time.Duration(r.RecencyHalfLifeHours * float64(time.Hour))
}

// RecencyWindow bounds the recency candidate path.
func (r RetrievalConfig) RecencyWindow() time.Duration {
	return time.Duration(r.RecencyWindowHours) * time.Hour
}

// DedupWindow bounds how far back near-duplicates are searched.
func (c CurationConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowHours) * time.Hour
}

// APIKey reads the LLM API key from the configured environment variable.
func (l LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(l.APIKeyEnv))
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
