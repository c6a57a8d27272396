package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8080
	DefaultBufSize           = 256
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultStream            = "memory.events"
	DefaultMinLength         = 2
	DefaultMaxLength         = 2000
	DefaultHighConfidence    = 0.8
	DefaultSaveThreshold     = 0.7
	DefaultReviewThreshold   = 0.5
	DefaultContextWindow     = 5
	DefaultSemanticModel     = "gpt-4o-mini"
	DefaultSemanticTimeout   = "8s"
	DefaultSemanticMaxTokens = 300
	DefaultDedupTTL          = "720h"
	DefaultIdleTimeout       = "2m"
	DefaultPublishAttempts   = 5
	DefaultPublishBackoff    = "200ms"
	DefaultPublishMaxBackoff = "5s"
	DefaultSweepSchedule     = "0 */10 * * * *"
	DefaultReplaySchedule    = "0 */5 * * * *"
	DefaultLogLevel          = "info"
)

const (
	DedupBackendRedis  = "redis"
	DedupBackendMemory = "memory"
)

type Config struct {
	Env         string            `json:"env"`
	Log         LogConfig         `json:"log"`
	Telegram    TelegramConfig    `json:"telegram"`
	Redis       RedisConfig       `json:"redis"`
	Stream      StreamConfig      `json:"stream"`
	Filter      FilterConfig      `json:"filter"`
	Extraction  ExtractionConfig  `json:"extraction"`
	Semantic    SemanticConfig    `json:"semantic"`
	Budget      BudgetConfig      `json:"budget"`
	Dedup       DedupConfig       `json:"dedup"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	DeadLetter  DeadLetterConfig  `json:"deadLetter"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Gateway     GatewayConfig     `json:"gateway"`
}

type LogConfig struct {
	Level string `json:"level"`
}

type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	GroupIDs   []int64 `json:"groupIds"`
	Proxy      string  `json:"proxy,omitempty"`
	WebhookURL string  `json:"webhookUrl,omitempty"` // empty means long polling
}

type RedisConfig struct {
	URL string `json:"url"`
}

type StreamConfig struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

type FilterConfig struct {
	MinLength        int      `json:"minLength"`
	MaxLength        int      `json:"maxLength"`
	ShortTokens      []string `json:"shortTokens,omitempty"`
	CommandAllowlist []string `json:"commandAllowlist,omitempty"`
}

type ExtractionConfig struct {
	HighConfidence    float64 `json:"highConfidence"`
	SaveThreshold     float64 `json:"saveThreshold"`
	ReviewThreshold   float64 `json:"reviewThreshold"`
	ContextWindow     int     `json:"contextWindow"`
	FallbackToContext bool    `json:"fallbackToContext"`
	RulesFile         string  `json:"rulesFile,omitempty"`
}

type SemanticConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	Timeout   string `json:"timeout"`
}

type BudgetConfig struct {
	Daily float64 `json:"daily"` // USD, 0 = unlimited
}

type DedupConfig struct {
	Backend string `json:"backend"`
	TTL     string `json:"ttl"`
}

type PipelineConfig struct {
	IdleTimeout      string `json:"idleTimeout"`
	PublishAttempts  int    `json:"publishAttempts"`
	PublishBackoff   string `json:"publishBackoff"`
	PublishMaxWait   string `json:"publishMaxBackoff"`
	StrictInvariants bool   `json:"strictInvariants"`
}

type DeadLetterConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type MaintenanceConfig struct {
	SweepSchedule  string `json:"sweepSchedule"`
	ReplaySchedule string `json:"replaySchedule"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Env: "development",
		Log: LogConfig{Level: DefaultLogLevel},
		Telegram: TelegramConfig{
			Enabled: true,
		},
		Redis: RedisConfig{URL: DefaultRedisURL},
		Stream: StreamConfig{
			Name:       DefaultStream,
			Partitions: 1,
		},
		Filter: FilterConfig{
			MinLength: DefaultMinLength,
			MaxLength: DefaultMaxLength,
		},
		Extraction: ExtractionConfig{
			HighConfidence:    DefaultHighConfidence,
			SaveThreshold:     DefaultSaveThreshold,
			ReviewThreshold:   DefaultReviewThreshold,
			ContextWindow:     DefaultContextWindow,
			FallbackToContext: true,
		},
		Semantic: SemanticConfig{
			Model:     DefaultSemanticModel,
			MaxTokens: DefaultSemanticMaxTokens,
			Timeout:   DefaultSemanticTimeout,
		},
		Dedup: DedupConfig{
			Backend: DedupBackendRedis,
			TTL:     DefaultDedupTTL,
		},
		Pipeline: PipelineConfig{
			IdleTimeout:     DefaultIdleTimeout,
			PublishAttempts: DefaultPublishAttempts,
			PublishBackoff:  DefaultPublishBackoff,
			PublishMaxWait:  DefaultPublishMaxBackoff,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:  DefaultSweepSchedule,
			ReplaySchedule: DefaultReplaySchedule,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memokeeper")
}

func ConfigPath() string {
	if p := os.Getenv("MEMOKEEPER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

// DeadLetterPath returns the sqlite path for dead-lettered events.
func (c *Config) DeadLetterPath() string {
	if p := strings.TrimSpace(c.DeadLetter.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "deadletter.db")
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// LoadConfig reads the config file (if any), then applies .env and process
// environment overrides.
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if token := os.Getenv("MEMOKEEPER_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if token := os.Getenv("BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if ids := os.Getenv("GROUP_IDS"); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return fmt.Errorf("parse GROUP_IDS: %w", err)
		}
		cfg.Telegram.GroupIDs = parsed
	}
	if proxy := os.Getenv("MEMOKEEPER_TELEGRAM_PROXY"); proxy != "" {
		cfg.Telegram.Proxy = proxy
	}
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		cfg.Telegram.WebhookURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if stream := os.Getenv("REDIS_STREAM"); stream != "" {
		cfg.Stream.Name = stream
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Semantic.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		cfg.Semantic.BaseURL = url
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.Semantic.Model = model
	}
	if enabled := os.Getenv("USE_OPENAI"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Semantic.Enabled = parsed
		}
	}
	if daily := os.Getenv("DAILY_BUDGET"); daily != "" {
		if parsed, err := strconv.ParseFloat(daily, 64); err == nil {
			cfg.Budget.Daily = parsed
		}
	}
	if threshold := os.Getenv("CONFIDENCE_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Extraction.SaveThreshold = parsed
		}
	}
	if maxLen := os.Getenv("MAX_MESSAGE_LENGTH"); maxLen != "" {
		if parsed, err := strconv.Atoi(maxLen); err == nil {
			cfg.Filter.MaxLength = parsed
		}
	}
	if backend := os.Getenv("MEMOKEEPER_DEDUP_BACKEND"); backend != "" {
		cfg.Dedup.Backend = backend
	}
	if dbPath := os.Getenv("MEMOKEEPER_DB_PATH"); dbPath != "" {
		cfg.DeadLetter.DBPath = dbPath
	}
	if rules := os.Getenv("MEMOKEEPER_RULES_FILE"); rules != "" {
		cfg.Extraction.RulesFile = rules
	}
	if host := os.Getenv("HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Gateway.Port = parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Stream.Name == "" {
		cfg.Stream.Name = def.Stream.Name
	}
	if cfg.Stream.Partitions <= 0 {
		cfg.Stream.Partitions = 1
	}
	if cfg.Extraction.HighConfidence <= 0 {
		cfg.Extraction.HighConfidence = def.Extraction.HighConfidence
	}
	if cfg.Extraction.SaveThreshold <= 0 {
		cfg.Extraction.SaveThreshold = def.Extraction.SaveThreshold
	}
	if cfg.Extraction.ReviewThreshold <= 0 {
		cfg.Extraction.ReviewThreshold = def.Extraction.ReviewThreshold
	}
	if cfg.Extraction.ContextWindow < 0 {
		cfg.Extraction.ContextWindow = 0
	}
	if cfg.Semantic.Model == "" {
		cfg.Semantic.Model = def.Semantic.Model
	}
	if cfg.Semantic.MaxTokens <= 0 {
		cfg.Semantic.MaxTokens = def.Semantic.MaxTokens
	}
	if cfg.Semantic.Timeout == "" {
		cfg.Semantic.Timeout = def.Semantic.Timeout
	}
	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = def.Dedup.Backend
	}
	if cfg.Dedup.TTL == "" {
		cfg.Dedup.TTL = def.Dedup.TTL
	}
	if cfg.Pipeline.IdleTimeout == "" {
		cfg.Pipeline.IdleTimeout = def.Pipeline.IdleTimeout
	}
	if cfg.Pipeline.PublishAttempts <= 0 {
		cfg.Pipeline.PublishAttempts = def.Pipeline.PublishAttempts
	}
	if cfg.Pipeline.PublishBackoff == "" {
		cfg.Pipeline.PublishBackoff = def.Pipeline.PublishBackoff
	}
	if cfg.Pipeline.PublishMaxWait == "" {
		cfg.Pipeline.PublishMaxWait = def.Pipeline.PublishMaxWait
	}
	if cfg.Maintenance.SweepSchedule == "" {
		cfg.Maintenance.SweepSchedule = def.Maintenance.SweepSchedule
	}
	if cfg.Maintenance.ReplaySchedule == "" {
		cfg.Maintenance.ReplaySchedule = def.Maintenance.ReplaySchedule
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.IsDevelopment() {
		cfg.Pipeline.StrictInvariants = true
	}
}

// Validate reports settings required to run the gateway.
func (c *Config) Validate() error {
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram token is required (BOT_TOKEN)")
		}
		if len(c.Telegram.GroupIDs) == 0 {
			return fmt.Errorf("GROUP_IDS is required (comma-separated list)")
		}
	}
	if c.Semantic.Enabled && strings.TrimSpace(c.Semantic.APIKey) == "" {
		return fmt.Errorf("semantic classifier enabled but OPENAI_API_KEY is not set")
	}
	switch c.Dedup.Backend {
	case DedupBackendRedis, DedupBackendMemory:
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}
	if c.Extraction.ReviewThreshold > c.Extraction.SaveThreshold {
		return fmt.Errorf("review threshold %.2f above save threshold %.2f", c.Extraction.ReviewThreshold, c.Extraction.SaveThreshold)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Duration parses a config duration string, returning def for empty or invalid values.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
