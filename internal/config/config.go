package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultJudgeModel        = "claude-haiku-4-5-20251001"
	DefaultMaxTokens         = 8192
	DefaultJudgeMaxTokens    = 1024
	DefaultTemperature       = 0.7
	DefaultJudgeTemperature  = 0.2
	DefaultMaxToolIterations = 20
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18790
	DefaultBufSize           = 100

	DefaultReplyThreshold       = 0.6
	DefaultEnergyDecayRate      = 0.1
	DefaultEnergyRecoveryRate   = 0.02
	DefaultContextMessages      = 5
	DefaultMaxBufferSize        = 50
	DefaultPersonaMinLength     = 50
	DefaultJudgeMaxRetries      = 3
	DefaultJudgeTimeout         = "30s"
	DefaultAffinityInitial      = 40.0
	DefaultAffinityDailyDecay   = 1.0
	DefaultAffinityImpact       = 0.5
	DefaultAutosaveInterval     = "5m"
	DefaultDailyTickExpr        = "0 0 0 * * *"
	DefaultStorageType          = StorageJSON
	DefaultRedisPrefix          = "heartflow"
	DefaultPersonaFileName      = "personas.yaml"
	DefaultLogLevel             = "info"
	ProviderTypeAnthropic       = "anthropic"
	ProviderTypeOpenAI          = "openai"
	ProviderTypeOpenAIResponses = "openai-responses"
	StorageJSON                 = "json"
	StorageSQLite               = "sqlite"
	StorageRedis                = "redis"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Judge     JudgeConfig     `json:"judge"`
	Heartflow HeartflowConfig `json:"heartflow"`
	Affinity  AffinityConfig  `json:"affinity"`
	Storage   StorageConfig   `json:"storage"`
	Personas  PersonasConfig  `json:"personas"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Log       LogConfig       `json:"log"`
	Admins    []string        `json:"admins,omitempty"`
}

type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default), "openai" or "openai-responses"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// JudgeConfig configures the small model that scores candidate messages.
// Provider falls back to the top-level provider when unset.
type JudgeConfig struct {
	Provider                *ProviderConfig `json:"provider,omitempty"`
	Model                   string          `json:"model,omitempty"`
	MaxTokens               int             `json:"maxTokens,omitempty"`
	Temperature             float64         `json:"temperature,omitempty"`
	MaxRetries              *int            `json:"maxRetries,omitempty"`
	IncludeReasoning        *bool           `json:"includeReasoning,omitempty"`
	Timeout                 string          `json:"timeout,omitempty"`
	RateLimit               float64         `json:"rateLimit,omitempty"` // requests per second, 0 = unlimited
	Burst                   int             `json:"burst,omitempty"`
	IncludeImages           bool            `json:"includeImages,omitempty"`
	PromptTemplate          string          `json:"promptTemplate,omitempty"`
	SummarizePromptTemplate string          `json:"summarizePromptTemplate,omitempty"`
}

type HeartflowConfig struct {
	Enabled            bool            `json:"enabled"`
	ReplyThreshold     float64         `json:"replyThreshold"`
	EnergyDecayRate    float64         `json:"energyDecayRate"`
	EnergyRecoveryRate float64         `json:"energyRecoveryRate"`
	ContextMessages    int             `json:"contextMessages"`
	MaxBufferSize      int             `json:"maxBufferSize"`
	PersonaMinLength   int             `json:"personaMinLength"`
	Whitelist          WhitelistConfig `json:"whitelist"`
	Weights            WeightsConfig   `json:"weights"`
}

type WhitelistConfig struct {
	Enabled bool     `json:"enabled"`
	Chats   []string `json:"chats"`
}

type WeightsConfig struct {
	Relevance   float64 `json:"relevance"`
	Willingness float64 `json:"willingness"`
	Social      float64 `json:"social"`
	Timing      float64 `json:"timing"`
	Continuity  float64 `json:"continuity"`
}

func (w WeightsConfig) IsZero() bool {
	return w == WeightsConfig{}
}

type AffinityConfig struct {
	Enabled          bool                 `json:"enabled"`
	InitialValue     *float64             `json:"initialValue,omitempty"`
	DailyDecayRate   float64              `json:"dailyDecayRate"`
	ImpactStrength   *float64             `json:"impactStrength,omitempty"`
	Weights          WeightsConfig        `json:"weights"`
	Global           GlobalAffinityConfig `json:"global"`
	AutosaveInterval string               `json:"autosaveInterval,omitempty"`
	DailyTick        string               `json:"dailyTick,omitempty"`
}

type GlobalAffinityConfig struct {
	Enabled          bool     `json:"enabled"`
	WhitelistEnabled bool     `json:"whitelistEnabled"`
	Whitelist        []string `json:"whitelist,omitempty"`
}

type StorageConfig struct {
	Type       string      `json:"type,omitempty"` // "json" (default), "sqlite" or "redis"
	Dir        string      `json:"dir,omitempty"`
	SQLitePath string      `json:"sqlitePath,omitempty"`
	Redis      RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type PersonasConfig struct {
	File    string `json:"file,omitempty"`
	Dir     string `json:"dir,omitempty"` // optional directory of <id>.md persona files
	Default string `json:"default,omitempty"`
	Watch   bool   `json:"watch"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Metrics bool   `json:"metrics"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".heartflow", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Judge: JudgeConfig{
			Model:       DefaultJudgeModel,
			MaxTokens:   DefaultJudgeMaxTokens,
			Temperature: DefaultJudgeTemperature,
			Timeout:     DefaultJudgeTimeout,
		},
		Heartflow: HeartflowConfig{
			Enabled:            true,
			ReplyThreshold:     DefaultReplyThreshold,
			EnergyDecayRate:    DefaultEnergyDecayRate,
			EnergyRecoveryRate: DefaultEnergyRecoveryRate,
			ContextMessages:    DefaultContextMessages,
			MaxBufferSize:      DefaultMaxBufferSize,
			PersonaMinLength:   DefaultPersonaMinLength,
			Weights:            DefaultReplyWeights(),
		},
		Affinity: AffinityConfig{
			Enabled:          true,
			DailyDecayRate:   DefaultAffinityDailyDecay,
			Weights:          DefaultAffinityWeights(),
			AutosaveInterval: DefaultAutosaveInterval,
			DailyTick:        DefaultDailyTickExpr,
		},
		Storage: StorageConfig{
			Type: DefaultStorageType,
			Redis: RedisConfig{
				Prefix: DefaultRedisPrefix,
			},
		},
		Gateway: GatewayConfig{
			Host:    DefaultHost,
			Port:    DefaultPort,
			Metrics: true,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func DefaultReplyWeights() WeightsConfig {
	return WeightsConfig{Relevance: 0.25, Willingness: 0.2, Social: 0.2, Timing: 0.15, Continuity: 0.2}
}

func DefaultAffinityWeights() WeightsConfig {
	return WeightsConfig{Relevance: 0.3, Willingness: 0.15, Social: 0.3, Timing: 0.05, Continuity: 0.2}
}

// JudgeMaxRetries returns the configured retry count; an explicit 0 disables retries.
func (c *Config) JudgeMaxRetries() int {
	if c.Judge.MaxRetries == nil {
		return DefaultJudgeMaxRetries
	}
	if *c.Judge.MaxRetries < 0 {
		return 0
	}
	return *c.Judge.MaxRetries
}

func (c *Config) JudgeIncludeReasoning() bool {
	if c.Judge.IncludeReasoning == nil {
		return true
	}
	return *c.Judge.IncludeReasoning
}

func (c *Config) JudgeTimeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Judge.Timeout))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJudgeTimeout)
	}
	return d
}

// JudgeProvider resolves the provider used for judgment calls.
func (c *Config) JudgeProvider() ProviderConfig {
	p := c.Provider
	if c.Judge.Provider != nil {
		if c.Judge.Provider.Type != "" {
			p.Type = c.Judge.Provider.Type
		}
		if c.Judge.Provider.APIKey != "" {
			p.APIKey = c.Judge.Provider.APIKey
		}
		if c.Judge.Provider.BaseURL != "" {
			p.BaseURL = c.Judge.Provider.BaseURL
		}
	}
	if p.Type == "" {
		p.Type = ProviderTypeAnthropic
	}
	return p
}

func (c *Config) AffinityInitialValue() float64 {
	if c.Affinity.InitialValue == nil {
		return DefaultAffinityInitial
	}
	return *c.Affinity.InitialValue
}

func (c *Config) AffinityImpactStrength() float64 {
	if c.Affinity.ImpactStrength == nil {
		return DefaultAffinityImpact
	}
	return *c.Affinity.ImpactStrength
}

func (c *Config) AutosaveInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Affinity.AutosaveInterval))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultAutosaveInterval)
	}
	return d
}

func (c *Config) DataDir() string {
	if dir := strings.TrimSpace(c.Storage.Dir); dir != "" {
		return dir
	}
	return filepath.Join(ConfigDir(), "data")
}

func (c *Config) PersonaFile() string {
	if f := strings.TrimSpace(c.Personas.File); f != "" {
		return f
	}
	return filepath.Join(ConfigDir(), DefaultPersonaFileName)
}

func (c *Config) PersonaDir() string {
	if d := strings.TrimSpace(c.Personas.Dir); d != "" {
		return d
	}
	return filepath.Join(ConfigDir(), "personas")
}

func (c *Config) IsAdmin(senderID string) bool {
	for _, id := range c.Admins {
		if id == senderID {
			return true
		}
	}
	return false
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	hf := c.Heartflow
	if hf.ReplyThreshold < 0 || hf.ReplyThreshold > 1 {
		errs = append(errs, fmt.Errorf("heartflow.replyThreshold must be within [0,1], got %v", hf.ReplyThreshold))
	}
	if hf.EnergyDecayRate < 0 || hf.EnergyRecoveryRate < 0 {
		errs = append(errs, fmt.Errorf("heartflow energy rates must be non-negative"))
	}
	if hf.MaxBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("heartflow.maxBufferSize must be positive, got %d", hf.MaxBufferSize))
	}
	if hf.ContextMessages <= 0 {
		errs = append(errs, fmt.Errorf("heartflow.contextMessages must be positive, got %d", hf.ContextMessages))
	}
	if err := validateWeights("heartflow.weights", hf.Weights); err != nil {
		errs = append(errs, err)
	}
	if err := validateWeights("affinity.weights", c.Affinity.Weights); err != nil {
		errs = append(errs, err)
	}
	if v := c.AffinityInitialValue(); v < 0 || v > 100 {
		errs = append(errs, fmt.Errorf("affinity.initialValue must be within [0,100], got %v", v))
	}
	if c.Affinity.DailyDecayRate < 0 {
		errs = append(errs, fmt.Errorf("affinity.dailyDecayRate must be non-negative"))
	}
	if c.AffinityImpactStrength() < 0 {
		errs = append(errs, fmt.Errorf("affinity.impactStrength must be non-negative"))
	}
	switch c.Storage.Type {
	case StorageJSON, StorageSQLite:
	case StorageRedis:
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			errs = append(errs, fmt.Errorf("storage.redis.addr is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	switch c.JudgeProvider().Type {
	case ProviderTypeAnthropic, ProviderTypeOpenAI, ProviderTypeOpenAIResponses:
	default:
		errs = append(errs, fmt.Errorf("unknown judge provider type %q", c.JudgeProvider().Type))
	}
	return errors.Join(errs...)
}

func validateWeights(name string, w WeightsConfig) error {
	vals := []float64{w.Relevance, w.Willingness, w.Social, w.Timing, w.Continuity}
	sum := 0.0
	for _, v := range vals {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
		sum += v
	}
	if sum <= 0 {
		return fmt.Errorf("%s must not all be zero", name)
	}
	return nil
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".heartflow")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	loadDotEnv()

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

	applyEnv(cfg)
	backfill(cfg)

	return cfg, nil
}

// loadDotEnv reads .env files from the working directory and the config dir.
// Variables already present in the environment win.
func loadDotEnv() {
	for _, path := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("HEARTFLOW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = ProviderTypeOpenAI
		}
	}
	if url := os.Getenv("HEARTFLOW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("HEARTFLOW_JUDGE_MODEL"); model != "" {
		cfg.Judge.Model = model
	}
	if key := os.Getenv("HEARTFLOW_JUDGE_API_KEY"); key != "" {
		if cfg.Judge.Provider == nil {
			cfg.Judge.Provider = &ProviderConfig{}
		}
		cfg.Judge.Provider.APIKey = key
	}
	if url := os.Getenv("HEARTFLOW_JUDGE_BASE_URL"); url != "" {
		if cfg.Judge.Provider == nil {
			cfg.Judge.Provider = &ProviderConfig{}
		}
		cfg.Judge.Provider.BaseURL = url
	}
	if enabled := os.Getenv("HEARTFLOW_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Heartflow.Enabled = parsed
		}
	}
	if threshold := os.Getenv("HEARTFLOW_REPLY_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Heartflow.ReplyThreshold = parsed
		}
	}
	if enabled := os.Getenv("HEARTFLOW_AFFINITY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Affinity.Enabled = parsed
		}
	}
	if token := os.Getenv("HEARTFLOW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := os.Getenv("HEARTFLOW_DISCORD_TOKEN"); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if storage := os.Getenv("HEARTFLOW_STORAGE_TYPE"); storage != "" {
		cfg.Storage.Type = strings.ToLower(storage)
	}
	if addr := os.Getenv("HEARTFLOW_REDIS_ADDR"); addr != "" {
		cfg.Storage.Redis.Addr = addr
	}
	if level := os.Getenv("HEARTFLOW_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func backfill(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Judge.Model == "" {
		cfg.Judge.Model = DefaultJudgeModel
	}
	if cfg.Judge.MaxTokens <= 0 {
		cfg.Judge.MaxTokens = DefaultJudgeMaxTokens
	}
	if cfg.Judge.Timeout == "" {
		cfg.Judge.Timeout = DefaultJudgeTimeout
	}
	if cfg.Heartflow.ContextMessages <= 0 {
		cfg.Heartflow.ContextMessages = DefaultContextMessages
	}
	if cfg.Heartflow.MaxBufferSize <= 0 {
		cfg.Heartflow.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.Heartflow.PersonaMinLength <= 0 {
		cfg.Heartflow.PersonaMinLength = DefaultPersonaMinLength
	}
	if cfg.Heartflow.Weights.IsZero() {
		cfg.Heartflow.Weights = DefaultReplyWeights()
	}
	if cfg.Affinity.Weights.IsZero() {
		cfg.Affinity.Weights = DefaultAffinityWeights()
	}
	if cfg.Affinity.AutosaveInterval == "" {
		cfg.Affinity.AutosaveInterval = DefaultAutosaveInterval
	}
	if cfg.Affinity.DailyTick == "" {
		cfg.Affinity.DailyTick = DefaultDailyTickExpr
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = DefaultStorageType
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
