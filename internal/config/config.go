package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Ollama     OllamaConfig     `yaml:"ollama" mapstructure:"ollama"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OllamaConfig holds settings for a local Ollama server.
type OllamaConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LLMConfig selects the chat provider and sampling parameters.
type LLMConfig struct {
	Provider     string  `yaml:"provider" mapstructure:"provider"`
	DefaultModel string  `yaml:"default_model" mapstructure:"default_model"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`

	// BreakerThreshold consecutive chat failures open the circuit for
	// BreakerResetSecs. Zero disables the breaker.
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// OCRConfig configures page rasterization and text recognition.
type OCRConfig struct {
	Engine            string  `yaml:"engine" mapstructure:"engine"`
	TesseractPath     string  `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	PdfToPpmPath      string  `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	Language          string  `yaml:"language" mapstructure:"language"`
	DPI               int     `yaml:"dpi" mapstructure:"dpi"`
	MaxPages          int     `yaml:"max_pages" mapstructure:"max_pages"`
	MaxConcurrent     int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MinConfidence     float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	DocumentAIProject string  `yaml:"documentai_project" mapstructure:"documentai_project"`
	DocumentAILoc     string  `yaml:"documentai_location" mapstructure:"documentai_location"`
	DocumentAIProc    string  `yaml:"documentai_processor" mapstructure:"documentai_processor"`
	CredentialsFile   string  `yaml:"credentials_file" mapstructure:"credentials_file"`
}

// FetchConfig configures invoice file downloads.
type FetchConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	MaxBytes    int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ExtractionConfig configures confidence scoring and learning.
type ExtractionConfig struct {
	ValidationThreshold   float64 `yaml:"validation_threshold" mapstructure:"validation_threshold"`
	DefaultConfidence     float64 `yaml:"default_confidence" mapstructure:"default_confidence"`
	OCRWeight             float64 `yaml:"ocr_weight" mapstructure:"ocr_weight"`
	Matcher               string  `yaml:"matcher" mapstructure:"matcher"`
	MaxFewShotPatterns    int     `yaml:"max_few_shot_patterns" mapstructure:"max_few_shot_patterns"`
	CreateMissingPatterns bool    `yaml:"create_missing_patterns" mapstructure:"create_missing_patterns"`
}

// QueueConfig configures the background invoice update queue.
type QueueConfig struct {
	Workers     int `yaml:"workers" mapstructure:"workers"`
	Size        int `yaml:"size" mapstructure:"size"`
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// BatchConfig configures batch extraction.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// MonitoringConfig configures metric collection and alert thresholds.
type MonitoringConfig struct {
	Enabled                 bool    `yaml:"enabled" mapstructure:"enabled"`
	DegradedRateThreshold   float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	ValidationRateThreshold float64 `yaml:"validation_rate_threshold" mapstructure:"validation_rate_threshold"`
	CostThresholdUSD        float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	MinSampleSize           int     `yaml:"min_sample_size" mapstructure:"min_sample_size"`
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml, if present, and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path
// falls back to an optional config.yaml in the working directory; an
// explicit path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("FACTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.timeout_secs", 120)
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.default_model", "mistral:7b-instruct-q4_K_M")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_reset_secs", 30)
	v.SetDefault("ocr.engine", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.language", "fra")
	v.SetDefault("ocr.dpi", 300)
	v.SetDefault("ocr.max_pages", 20)
	v.SetDefault("ocr.max_concurrent", 1)
	v.SetDefault("ocr.min_confidence", 0.6)
	v.SetDefault("ocr.documentai_location", "eu")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 1)
	v.SetDefault("fetch.max_bytes", 25<<20)
	v.SetDefault("fetch.user_agent", "facture-cli/1.0")
	v.SetDefault("extraction.validation_threshold", 0.8)
	v.SetDefault("extraction.default_confidence", 0.7)
	v.SetDefault("extraction.ocr_weight", 0.4)
	v.SetDefault("extraction.matcher", "substring")
	v.SetDefault("extraction.max_few_shot_patterns", 3)
	v.SetDefault("extraction.create_missing_patterns", true)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.size", 100)
	v.SetDefault("queue.timeout_secs", 30)
	v.SetDefault("batch.max_concurrent", 2)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.2)
	v.SetDefault("monitoring.validation_rate_threshold", 0.6)
	v.SetDefault("monitoring.min_sample_size", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
