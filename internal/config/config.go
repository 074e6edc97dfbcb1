package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/llm-factory/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Invoke    InvokeConfig    `yaml:"invoke" mapstructure:"invoke"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Task      TaskConfig      `yaml:"task" mapstructure:"task"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the output store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// OpenAIConfig holds settings for OpenAI-compatible endpoints.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// InvokeConfig holds the per-call parameters passed to the remote service.
type InvokeConfig struct {
	Provider     string  `yaml:"provider" mapstructure:"provider"`
	Model        string  `yaml:"model" mapstructure:"model"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
	TopP         float64 `yaml:"top_p" mapstructure:"top_p"`
	MaxTokens    int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// RetryConfig controls bounded retry of transient invocation failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures the circuit breaker around the remote service.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	MaxWaits         int `yaml:"max_waits" mapstructure:"max_waits"`
}

// PipelineConfig configures batching and concurrency.
type PipelineConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	Workers   int `yaml:"workers" mapstructure:"workers"`
	Limit     int `yaml:"limit" mapstructure:"limit"`
}

// TaskConfig selects the task and its data.
type TaskConfig struct {
	Name      string `yaml:"name" mapstructure:"name"`
	Taxonomy  string `yaml:"taxonomy" mapstructure:"taxonomy"`
	KeyField  string `yaml:"key_field" mapstructure:"key_field"`
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
	KeepRaw   bool   `yaml:"keep_raw" mapstructure:"keep_raw"`
}

// PricingConfig holds per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional config.yaml in the working
// directory and the environment. A .env file in the working directory is
// loaded first when present.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is like Load but reads the config file at path. The file must
// exist when path is set.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("LLMF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "jsonl")
	v.SetDefault("store.path", "./data/output.jsonl")
	v.SetDefault("store.database_url", "")
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("invoke.provider", "openai")
	v.SetDefault("invoke.model", "gpt-4o")
	v.SetDefault("invoke.temperature", 0.9)
	v.SetDefault("invoke.top_p", 0.7)
	v.SetDefault("invoke.max_tokens", 2000)
	v.SetDefault("invoke.timeout_secs", 120)
	v.SetDefault("invoke.rate_limit_rps", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("circuit.failure_threshold", 10)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("circuit.max_waits", 3)
	v.SetDefault("pipeline.batch_size", 5)
	v.SetDefault("pipeline.workers", 5)
	v.SetDefault("pipeline.limit", 0)
	v.SetDefault("task.name", "dilemma")
	v.SetDefault("task.taxonomy", "mft")
	v.SetDefault("task.key_field", model.DefaultKeyField)
	v.SetDefault("task.rules_file", "")
	v.SetDefault("task.keep_raw", false)

	// Read config file (optional unless named)
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, eris.Wrapf(model.ErrConfiguration, "config: read %s: %v", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Conventional provider variables fill in when no prefixed key is set.
	if cfg.OpenAI.Key == "" {
		cfg.OpenAI.Key = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Anthropic.Key == "" {
		cfg.Anthropic.Key = os.Getenv("ANTHROPIC_API_KEY")
	}

	return &cfg, nil
}

// Validate checks settings that must hold before any work starts. Failures
// wrap model.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.Invoke.Provider {
	case "openai":
		if c.OpenAI.Key == "" {
			return eris.Wrap(model.ErrConfiguration, "config: OPENAI_API_KEY is not set")
		}
	case "anthropic":
		if c.Anthropic.Key == "" {
			return eris.Wrap(model.ErrConfiguration, "config: ANTHROPIC_API_KEY is not set")
		}
	default:
		return eris.Wrapf(model.ErrConfiguration, "config: unknown provider %q", c.Invoke.Provider)
	}
	if c.Invoke.Model == "" {
		return eris.Wrap(model.ErrConfiguration, "config: invoke.model is empty")
	}
	if c.Pipeline.BatchSize <= 0 {
		return eris.Wrapf(model.ErrConfiguration, "config: batch size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.Workers <= 0 {
		return eris.Wrapf(model.ErrConfiguration, "config: workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Invoke.TimeoutSecs <= 0 {
		return eris.Wrapf(model.ErrConfiguration, "config: timeout must be positive, got %d", c.Invoke.TimeoutSecs)
	}
	return nil
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
