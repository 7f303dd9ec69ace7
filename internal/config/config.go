package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/equipment-resolver/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Mistral    MistralConfig    `yaml:"mistral" mapstructure:"mistral"`
	Tesseract  TesseractConfig  `yaml:"tesseract" mapstructure:"tesseract"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Serper     SerperConfig     `yaml:"serper" mapstructure:"serper"`
	Brave      BraveConfig      `yaml:"brave" mapstructure:"brave"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Chain      ChainConfig      `yaml:"chain" mapstructure:"chain"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
	Validation ValidateConfig   `yaml:"validate" mapstructure:"validate"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the escalation event stream. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// AnthropicConfig configures the Claude vision tiers.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	HaikuModel     string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel    string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	MaxTokens      int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	PromptCacheTTL string `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
}

// MistralConfig configures the hosted OCR tier.
type MistralConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	Model    string `yaml:"model" mapstructure:"model"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// TesseractConfig configures the local OCR tier.
type TesseractConfig struct {
	Enabled   bool     `yaml:"enabled" mapstructure:"enabled"`
	Languages []string `yaml:"languages" mapstructure:"languages"`
}

// JinaConfig holds Jina Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
	SiteFilter    string `yaml:"site_filter" mapstructure:"site_filter"`
}

// SerperConfig holds serper.dev settings.
type SerperConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// BraveConfig holds Brave Search settings.
type BraveConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ChainConfig configures the provider chains. ConfigPath points at an
// optional YAML file listing tiers. A non-zero threshold here overrides the
// file's value; zero leaves the file (or built-in default) in charge.
type ChainConfig struct {
	ConfigPath              string  `yaml:"config_path" mapstructure:"config_path"`
	IdentifyThreshold       float64 `yaml:"identify_threshold" mapstructure:"identify_threshold"`
	DocumentThreshold       float64 `yaml:"document_threshold" mapstructure:"document_threshold"`
	SearchResults           int     `yaml:"search_results" mapstructure:"search_results"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// NormalizeConfig configures key normalization.
type NormalizeConfig struct {
	FuzzyCutoff float64           `yaml:"fuzzy_cutoff" mapstructure:"fuzzy_cutoff"`
	Aliases     map[string]string `yaml:"aliases" mapstructure:"aliases"`
}

// EscalationConfig configures the escalation queue.
type EscalationConfig struct {
	CooldownHours int    `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
	Stream        string `yaml:"stream" mapstructure:"stream"`
	StreamMaxLen  int64  `yaml:"stream_max_len" mapstructure:"stream_max_len"`
}

// Cooldown returns the unresolvable cool-down as a duration.
func (c EscalationConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// ValidateConfig configures the document reachability check.
type ValidateConfig struct {
	MinSizeBytes    int64   `yaml:"min_size_bytes" mapstructure:"min_size_bytes"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PerHostRPS      float64 `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	UserAgent       string  `yaml:"user_agent" mapstructure:"user_agent"`
	RevalidateOnHit bool    `yaml:"revalidate_on_hit" mapstructure:"revalidate_on_hit"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// BatchConfig configures batch resolution from a file.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// MonitoringConfig configures the backlog checker and its alerts.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	BacklogThreshold  int64  `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	MaxTicketAgeHours int    `yaml:"max_ticket_age_hours" mapstructure:"max_ticket_age_hours"`
	StaleThreshold    int64  `yaml:"stale_threshold" mapstructure:"stale_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	rates := cost.DefaultRates()

	// Secrets have empty defaults so AutomaticEnv can bind them on Unmarshal.
	for _, key := range []string{
		"anthropic.key", "mistral.key", "jina.key", "serper.key", "brave.key",
		"perplexity.key", "redis.addr", "redis.password", "monitoring.webhook_url",
		"chain.config_path", "jina.site_filter",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)

	// Thresholds stay unset unless configured; the chain file owns them.
	_ = v.BindEnv("chain.identify_threshold")
	_ = v.BindEnv("chain.document_threshold")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "resolver.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.prompt_cache_ttl", "5m")
	v.SetDefault("mistral.model", "mistral-ocr-latest")
	v.SetDefault("mistral.endpoint", "https://api.mistral.ai/v1/ocr")
	v.SetDefault("tesseract.enabled", true)
	v.SetDefault("tesseract.languages", []string{"eng"})
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("serper.base_url", "https://google.serper.dev")
	v.SetDefault("brave.base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("chain.search_results", 10)
	v.SetDefault("chain.retry_max_attempts", 2)
	v.SetDefault("chain.retry_initial_backoff_ms", 250)
	v.SetDefault("chain.circuit_failure_threshold", 5)
	v.SetDefault("chain.circuit_reset_secs", 60)
	v.SetDefault("normalize.fuzzy_cutoff", 0.85)
	v.SetDefault("escalation.cooldown_hours", 72)
	v.SetDefault("escalation.stream", "resolver:escalations")
	v.SetDefault("escalation.stream_max_len", 10000)
	v.SetDefault("validate.min_size_bytes", 20*1024)
	v.SetDefault("validate.timeout_secs", 10)
	v.SetDefault("validate.per_host_rps", 2.0)
	v.SetDefault("validate.user_agent", "equipment-resolver/1.0")
	v.SetDefault("validate.revalidate_on_hit", true)
	v.SetDefault("pricing.mistral.per_thousand_pages", rates.Mistral.PerThousandPages)
	v.SetDefault("pricing.jina.per_mtok", rates.Jina.PerMTok)
	v.SetDefault("pricing.serper.per_query", rates.Serper.PerQuery)
	v.SetDefault("pricing.brave.per_query", rates.Brave.PerQuery)
	v.SetDefault("pricing.perplexity.per_query", rates.Perplexity.PerQuery)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 120)
	v.SetDefault("server.max_body_bytes", 12<<20)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.backlog_threshold", 50)
	v.SetDefault("monitoring.max_ticket_age_hours", 48)
	v.SetDefault("monitoring.stale_threshold", 25)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings the given command mode depends on. Store
// and threshold settings are checked for every mode.
func (c *Config) Validate(mode string) error {
	var problems []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if strings.TrimSpace(c.Store.DatabaseURL) == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Chain.IdentifyThreshold != 0 && !unit(c.Chain.IdentifyThreshold) {
		problems = append(problems, "chain.identify_threshold must be in (0,1]")
	}
	if c.Chain.DocumentThreshold != 0 && !unit(c.Chain.DocumentThreshold) {
		problems = append(problems, "chain.document_threshold must be in (0,1]")
	}
	if !unit(c.Normalize.FuzzyCutoff) {
		problems = append(problems, "normalize.fuzzy_cutoff must be in (0,1]")
	}
	if c.Escalation.CooldownHours < 0 {
		problems = append(problems, "escalation.cooldown_hours must be >= 0")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "resolve":
		if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 64 {
			problems = append(problems, "batch.concurrency must be between 1 and 64")
		}
	case "monitor":
		if c.Monitoring.CheckIntervalSecs <= 0 {
			problems = append(problems, "monitoring.check_interval_secs must be > 0")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func unit(v float64) bool { return v > 0 && v <= 1 }

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
