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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Match    MatchConfig    `yaml:"match" mapstructure:"match"`
	PubMed   PubMedConfig   `yaml:"pubmed" mapstructure:"pubmed"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MatchConfig configures the rescan scheduler and publication matcher.
type MatchConfig struct {
	Mode                   string       `yaml:"mode" mapstructure:"mode"`
	RefreshDays            int          `yaml:"refresh_days" mapstructure:"refresh_days"`
	RetryDaysNoMatch       int          `yaml:"retry_days_no_match" mapstructure:"retry_days_no_match"`
	PerTrialLinkLimit      int          `yaml:"per_trial_link_limit" mapstructure:"per_trial_link_limit"`
	FullMatchMinConfidence int          `yaml:"full_match_min_confidence" mapstructure:"full_match_min_confidence"`
	Budget                 BudgetConfig `yaml:"budget" mapstructure:"budget"`
	TitleYearLookback      int          `yaml:"title_year_lookback" mapstructure:"title_year_lookback"`
	TitleYearLookahead     int          `yaml:"title_year_lookahead" mapstructure:"title_year_lookahead"`
	TitleKeywordLimit      int          `yaml:"title_keyword_limit" mapstructure:"title_keyword_limit"`
	TitleKeywordMinLen     int          `yaml:"title_keyword_min_len" mapstructure:"title_keyword_min_len"`
}

// BudgetConfig caps the number of external lookups per strategy per run.
// Budgets are an API courtesy, not a correctness constraint: trials left
// unscanned keep their prior results.
type BudgetConfig struct {
	Exact     int `yaml:"exact" mapstructure:"exact"`
	Secondary int `yaml:"secondary" mapstructure:"secondary"`
	DOI       int `yaml:"doi" mapstructure:"doi"`
	Title     int `yaml:"title" mapstructure:"title"`
}

// PubMedConfig holds literature-index client settings.
type PubMedConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// RegistryConfig configures cross-registry merge behavior.
type RegistryConfig struct {
	// Priority orders registries for field-conflict resolution during a
	// merge; earlier wins. The native registry of the kept primary id is
	// always consulted first.
	Priority []string `yaml:"priority" mapstructure:"priority"`
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
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./evidence.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("match.mode", "incremental")
	v.SetDefault("match.refresh_days", 120)
	v.SetDefault("match.retry_days_no_match", 30)
	v.SetDefault("match.per_trial_link_limit", 5)
	v.SetDefault("match.full_match_min_confidence", 80)
	v.SetDefault("match.budget.exact", 200)
	v.SetDefault("match.budget.secondary", 100)
	v.SetDefault("match.budget.doi", 100)
	v.SetDefault("match.budget.title", 50)
	v.SetDefault("match.title_year_lookback", 1)
	v.SetDefault("match.title_year_lookahead", 5)
	v.SetDefault("match.title_keyword_limit", 6)
	v.SetDefault("match.title_keyword_min_len", 4)
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.rate_per_sec", 3.0)
	v.SetDefault("pubmed.timeout_secs", 15)
	v.SetDefault("pubmed.max_retries", 3)
	v.SetDefault("registry.priority", []string{"clinicaltrials.gov", "ctis", "euctr"})

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
