package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig tunes the balance engine. It is reloaded from engine.yml without a restart.
type EngineConfig struct {
	DefaultPrecision  int32            `mapstructure:"default_precision"`
	CurrencyPrecision map[string]int32 `mapstructure:"currency_precision"`
	DeletedSuffix     string           `mapstructure:"deleted_suffix"`
	NumberPadding     int              `mapstructure:"number_padding"`
	VerifyConsistency bool             `mapstructure:"verify_consistency"`
	Outbox            OutboxConfig     `mapstructure:"outbox"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultPrecision: 2,
		CurrencyPrecision: map[string]int32{
			"JPY": 0,
			"KRW": 0,
			"BHD": 3,
			"KWD": 3,
		},
		DeletedSuffix:     "deleted",
		NumberPadding:     4,
		VerifyConsistency: true,
		Outbox: OutboxConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
			MaxAttempts:  10,
			BaseBackoff:  time.Second,
			LeaseTTL:     30 * time.Second,
		},
	}
}

// PrecisionFor returns the rounding precision for an ISO currency code.
func (c EngineConfig) PrecisionFor(currency string) int32 {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if p, ok := c.CurrencyPrecision[code]; ok {
		return p
	}
	return c.DefaultPrecision
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder returns a holder that never reloads.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(normalizeEngineConfig(cfg))
	return holder
}

func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	log = log.Named("config.engine")
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/invoicebalance/config")
	v.AddConfigPath("/etc/invoicebalance")
	v.AddConfigPath(".")

	v.SetEnvPrefix("INVOICEBALANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.default_precision", defaults.DefaultPrecision)
	v.SetDefault("engine.currency_precision", defaults.CurrencyPrecision)
	v.SetDefault("engine.deleted_suffix", defaults.DeletedSuffix)
	v.SetDefault("engine.number_padding", defaults.NumberPadding)
	v.SetDefault("engine.verify_consistency", defaults.VerifyConsistency)
	v.SetDefault("engine.outbox.poll_interval", defaults.Outbox.PollInterval)
	v.SetDefault("engine.outbox.batch_size", defaults.Outbox.BatchSize)
	v.SetDefault("engine.outbox.max_attempts", defaults.Outbox.MaxAttempts)
	v.SetDefault("engine.outbox.base_backoff", defaults.Outbox.BaseBackoff)
	v.SetDefault("engine.outbox.lease_ttl", defaults.Outbox.LeaseTTL)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := unmarshalEngineConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(normalizeEngineConfig(cfg))

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalEngineConfig(v)
		if err != nil {
			log.Warn("engine config reload failed", zap.Error(err))
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Warn("invalid engine config ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeEngineConfig(updated))
		log.Info("engine config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// unmarshalEngineConfig goes through AllSettings so defaults and env
// overrides are merged under a partial engine block.
func unmarshalEngineConfig(v *viper.Viper) (EngineConfig, error) {
	var wrapper struct {
		Engine EngineConfig `mapstructure:"engine"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return EngineConfig{}, err
	}
	return wrapper.Engine, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return normalizeEngineConfig(DefaultEngineConfig())
	}
	return h.current.Load().(EngineConfig)
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.DefaultPrecision < 0 || cfg.DefaultPrecision > 6 {
		return errors.New("engine.default_precision must be between 0 and 6")
	}
	for code, p := range cfg.CurrencyPrecision {
		if p < 0 || p > 6 {
			return errors.New("engine.currency_precision." + strings.ToLower(code) + " must be between 0 and 6")
		}
	}
	if cfg.NumberPadding < 0 || cfg.NumberPadding > 12 {
		return errors.New("engine.number_padding must be between 0 and 12")
	}
	return nil
}

func normalizeEngineConfig(cfg EngineConfig) EngineConfig {
	defaults := DefaultEngineConfig()

	// Viper lower-cases map keys.
	precision := make(map[string]int32, len(cfg.CurrencyPrecision))
	for code, p := range cfg.CurrencyPrecision {
		precision[strings.ToUpper(strings.TrimSpace(code))] = p
	}
	cfg.CurrencyPrecision = precision

	cfg.DeletedSuffix = slug.Make(cfg.DeletedSuffix)
	if cfg.DeletedSuffix == "" {
		cfg.DeletedSuffix = defaults.DeletedSuffix
	}
	if cfg.Outbox.PollInterval <= 0 {
		cfg.Outbox.PollInterval = defaults.Outbox.PollInterval
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = defaults.Outbox.BatchSize
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = defaults.Outbox.MaxAttempts
	}
	if cfg.Outbox.BaseBackoff <= 0 {
		cfg.Outbox.BaseBackoff = defaults.Outbox.BaseBackoff
	}
	if cfg.Outbox.LeaseTTL <= 0 {
		cfg.Outbox.LeaseTTL = defaults.Outbox.LeaseTTL
	}
	return cfg
}
