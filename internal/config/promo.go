package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PromoConfig carries sale tunables that operators adjust without a redeploy.
type PromoConfig struct {
	ReservationTTL        time.Duration `mapstructure:"reservation_ttl"`
	CacheOpTimeout        time.Duration `mapstructure:"cache_op_timeout"`
	ReconcileInterval     time.Duration `mapstructure:"reconcile_interval"`
	WriteBehindMaxRetries int           `mapstructure:"writebehind_max_retries"`
	PurchaseRatePerSecond float64       `mapstructure:"purchase_rate_per_second"`
	PurchaseBurst         int           `mapstructure:"purchase_burst"`
}

func DefaultPromoConfig() PromoConfig {
	return PromoConfig{
		ReservationTTL:        15 * time.Minute,
		CacheOpTimeout:        150 * time.Millisecond,
		ReconcileInterval:     30 * time.Second,
		WriteBehindMaxRetries: 8,
		PurchaseRatePerSecond: 2,
		PurchaseBurst:         5,
	}
}

type PromoConfigHolder struct {
	current atomic.Value // holds PromoConfig
}

// NewStaticPromoConfigHolder returns a holder pinned to cfg, without file watching.
func NewStaticPromoConfigHolder(cfg PromoConfig) *PromoConfigHolder {
	holder := &PromoConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPromoConfigHolder(log *zap.Logger) (*PromoConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("promo_config")

	v := viper.New()

	v.SetConfigName("promo")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/promosale/config")
	v.AddConfigPath("/etc/promosale")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PROMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPromoConfig()
	v.SetDefault("promo.reservation_ttl", defaults.ReservationTTL)
	v.SetDefault("promo.cache_op_timeout", defaults.CacheOpTimeout)
	v.SetDefault("promo.reconcile_interval", defaults.ReconcileInterval)
	v.SetDefault("promo.writebehind_max_retries", defaults.WriteBehindMaxRetries)
	v.SetDefault("promo.purchase_rate_per_second", defaults.PurchaseRatePerSecond)
	v.SetDefault("promo.purchase_burst", defaults.PurchaseBurst)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg PromoConfig
	if err := v.UnmarshalKey("promo", &cfg); err != nil {
		return nil, err
	}
	if err := validatePromoConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPromoConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		holder.reload(v, e.Name, log)
	})

	return holder, nil
}

// reload swaps in the config v now holds. An unreadable or invalid file keeps
// the previous values.
func (h *PromoConfigHolder) reload(v *viper.Viper, source string, log *zap.Logger) bool {
	var updated PromoConfig
	if err := v.UnmarshalKey("promo", &updated); err != nil {
		log.Error("promo_config.reload_failed", zap.String("source", source), zap.Error(err))
		return false
	}
	if err := validatePromoConfig(updated); err != nil {
		log.Warn("promo_config.invalid", zap.String("source", source), zap.Error(err))
		return false
	}
	h.current.Store(updated)
	log.Info("promo_config.reloaded",
		zap.String("source", source),
		zap.Duration("reservation_ttl", updated.ReservationTTL),
		zap.Duration("cache_op_timeout", updated.CacheOpTimeout),
	)
	return true
}

func (h *PromoConfigHolder) Get() PromoConfig {
	if h == nil {
		return DefaultPromoConfig()
	}
	cfg, ok := h.current.Load().(PromoConfig)
	if !ok {
		return DefaultPromoConfig()
	}
	return cfg
}

func validatePromoConfig(cfg PromoConfig) error {
	if cfg.ReservationTTL <= 0 {
		return errors.New("promo.reservation_ttl must be positive")
	}
	if cfg.CacheOpTimeout <= 0 {
		return errors.New("promo.cache_op_timeout must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return errors.New("promo.reconcile_interval must be positive")
	}
	if cfg.WriteBehindMaxRetries < 0 {
		return errors.New("promo.writebehind_max_retries cannot be negative")
	}
	if cfg.PurchaseRatePerSecond <= 0 || cfg.PurchaseBurst <= 0 {
		return errors.New("promo.purchase rate and burst must be positive")
	}
	return nil
}
