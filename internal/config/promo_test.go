package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidatePromoConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PromoConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*PromoConfig) {}},
		{name: "zero ttl", mutate: func(c *PromoConfig) { c.ReservationTTL = 0 }, wantErr: true},
		{name: "zero cache timeout", mutate: func(c *PromoConfig) { c.CacheOpTimeout = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *PromoConfig) { c.WriteBehindMaxRetries = -1 }, wantErr: true},
		{name: "zero burst", mutate: func(c *PromoConfig) { c.PurchaseBurst = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPromoConfig()
			tt.mutate(&cfg)
			err := validatePromoConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPromoConfigHolderGet(t *testing.T) {
	var nilHolder *PromoConfigHolder
	assert.Equal(t, DefaultPromoConfig(), nilHolder.Get())

	cfg := DefaultPromoConfig()
	cfg.ReservationTTL = time.Minute
	holder := NewStaticPromoConfigHolder(cfg)
	assert.Equal(t, time.Minute, holder.Get().ReservationTTL)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092 "))
	assert.Empty(t, splitList(""))
}

func TestPromoConfigReloadLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	holder := NewStaticPromoConfigHolder(DefaultPromoConfig())

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
promo:
  reservation_ttl: 5m
  cache_op_timeout: 200ms
  reconcile_interval: 10s
  writebehind_max_retries: 3
  purchase_rate_per_second: 4
  purchase_burst: 8
`)))
	assert.True(t, holder.reload(v, "promo.yml", log))
	assert.Equal(t, 5*time.Minute, holder.Get().ReservationTTL)
	require.Equal(t, 1, logs.FilterMessage("promo_config.reloaded").Len())
	assert.Equal(t, "promo.yml", logs.FilterMessage("promo_config.reloaded").All()[0].ContextMap()["source"])

	require.NoError(t, v.ReadConfig(strings.NewReader(`
promo:
  reservation_ttl: 0s
  cache_op_timeout: 200ms
  reconcile_interval: 10s
  purchase_rate_per_second: 4
  purchase_burst: 8
`)))
	assert.False(t, holder.reload(v, "promo.yml", log))
	assert.Equal(t, 5*time.Minute, holder.Get().ReservationTTL)
	assert.Equal(t, 1, logs.FilterMessage("promo_config.invalid").FilterLevelExact(zapcore.WarnLevel).Len())
}
