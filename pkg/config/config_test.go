package config_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/config"
)

type fileConfig struct {
	ProductTag string        `env:"TEST_BILLING_PRODUCT_TAG"`
	Retention  time.Duration `env:"TEST_BILLING_RETENTION"`
	Backends   []string      `env:"TEST_BILLING_BACKENDS" envSeparator:","`
}

type defaultsConfig struct {
	Interval time.Duration `env:"TEST_CONFIG_UNSET_INTERVAL" envDefault:"5m"`
	Name     string        `env:"TEST_CONFIG_UNSET_NAME" envDefault:"billing"`
}

type requiredConfig struct {
	Secret string `env:"TEST_CONFIG_MISSING_SECRET,required"`
}

type cachedConfig struct {
	Value string `env:"TEST_CONFIG_CACHED_VALUE"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg defaultsConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, "billing", cfg.Name)
}

func TestLoad_NilPointer(t *testing.T) {
	var cfg *defaultsConfig
	err := config.Load(cfg)
	assert.ErrorIs(t, err, config.ErrNilPointer)
}

func TestLoad_MissingRequired(t *testing.T) {
	var cfg requiredConfig
	err := config.Load(&cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrParsingConfig)

	assert.Panics(t, func() {
		config.MustLoad(&requiredConfig{})
	})
}

func TestLoad_CachedPerType(t *testing.T) {
	t.Setenv("TEST_CONFIG_CACHED_VALUE", "first")
	config.Reset()

	var first cachedConfig
	require.NoError(t, config.Load(&first))
	assert.Equal(t, "first", first.Value)

	t.Setenv("TEST_CONFIG_CACHED_VALUE", "second")
	var second cachedConfig
	require.NoError(t, config.Load(&second))
	assert.Equal(t, "first", second.Value, "cached value is returned until Reset")

	config.Reset()
	var third cachedConfig
	require.NoError(t, config.Load(&third))
	assert.Equal(t, "second", third.Value)
}

func TestLoad_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cfg defaultsConfig
			assert.NoError(t, config.Load(&cfg))
			assert.Equal(t, "billing", cfg.Name)
		}()
	}
	wg.Wait()
}

func TestLoadEnv(t *testing.T) {
	t.Cleanup(config.Reset)

	require.NoError(t, config.LoadEnv("testdata/.env.billing"))

	var cfg fileConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "premium", cfg.ProductTag)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, []string{"memory", "redis", "postgres"}, cfg.Backends)

	t.Run("later files override earlier ones", func(t *testing.T) {
		require.NoError(t, config.LoadEnv("testdata/.env.billing", "testdata/.env.override"))
		var cfg fileConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "pro", cfg.ProductTag)
	})

	t.Run("missing file", func(t *testing.T) {
		err := config.LoadEnv("testdata/does-not-exist.env")
		assert.ErrorIs(t, err, config.ErrLoadingEnv)
	})
}
