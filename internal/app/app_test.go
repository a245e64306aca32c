package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/logging"
)

func testConfig() config.Config {
	cfg := config.Load()
	cfg.RedisAddr = ""
	cfg.CountryInfoPath = ""
	cfg.Content.Provider = "openai"
	cfg.Content.APIKey = "sk-test"
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), Options{Memory: true}, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"structure", "timezone", "content"}, a.Scheduler.Processors())
	require.NotNil(t, a.Planner)
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.Content.QuotaPerMinute = 30

	a, err := Build(context.Background(), cfg, Options{Memory: true}, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	rep, err := a.Scheduler.RunOnce(context.Background(), "structure")
	require.NoError(t, err)
	assert.False(t, rep.Locked)
}

func TestBuildWithoutLLMKeySkipsContent(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		t.Run(provider, func(t *testing.T) {
			cfg := testConfig()
			cfg.Content.Provider = provider
			cfg.Content.APIKey = ""

			a, err := Build(context.Background(), cfg, Options{Memory: true}, logging.Discard())
			require.NoError(t, err)
			defer a.Close()

			assert.Equal(t, []string{"structure", "timezone"}, a.Scheduler.Processors())
			require.NotNil(t, a.Planner)
			n, err := a.Backend.RetryFailed(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Content.Provider = "carrier-pigeon"

	_, err := Build(context.Background(), cfg, Options{Memory: true}, logging.Discard())
	assert.Error(t, err)
}

func TestBuildFailsWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	_, err = Build(context.Background(), cfg, Options{Memory: true}, logging.Discard())
	assert.Error(t, err)
}
