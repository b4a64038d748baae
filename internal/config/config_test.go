package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWithArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(args))
	return Load(v, "")
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := loadWithArgs(t)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "static", cfg.Discovery.Mode)
	assert.Equal(t, "roundrobin", cfg.Routing.Logic)
	assert.Equal(t, 30, cfg.Stats.EngineStatsIntervalSeconds)
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.Equal(t, int64(16), cfg.Routing.PrefixOverloadCap)
}

func TestLoadParsesPrefixOverloadCap(t *testing.T) {
	cfg, err := loadWithArgs(t, "--prefix-overload-cap=4")
	require.NoError(t, err)
	assert.Equal(t, int64(4), cfg.Routing.PrefixOverloadCap)
}

func TestLoadParsesStaticDiscoveryFlags(t *testing.T) {
	cfg, err := loadWithArgs(t,
		"--static-backends=http://a,http://b",
		"--static-models=m,m",
		"--routing-logic=session",
		"--redis-addr=localhost:6379",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Discovery.StaticBackends)
	assert.Equal(t, []string{"m", "m"}, cfg.Discovery.StaticModels)
	assert.Equal(t, "session", cfg.Routing.Logic)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestValidateRejectsMismatchedStaticLists(t *testing.T) {
	cfg, err := loadWithArgs(t, "--static-backends=http://a", "--static-models=m1,m2")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyStaticBackends(t *testing.T) {
	cfg, err := loadWithArgs(t)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownRoutingLogic(t *testing.T) {
	cfg, err := loadWithArgs(t, "--static-backends=http://a", "--static-models=m", "--routing-logic=bogus")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresPrefillAndDecodeLabelsForDisaggregated(t *testing.T) {
	cfg, err := loadWithArgs(t, "--static-backends=http://a", "--static-models=m", "--routing-logic=disaggregated_prefill")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg, err = loadWithArgs(t,
		"--static-backends=http://a", "--static-models=m",
		"--routing-logic=disaggregated_prefill",
		"--prefill-model-labels=tier=prefill",
		"--decode-model-labels=tier=decode",
	)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedStaticConfig(t *testing.T) {
	cfg, err := loadWithArgs(t, "--static-backends=http://a,http://b", "--static-models=m,m")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}
