package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name    string `validate:"required"`
	Period  time.Duration
	Origins []string
	Nested  struct {
		Port int `validate:"gt=0"`
	}
}

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig_MergesOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "name: base\nperiod: 5s\norigins: [\"a\"]\nnested:\n  port: 80\n")
	override := writeFile(t, dir, "override.yaml", "name: override\n")
	t.Setenv("TASKFARM_NESTED_PORT", "8080")

	var config testConfig
	_, err := LoadConfig(&config, dir, []string{override})
	require.NoError(t, err)

	assert.Equal(t, "override", config.Name)
	assert.Equal(t, 5*time.Second, config.Period)
	assert.Equal(t, []string{"a"}, config.Origins)
	assert.Equal(t, 8080, config.Nested.Port)
	assert.NoError(t, Validate(config))
}

func TestLoadConfig_MissingDefault(t *testing.T) {
	var config testConfig
	_, err := LoadConfig(&config, t.TempDir(), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	err := Validate(testConfig{})
	require.Error(t, err)
	LogValidationErrors(err)
}

func TestCommaSeparatedSliceHook(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "name: x\norigins: \"http://a, http://b\"\nnested:\n  port: 1\n")

	var config testConfig
	_, err := LoadConfig(&config, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, config.Origins)
}

func TestRedisConfig(t *testing.T) {
	rc := RedisConfig{
		Addrs:       []string{"redis-0:6379", "redis-1:6379"},
		MasterName:  "farm",
		DB:          2,
		PoolSize:    20,
		DialTimeout: time.Second,
	}
	require.NoError(t, Validate(rc))
	opts := rc.AsUniversalOptions()
	assert.Equal(t, rc.Addrs, opts.Addrs)
	assert.Equal(t, "farm", opts.MasterName)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)

	assert.Error(t, Validate(RedisConfig{}))
}
