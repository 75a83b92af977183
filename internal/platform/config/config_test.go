package config

import (
	"testing"
	"time"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults are valid in development", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, "configs/policies.yaml", cfg.Access.PolicyFile)
		assert.Equal(t, 10*time.Minute, cfg.Redis.CacheTTL)
		assert.Empty(t, cfg.Kafka.Brokers)
		assert.False(t, cfg.Access.BreakGlassFailClosed)
	})

	t.Run("overrides are parsed", func(t *testing.T) {
		t.Setenv("MEDGUARD_ADDR", ":9090")
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
		t.Setenv("REDIS_READ_TIMEOUT", "750ms")
		t.Setenv("BREAK_GLASS_FAIL_CLOSED", "true")

		cfg, err := FromEnv()
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 750*time.Millisecond, cfg.Redis.ReadTimeout)
		assert.True(t, cfg.Access.BreakGlassFailClosed)
	})

	t.Run("malformed values are all reported", func(t *testing.T) {
		t.Setenv("REDIS_POOL_SIZE", "many")
		t.Setenv("REDIS_DIAL_TIMEOUT", "soon")

		_, err := FromEnv()
		require.Error(t, err)
		errs, ok := err.(errsx.Map)
		require.True(t, ok, "expected errsx.Map")
		assert.Contains(t, errs, "REDIS_POOL_SIZE")
		assert.Contains(t, errs, "REDIS_DIAL_TIMEOUT")
	})

	t.Run("development secrets refused in production", func(t *testing.T) {
		t.Setenv("MEDGUARD_ENV", "production")

		_, err := FromEnv()
		require.Error(t, err)
		errs, ok := err.(errsx.Map)
		require.True(t, ok, "expected errsx.Map")
		assert.Contains(t, errs, "JWT_SIGNING_KEY")
		assert.Contains(t, errs, "ENCRYPTION_MASTER_SECRET")
	})
}

func TestValidate(t *testing.T) {
	t.Run("kafka brokers need a topic", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		cfg.Kafka.Brokers = []string{"k1:9092"}
		cfg.Kafka.Topic = ""

		errs, ok := cfg.Validate().(errsx.Map)
		require.True(t, ok)
		assert.Contains(t, errs, "KAFKA_SECURITY_TOPIC")
	})

	t.Run("short keys rejected", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		cfg.Auth.JWTSigningKey = "short"

		errs, ok := cfg.Validate().(errsx.Map)
		require.True(t, ok)
		assert.Contains(t, errs, "JWT_SIGNING_KEY")
	})
}
