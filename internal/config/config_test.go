package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpsync/internal/shared"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ERP_BASE_URL", "https://erp.example.com/api/v1")
	t.Setenv("ERP_API_ID", "42")
	t.Setenv("ERP_API_KEY", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", c.Env)
	assert.Equal(t, 30*time.Second, c.ERP.Timeout)
	assert.Equal(t, "sqlite", c.Storage.Driver)
	assert.Equal(t, "data/erpsync.db", c.Storage.Path)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "@every 1m", c.Sync.ReplaySchedule)
	assert.True(t, c.Sync.AdoptExisting)

	rc := c.RetryConfig()
	assert.Equal(t, 3, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.BaseDelay)
	assert.Equal(t, 10*time.Second, rc.MaxDelay)
	assert.True(t, rc.UseExponentialBackoff)
	assert.Equal(t, shared.NewKindSet(shared.KindNetwork, shared.KindServer), rc.RetryableKinds)
	assert.NoError(t, rc.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RETRY_MAX_RETRIES", "5")
	t.Setenv("RETRY_BASE_DELAY", "200ms")
	t.Setenv("RETRY_MAX_DELAY", "2s")
	t.Setenv("RETRY_EXPONENTIAL", "false")
	t.Setenv("RETRY_RETRYABLE_KINDS", "network, unknown")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost/erpsync")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	c, err := Load()
	require.NoError(t, err)
	rc := c.RetryConfig()
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, rc.BaseDelay)
	assert.False(t, rc.UseExponentialBackoff)
	assert.Equal(t, shared.NewKindSet(shared.KindNetwork, shared.KindUnknown), rc.RetryableKinds)
	assert.Equal(t, "postgres", c.Storage.Driver)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing api key", map[string]string{"ERP_API_KEY": ""}},
		{"bad base url", map[string]string{"ERP_BASE_URL": "not a url"}},
		{"bad duration", map[string]string{"RETRY_BASE_DELAY": "soon"}},
		{"bad int", map[string]string{"RETRY_MAX_RETRIES": "three"}},
		{"negative retries", map[string]string{"RETRY_MAX_RETRIES": "-1"}},
		{"max below base", map[string]string{"RETRY_BASE_DELAY": "5s", "RETRY_MAX_DELAY": "1s"}},
		{"unknown kind", map[string]string{"RETRY_RETRYABLE_KINDS": "NETWORK,FLAKY"}},
		{"postgres without dsn", map[string]string{"STORAGE_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"STORAGE_DRIVER": "mysql"}},
		{"telegram token without chats", map[string]string{"TELEGRAM_BOT_TOKEN": "1:abc"}},
		{"bad env", map[string]string{"ENV": "staging"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
