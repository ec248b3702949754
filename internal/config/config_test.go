package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "multitenant", cfg.AgentMode)
	assert.Equal(t, 8, cfg.WebhookMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, []string{"connections", "issue_credential_v2_0", "present_proof_v2_0"}, cfg.ForwardTopics)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("AGENT_MODE", "Single")
	t.Setenv("AGENT_URL", "http://agent:8031/")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "3")
	t.Setenv("FORWARD_TOPICS", " connections , ,endorse_transaction")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, "single", cfg.AgentMode)
	assert.Equal(t, "http://agent:8031", cfg.AgentURL)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
	assert.Equal(t, []string{"connections", "endorse_transaction"}, cfg.ForwardTopics)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate_Backoff(t *testing.T) {
	cfg := Config{
		WebhookMaxAttempts: 1,
		BackoffInitial:     time.Minute,
		BackoffMax:         time.Second,
		WebhookTimeout:     time.Second,
		AgentTimeout:       time.Second,
		AgentMode:          "single",
	}
	assert.Error(t, cfg.Validate())

	cfg.BackoffMax = time.Hour
	assert.NoError(t, cfg.Validate())
}
