package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "c29tZV9zZWNyZXQ="

func TestLoad(t *testing.T) {
	tcases := []struct {
		name string
		env  map[string]string
		err  bool
	}{
		{
			name: "valid config",
			env:  map[string]string{"GOCHAT_AUTH_SIGNING_KEY": testKey},
			err:  false,
		},
		{
			name: "empty address",
			env:  map[string]string{"GOCHAT_AUTH_SIGNING_KEY": testKey, "GOCHAT_SERVER_ADDR": ""},
			err:  true,
		},
		{
			name: "empty DSN",
			env:  map[string]string{"GOCHAT_AUTH_SIGNING_KEY": testKey, "GOCHAT_DATABASE_DSN": ""},
			err:  true,
		},
		{
			name: "empty redis address",
			env:  map[string]string{"GOCHAT_AUTH_SIGNING_KEY": testKey, "GOCHAT_REDIS_ADDRESS": ""},
			err:  true,
		},
		{
			name: "empty signing key",
			env:  map[string]string{},
			err:  true,
		},
		{
			name: "invalid signing key",
			env:  map[string]string{"GOCHAT_AUTH_SIGNING_KEY": "invalid_base64"},
			err:  true,
		},
		{
			name: "invalid read limit",
			env:  map[string]string{"GOCHAT_AUTH_SIGNING_KEY": testKey, "GOCHAT_RATELIMIT_READ_LIMIT": "0"},
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load("")
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			require.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, "localhost:8000", cfg.Server.Addr, "expected default server address")
			assert.Equal(t, []byte("some_secret"), cfg.Auth.Key, "expected signing key to be decoded")
			assert.NotEmpty(t, cfg.Server.InstanceID, "expected instance id to be generated")
			assert.Equal(t, 5*time.Second, cfg.Hub.OpTimeout, "expected default op timeout")
			assert.Equal(t, 20, cfg.RateLimit.ReadLimit, "expected default read limit")
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9000"
  instance_id: "node-a"
  allowed_origins:
    - http://localhost:3000
auth:
  signing_key: "c29tZV9zZWNyZXQ="
hub:
  send_queue_size: 8
presence:
  retry_max: 3s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GOCHAT_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "node-a", cfg.Server.InstanceID)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 8, cfg.Hub.SendQueueSize)
	assert.Equal(t, 3*time.Second, cfg.Presence.RetryMax)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis:6379", cfg.Redis.Address, "expected env to override file")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "expected error for missing explicit config file")
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: testKey,
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
