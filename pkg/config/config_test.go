package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreadstar/abhaya-sensor-android/pkg/config"
)

var meshEnv = []string{
	"MESH_IDENTITY", "MESH_DATA_DIR", "MESH_LEDGER_BACKEND", "MESH_DATABASE_URL", "MESH_TRANSPORT",
	"MESH_HTTP_BASE_URL", "MESH_COLLECT_TIMEOUT", "MESH_INBOUND_RATE", "MESH_REQUIRE_SIGNATURE",
	"MESH_REVOCATION_AUTHORITIES", "MESH_REDIS_DB", "LOG_LEVEL", "LOG_FORMAT", "OTEL_ENABLED",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	for _, k := range meshEnv {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that a node boots with no configuration at all.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "file", cfg.LedgerBackend)
	assert.Equal(t, "loopback", cfg.Transport)
	assert.Equal(t, 3*time.Second, cfg.CollectTimeout)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.RequireSignature)
	assert.False(t, cfg.OTelEnabled)
	assert.NotEmpty(t, cfg.Identity)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MESH_IDENTITY", "node-b")
	t.Setenv("MESH_LEDGER_BACKEND", "postgres")
	t.Setenv("MESH_DATABASE_URL", "postgres://mesh@db:5432/mesh")
	t.Setenv("MESH_COLLECT_TIMEOUT", "1500ms")
	t.Setenv("MESH_INBOUND_RATE", "50")
	t.Setenv("MESH_REQUIRE_SIGNATURE", "true")
	t.Setenv("MESH_REVOCATION_AUTHORITIES", "AAEC, AwQF")
	t.Setenv("MESH_REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "node-b", cfg.Identity)
	assert.Equal(t, "postgres", cfg.LedgerOptions().Backend)
	assert.Equal(t, "postgres://mesh@db:5432/mesh", cfg.LedgerOptions().DSN)
	assert.Equal(t, 1500*time.Millisecond, cfg.CollectTimeout)
	assert.Equal(t, 50.0, cfg.InboundRate)
	assert.True(t, cfg.RequireSignature)
	assert.Equal(t, 3, cfg.TransportConfig().RedisDB)
	assert.Equal(t, "DEBUG", cfg.LogLevel)

	keys, err := cfg.AuthorityKeys()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0, 1, 2}, {3, 4, 5}}, keys)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"MESH_COLLECT_TIMEOUT": "soon"}},
		{"zero timeout", map[string]string{"MESH_COLLECT_TIMEOUT": "0s"}},
		{"bad bool", map[string]string{"MESH_REQUIRE_SIGNATURE": "maybe"}},
		{"unknown backend", map[string]string{"MESH_LEDGER_BACKEND": "etcd"}},
		{"postgres without url", map[string]string{"MESH_LEDGER_BACKEND": "postgres"}},
		{"http without base url", map[string]string{"MESH_TRANSPORT": "http"}},
		{"bad authority", map[string]string{"MESH_REVOCATION_AUTHORITIES": "%%%"}},
		{"negative rate", map[string]string{"MESH_INBOUND_RATE": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_EnvWins(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity: node-a
transport: redis
redis_channel: mesh:test
collect_timeout: 750ms
require_chain_ledger: true
offer_policy: offer.signed
revocation_authorities: [AAEC]
`), 0o600))
	t.Setenv("MESH_IDENTITY", "from-env")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Identity)
	assert.Equal(t, "redis", cfg.Transport)
	assert.Equal(t, "mesh:test", cfg.RedisChannel)
	assert.Equal(t, 750*time.Millisecond, cfg.CollectTimeout)
	assert.True(t, cfg.RequireChainLedger)
	assert.Equal(t, "offer.signed", cfg.OfferPolicy)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestObservabilityConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("OTEL_ENABLED", "true")
	cfg, err := config.Load()
	require.NoError(t, err)
	oc := cfg.ObservabilityConfig("1.2.3")
	assert.True(t, oc.Enabled)
	assert.Equal(t, "1.2.3", oc.ServiceVersion)
	assert.Equal(t, "localhost:4317", oc.OTLPEndpoint)
}
