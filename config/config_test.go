package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
mysql:
  master: "root:root@tcp(127.0.0.1:3306)/ticketsync"
ledger:
  rpc_url: "http://127.0.0.1:8545"
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
reconcile:
  lock_backend: redis
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, uint64(5000), cfg.Ledger.BackfillChunk)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, 30*time.Second, cfg.Kafka.ReplayDelay)
	assert.Equal(t, LockBackendRedis, cfg.Reconcile.LockBackend)
	assert.Equal(t, "@every 10m", cfg.Reconcile.SupplySchedule)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TICKETSYNC_LEDGER_RPC_URL", "http://node:8545")
	t.Setenv("TICKETSYNC_SERVER_PORT", "9090")

	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "http://node:8545", cfg.Ledger.RPCURL)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	bad := *cfg
	bad.Ledger.ContractAddress = ""
	bad.Ingest.Workers = 0
	bad.Reconcile.LockBackend = "zookeeper"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.contract_address")
	assert.Contains(t, err.Error(), "ingest.workers")
	assert.Contains(t, err.Error(), "zookeeper")

	kafka := *cfg
	kafka.Kafka.Enabled = true
	kafka.Kafka.Brokers = nil
	assert.Error(t, kafka.Validate())
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Len(t, cfg.Redis.LockAddresses, 3)
}
