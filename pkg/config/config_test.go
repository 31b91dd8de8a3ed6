package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askrdb/askr/pkg/txn"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.DataDir)
	assert.Equal(t, 256, cfg.Database.PlanCacheSize)
	assert.Equal(t, txn.ReadCommitted, cfg.DefaultIsolation())
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "askr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  data_dir: /tmp/from-file
  plan_cache_size: 32
query:
  max_rows: 500
  timeout: 5s
txn:
  default_isolation: serializable
`), 0o644))

	t.Setenv("ASKR_DATA_DIR", "/tmp/from-env")
	t.Setenv("ASKR_QUERY_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Env wins over file; file wins over defaults.
	assert.Equal(t, "/tmp/from-env", cfg.Database.DataDir)
	assert.Equal(t, 2*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 32, cfg.Database.PlanCacheSize)
	assert.Equal(t, int64(500), cfg.Query.MaxRows)
	assert.Equal(t, txn.Serializable, cfg.DefaultIsolation())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Txn.DefaultIsolation = "chaos"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.PlanCacheSize = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.WALPath = "/tmp/x.wal"
	require.Error(t, cfg.Validate())
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("ASKR_QUERY_MAX_ROWS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ASKR_QUERY_MAX_ROWS")
}
