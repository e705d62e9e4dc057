package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/crtomo-controller/internal/inversion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.OracleTimeout())

	s := inversion.DefaultSettings()
	before := s
	cfg.Apply(&s)
	assert.Equal(t, before, s)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "crtomo.yaml")
	cfg := DefaultConfig()
	cfg.Oracle.Mode = OracleFiniteDifference
	cfg.Oracle.Workers = 3
	cfg.Inversion.LambdaFactor = 4
	cfg.Export.XLSX = "run.xlsx"
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crtomo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("oracle:\n  timeout: 30s\nlogging:\n  level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.OracleTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "localhost:50061", cfg.Oracle.Addr)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crtomo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRTOMO_DB", "/tmp/x.db")
	t.Setenv("CRTOMO_ORACLE_ADDR", "oracle:9000")
	t.Setenv("CRTOMO_LOG_LEVEL", "warn")
	t.Setenv("CRTOMO_WORKERS", "8")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.Equal(t, "oracle:9000", cfg.Oracle.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Oracle.Workers)

	t.Setenv("CRTOMO_WORKERS", "many")
	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Oracle.Mode = "magic"
	cfg.Oracle.Timeout = "soon"
	cfg.Inversion.LambdaFactor = 1
	cfg.Bounds.MinLogRho = cfg.Bounds.MaxLogRho
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"oracle mode", "oracle timeout", "lambda factor", "log rho bounds", "log format"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.Equal(t, 5*time.Minute, cfg.OracleTimeout())
}

func TestApply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inversion.LambdaFactor = 3
	cfg.Inversion.LineSearch = false
	cfg.Inversion.RMSTolerance = 0.01
	cfg.Bounds.MaxAbsPhase = 500

	s := inversion.DefaultSettings()
	cfg.Apply(&s)
	assert.Equal(t, 3.0, s.LambdaFactor)
	assert.False(t, s.LineSearch)
	assert.Equal(t, 0.01, s.Gate.RMSTolerance)
	assert.Equal(t, 500.0, s.Eval.MaxAbsPhase)
}
