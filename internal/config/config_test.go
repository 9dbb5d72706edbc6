package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		// viper 对显式指定的缺失文件报错，回退到无文件加载
		cfg, err = Load("")
	}
	require.NoError(t, err)
	assert.Equal(t, "ev-central", cfg.App.Name)
	assert.Equal(t, ":7400", cfg.TCP.Addr)
	assert.Equal(t, 8192, cfg.TCP.MaxFrameBytes)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enable)
	assert.Equal(t, 1024, cfg.Events.QueueSize)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	content := []byte(`
app:
  name: ev-central-test
tcp:
  addr: ":9400"
weather:
  enabled: true
  thresholdCelsius: -2.5
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ev-central-test", cfg.App.Name)
	assert.Equal(t, ":9400", cfg.TCP.Addr)
	assert.True(t, cfg.Weather.Enabled)
	assert.Equal(t, -2.5, cfg.Weather.ThresholdCelsius)
	// 未覆盖的键保持默认
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	content := []byte(`
charging_points:
  - id: CP-001
    city: madrid
    price_per_kwh: 0.45
  - id: CP-002
    city: valencia
    price_per_kwh: 0.38
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	sf, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, sf.ChargingPoints, 2)
	assert.Equal(t, "CP-001", sf.ChargingPoints[0].ID)
	assert.Equal(t, 0.45, sf.ChargingPoints[0].PricePerKWh)
}

func TestLoadSeedMissingFile(t *testing.T) {
	sf, err := LoadSeed(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, sf.ChargingPoints)
}

func TestLoadSeedRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("charging_points:\n  - city: nowhere\n"), 0o600))
	_, err := LoadSeed(path)
	assert.Error(t, err)
}
