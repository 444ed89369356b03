package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testYAML = `
database:
  dsn: "sqlite://file::memory:"
mqtt:
  address: localhost:1883
processor:
  batch_size: 250
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", testYAML)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite://file::memory:", cfg.Database.DSN)
	require.Equal(t, "localhost:1883", cfg.MQTT.Address)
	require.Equal(t, 250, cfg.Processor.BatchSize)

	// untouched keys keep their defaults
	require.Equal(t, "+/+/+", cfg.MQTT.Topic)
	require.Equal(t, 5, cfg.Processor.MaxAttempts)
	require.Equal(t, time.Minute, cfg.Processor.RetryBackoff)
	require.Equal(t, 10, cfg.Database.MaxOpenConns)
}

func TestLoadFileEnvOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", testYAML)

	t.Setenv("MQTT_RELAY_PROCESSOR__BATCH_SIZE", "42")
	t.Setenv("MQTT_RELAY_MQTT__ADDRESS", "broker:8883")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 42, cfg.Processor.BatchSize)
	require.Equal(t, "broker:8883", cfg.MQTT.Address)
}

func TestLoadFileUnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "config.toml", "x = 1")

	_, err := LoadFile(path)
	require.Error(t, err)
	var extErr *UnsupportedExtensionError
	require.ErrorAs(t, err, &extErr)
	require.Equal(t, ".toml", extErr.Extension)
}

func TestLoadContentAutoDetect(t *testing.T) {
	cfg, err := LoadContent(`{"database":{"dsn":"sqlite://:memory:"},"mqtt":{"address":"localhost:1883"}}`, "")
	require.NoError(t, err)
	require.Equal(t, "sqlite://:memory:", cfg.Database.DSN)

	cfg, err = LoadContent(testYAML, "")
	require.NoError(t, err)
	require.Equal(t, "localhost:1883", cfg.MQTT.Address)
}

func TestLoadContentValidation(t *testing.T) {
	// missing required database.dsn
	_, err := LoadContent(`mqtt: {address: "localhost:1883"}`, "yaml")
	require.Error(t, err)
}
