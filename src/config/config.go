package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	cenv "github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kraw "github.com/knadh/koanf/providers/rawbytes"
	kfn "github.com/knadh/koanf/v2"
	"github.com/sandrolain/mqtt-relay/src/models"
)

// envPrefix namespaces every environment override of the relay.
const envPrefix = "MQTT_RELAY_"

// LoadEnv reads the process-level environment configuration.
func LoadEnv() (*models.EnvConfig, error) {
	envCfg := models.EnvConfig{}
	if err := cenv.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := defaults.Set(&envCfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment defaults: %w", err)
	}
	validate := validator.New()
	if err := validate.Struct(&envCfg); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return &envCfg, nil
}

// Load resolves the full relay configuration: raw content when provided,
// otherwise the configured file, with environment overrides merged on top.
func Load(envCfg *models.EnvConfig) (*models.Config, error) {
	if envCfg.ConfigContent != "" {
		slog.Info("loading configuration from content", "format", envCfg.ConfigFormat)
		return LoadContent(envCfg.ConfigContent, envCfg.ConfigFormat)
	}
	slog.Info("loading configuration file", "path", envCfg.ConfigFilePath)
	return LoadFile(envCfg.ConfigFilePath)
}

// LoadFile loads configuration from a YAML or JSON file and merges
// environment overrides. Environment variables use the prefix "MQTT_RELAY_"
// and map to keys by trimming the prefix, lowercasing, and replacing "__"
// with "." (double underscore denotes nesting).
func LoadFile(path string) (*models.Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	if _, err = os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	var parser kfn.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = kyaml.Parser()
	case ".json":
		parser = kjson.Parser()
	default:
		return nil, &UnsupportedExtensionError{Extension: ext}
	}

	k := kfn.New(".")
	if err = k.Load(kfile.Provider(absPath), parser); err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	return finalize(k)
}

// LoadContent loads configuration from raw YAML/JSON content and merges
// environment overrides. If format is empty, JSON is assumed when the
// trimmed content starts with '{'.
func LoadContent(content string, format string) (*models.Config, error) {
	trimmed := strings.TrimSpace(content)
	f := strings.ToLower(strings.TrimSpace(format))
	var parser kfn.Parser
	switch f {
	case "yaml", "yml":
		parser = kyaml.Parser()
	case "json":
		parser = kjson.Parser()
	case "":
		if strings.HasPrefix(trimmed, "{") {
			parser = kjson.Parser()
		} else {
			parser = kyaml.Parser()
		}
	default:
		return nil, &UnsupportedExtensionError{Extension: f}
	}

	k := kfn.New(".")
	if err := k.Load(kraw.Provider([]byte(content)), parser); err != nil {
		return nil, fmt.Errorf("error loading config content: %w", err)
	}

	return finalize(k)
}

func finalize(k *kfn.Koanf) (*models.Config, error) {
	loadEnv(k)

	cfg := &models.Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("error applying config defaults: %w", err)
	}
	if err := k.UnmarshalWithConf("", cfg, kfn.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv(k *kfn.Koanf) {
	// Example: MQTT_RELAY_DATABASE__DSN=postgres://...
	// Example: MQTT_RELAY_PROCESSOR__BATCH_SIZE=1000
	_ = k.Load(kenv.Provider(envPrefix, ".", func(s string) string {
		noPrefix := strings.TrimPrefix(s, envPrefix)
		noPrefix = strings.ToLower(noPrefix)
		noPrefix = strings.ReplaceAll(noPrefix, "__", ".")
		return noPrefix
	}), nil)
}

type UnsupportedExtensionError struct {
	Extension string
}

func (e *UnsupportedExtensionError) Error() string {
	return "unsupported config file extension: " + e.Extension
}
