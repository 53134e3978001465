package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.deployroot":             "server.cache.deployRoot",
			"server.cache.previewroot":            "server.cache.previewRoot",
			"server.cache.settingsroot":           "server.cache.settingsRoot",
			"server.cache.valkey.tls.cafile":      "server.cache.valkey.tls.caFile",
			"server.runtime.importpath":           "server.runtime.importPath",
			"server.runtime.checkintervalseconds": "server.runtime.checkIntervalSeconds",
			"server.hosting.apiurl":               "server.hosting.apiUrl",
			"server.hosting.projectapiurl":        "server.hosting.projectApiUrl",
			"server.hosting.computeapiurl":        "server.hosting.computeApiUrl",
			"server.hosting.defaultproject":       "server.hosting.defaultProject",
			"server.hosting.defaultregion":        "server.hosting.defaultRegion",
			"server.hosting.serviceid":            "server.hosting.serviceId",
			"server.hosting.imagerepo":            "server.hosting.imageRepo",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT ->
			// server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers skip double underscores for nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserFor picks a koanf parser from the file extension so operators can feed
// whichever format their tooling emits.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension on %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"files": map[string]any{
				"root": cfg.Server.Files.Root,
			},
			"cache": map[string]any{
				"backend":      cfg.Server.Cache.Backend,
				"deployRoot":   cfg.Server.Cache.DeployRoot,
				"previewRoot":  cfg.Server.Cache.PreviewRoot,
				"settingsRoot": cfg.Server.Cache.SettingsRoot,
				"valkey": map[string]any{
					"address":  cfg.Server.Cache.Valkey.Address,
					"username": cfg.Server.Cache.Valkey.Username,
					"password": cfg.Server.Cache.Valkey.Password,
					"db":       cfg.Server.Cache.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Valkey.TLS.CAFile,
					},
				},
			},
			"runtime": map[string]any{
				"importPath":           cfg.Server.Runtime.ImportPath,
				"checkIntervalSeconds": cfg.Server.Runtime.CheckIntervalSeconds,
			},
			"hosting": map[string]any{
				"apiUrl":         cfg.Server.Hosting.APIURL,
				"projectApiUrl":  cfg.Server.Hosting.ProjectAPIURL,
				"computeApiUrl":  cfg.Server.Hosting.ComputeAPIURL,
				"defaultProject": cfg.Server.Hosting.DefaultProject,
				"defaultRegion":  cfg.Server.Hosting.DefaultRegion,
				"serviceId":      cfg.Server.Hosting.ServiceID,
				"imageRepo":      cfg.Server.Hosting.ImageRepo,
			},
			"auth": map[string]any{
				"secret": cfg.Server.Auth.Secret,
			},
			"services": map[string]any{
				"available": cfg.Server.Services.Available,
			},
		},
	}
}
