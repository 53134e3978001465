package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds every server-level option for the app serving and release
// backend.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Files    FilesConfig    `koanf:"files"`
	Cache    CacheConfig    `koanf:"cache"`
	Runtime  RuntimeConfig  `koanf:"runtime"`
	Hosting  HostingConfig  `koanf:"hosting"`
	Auth     AuthConfig     `koanf:"auth"`
	Services ServicesConfig `koanf:"services"`
}

// AuthConfig holds the shared secret used to verify caller ID tokens. When
// empty, every request runs anonymously.
type AuthConfig struct {
	Secret string `koanf:"secret"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// FilesConfig locates the local working tree: the fast cache tier and the
// deploy checkout scratch space both live under Root.
type FilesConfig struct {
	Root string `koanf:"root"`
}

// ServerFilesDir is where the local cache tier materializes module files.
func (f FilesConfig) ServerFilesDir() string {
	return filepath.Join(f.Root, "serverFiles")
}

// SettingsFilesDir is the local tier for project settings.
func (f FilesConfig) SettingsFilesDir() string {
	return filepath.Join(f.Root, "settingsFiles")
}

// PreviewFilesDir is the local tier for the preview slot, kept apart from
// deploy artifacts so clearing one never touches the other.
func (f FilesConfig) PreviewFilesDir() string {
	return filepath.Join(f.Root, "previewFiles")
}

// DeployScratchDir hosts per-deploy checkout directories.
func (f FilesConfig) DeployScratchDir() string {
	return filepath.Join(f.Root, "deploy")
}

// CacheConfig selects the remote blob tier and the key roots carved out of it.
type CacheConfig struct {
	Backend      string       `koanf:"backend"`
	DeployRoot   string       `koanf:"deployRoot"`
	PreviewRoot  string       `koanf:"previewRoot"`
	SettingsRoot string       `koanf:"settingsRoot"`
	Valkey       ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig points the remote tier at a valkey/redis deployment.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RuntimeConfig locates the shared server runtime module and bounds how often
// its canonical source is re-checked for staleness.
type RuntimeConfig struct {
	ImportPath           string `koanf:"importPath"`
	CheckIntervalSeconds int    `koanf:"checkIntervalSeconds"`
}

// HostingConfig identifies the hosting and compute provider endpoints plus the
// identity this instance deploys as.
type HostingConfig struct {
	APIURL         string `koanf:"apiUrl"`
	ProjectAPIURL  string `koanf:"projectApiUrl"`
	ComputeAPIURL  string `koanf:"computeApiUrl"`
	DefaultProject string `koanf:"defaultProject"`
	DefaultRegion  string `koanf:"defaultRegion"`
	ServiceID      string `koanf:"serviceId"`
	ImageRepo      string `koanf:"imageRepo"`
}

// ServicesConfig switches individual server surfaces on or off, mirroring the
// comma-separated SERVICES list the container accepts.
type ServicesConfig struct {
	Available string `koanf:"available"`
}

// Has reports whether a named surface (app, admin, preview, install) is
// enabled.
func (s ServicesConfig) Has(name string) bool {
	for _, svc := range strings.Split(s.Available, ",") {
		if strings.EqualFold(strings.TrimSpace(svc), name) {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline every load starts from.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Files:   FilesConfig{Root: filepath.Join(os.TempDir(), "appstage")},
			Cache: CacheConfig{
				Backend:      "memory",
				DeployRoot:   "deployCache",
				PreviewRoot:  "previewCache",
				SettingsRoot: "settings",
			},
			Runtime: RuntimeConfig{
				ImportPath:           "https://appstage.io/lib",
				CheckIntervalSeconds: 60,
			},
			Hosting: HostingConfig{
				APIURL:        "https://firebasehosting.googleapis.com/v1beta1",
				ProjectAPIURL: "https://firebase.googleapis.com/v1beta1",
				ComputeAPIURL: "https://run.googleapis.com/v2",
				DefaultRegion: "europe-west2",
				ServiceID:     "appstage-server",
				ImageRepo:     "docker.io/appstage/appstage-server",
			},
			Services: ServicesConfig{Available: "app, admin, preview, install"},
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Cache.Backend)) {
	case "", "memory":
	case "valkey", "redis":
		if c.Server.Cache.Valkey.Address == "" {
			return errors.New("config: valkey backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}
	if c.Server.Files.Root == "" {
		return errors.New("config: files root required")
	}
	if c.Server.Runtime.CheckIntervalSeconds < 0 {
		return errors.New("config: runtime check interval must not be negative")
	}
	return nil
}
