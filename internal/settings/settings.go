// Package settings manages per-project server settings: the operator-supplied
// settings blob and the resolved web-app client configuration, both persisted
// through the settings cache root.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/appstage-io/appstage/internal/hosting"
	"github.com/appstage-io/appstage/internal/modulecache"
)

const (
	// settingsPath holds the operator settings; the leading dot keeps it out
	// of any serving path.
	settingsPath = ".settings.json"
	// clientConfigPath is the resolved web-app configuration deploys copy
	// into each client build.
	clientConfigPath = "firebaseConfig.json"
)

// Store reads and writes project settings through the settings cache root.
type Store struct {
	cache          *modulecache.Cache
	hosting        *hosting.Client
	defaultProject string
	logger         *slog.Logger
}

// New binds the settings root to its hosting collaborator.
func New(cache *modulecache.Cache, hostingClient *hosting.Client, defaultProject string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:          cache,
		hosting:        hostingClient,
		defaultProject: defaultProject,
		logger:         logger.With(slog.String("component", "settings")),
	}
}

// Setup persists the settings blob and materializes the project's web-app
// configuration, creating the web app when the project has none.
func (s *Store) Setup(ctx context.Context, token string, settingsBlob map[string]any, project string) error {
	if project == "" {
		project = s.defaultProject
	}
	encoded, err := json.Marshal(settingsBlob)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := s.cache.Store(ctx, settingsPath, encoded, ""); err != nil {
		return err
	}

	webAppConfig, err := s.hosting.WebAppConfig(ctx, token, project)
	if err != nil {
		return err
	}
	encodedConfig, err := json.Marshal(webAppConfig)
	if err != nil {
		return fmt.Errorf("settings: encode web app config: %w", err)
	}
	if err := s.cache.Store(ctx, clientConfigPath, encodedConfig, ""); err != nil {
		return err
	}
	s.logger.Info("setup complete", slog.String("project", project))
	return nil
}

// Status reports "OK" once setup has resolved a web-app configuration, else
// "Error" with a description of what is missing.
func (s *Store) Status(ctx context.Context) (status, description string) {
	ok, err := s.cache.Exists(ctx, clientConfigPath)
	if err != nil || !ok {
		return "Error", "Extension not set up"
	}
	return "OK", ""
}

// PreviewPassword returns the configured preview password, or an error when
// settings were never stored.
func (s *Store) PreviewPassword(ctx context.Context) (string, error) {
	raw, err := s.cache.ReadFromCache(ctx, settingsPath)
	if err != nil {
		return "", err
	}
	var blob struct {
		PreviewPassword string `json:"previewPassword"`
	}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return "", fmt.Errorf("settings: decode: %w", err)
	}
	return blob.PreviewPassword, nil
}
