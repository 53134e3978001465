// Package release runs the deploy pipeline: validate, check out source, write
// manifests, diff content against the hosting provider, upload what is
// missing, store server artifacts, then finalize and release.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/appstage-io/appstage/internal/checkout"
	"github.com/appstage-io/appstage/internal/config"
	"github.com/appstage-io/appstage/internal/digest"
	"github.com/appstage-io/appstage/internal/hosting"
	"github.com/appstage-io/appstage/internal/httperr"
	"github.com/appstage-io/appstage/internal/metrics"
	"github.com/appstage-io/appstage/internal/modulecache"
)

// assetDir is the one client subdirectory that is shared assets rather than
// an app, so it gets no SPA rewrite.
const assetDir = "files"

// latestCommitPath is the marker entry symbolic-version dispatches resolve
// through.
const latestCommitPath = "latestCommit"

// Options carries one deploy request.
type Options struct {
	GitRepoURL    string
	Username      string
	Project       string
	FirebaseToken string
	GitHubToken   string
}

// Pipeline executes deploys. One Pipeline serves all requests; every deploy
// gets its own scratch directory.
type Pipeline struct {
	hosting     *hosting.Client
	cloner      checkout.Cloner
	deployCache *modulecache.Cache
	cfg         config.HostingConfig
	runtimeURL  string
	scratchDir  string
	recorder    *metrics.Recorder
	logger      *slog.Logger
}

// New assembles a deploy pipeline.
func New(hostingClient *hosting.Client, cloner checkout.Cloner, deployCache *modulecache.Cache, cfg config.HostingConfig, runtimeURL, scratchDir string, recorder *metrics.Recorder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		hosting:     hostingClient,
		cloner:      cloner,
		deployCache: deployCache,
		cfg:         cfg,
		runtimeURL:  runtimeURL,
		scratchDir:  scratchDir,
		recorder:    recorder,
		logger:      logger.With(slog.String("component", "release")),
	}
}

// Deploy runs the whole pipeline and returns the provider's release object.
func (p *Pipeline) Deploy(ctx context.Context, opts Options) (result json.RawMessage, err error) {
	started := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		p.recorder.ObserveDeploy(outcome, time.Since(started))
	}()

	project, err := p.validate(opts)
	if err != nil {
		return nil, err
	}

	siteID, err := p.hosting.DefaultSite(ctx, opts.FirebaseToken, project)
	if err != nil {
		return nil, err
	}
	webAppConfig, err := p.hosting.WebAppConfig(ctx, opts.FirebaseToken, project)
	if err != nil {
		return nil, err
	}
	versionName, err := p.hosting.CreateVersion(ctx, opts.FirebaseToken, siteID)
	if err != nil {
		return nil, err
	}

	checkoutDir := filepath.Join(p.scratchDir, "deploy_"+uuid.NewString())
	defer os.RemoveAll(checkoutDir)

	fullCommit, err := p.cloner.Clone(ctx, checkout.Options{
		RepoURL:     opts.GitRepoURL,
		Username:    opts.Username,
		AccessToken: opts.GitHubToken,
		Dir:         checkoutDir,
	})
	if err != nil {
		return nil, err
	}
	commitID := checkout.ShortCommit(fullCommit)
	deployTime := time.Now().UTC().Format(time.RFC3339)
	p.logger.Info("deploying", slog.String("repo", opts.GitRepoURL), slog.String("commit", commitID))

	distDir := filepath.Join(checkoutDir, "dist")
	clientDir := filepath.Join(distDir, "client")
	if err := p.writeManifests(clientDir, commitID, deployTime, webAppConfig); err != nil {
		return nil, err
	}

	digests, err := digest.Tree(ctx, clientDir)
	if err != nil {
		return nil, err
	}
	uploadURL, requiredHashes, err := p.hosting.PopulateFiles(ctx, opts.FirebaseToken, versionName, digest.Hashes(digests))
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hash := range requiredHashes {
		g.Go(func() error {
			fd, ok := digest.ByHash(digests, hash)
			if !ok {
				return fmt.Errorf("release: provider requested unknown hash %s", hash)
			}
			if err := p.hosting.UploadFile(gctx, opts.FirebaseToken, uploadURL, hash, fd.Gzipped); err != nil {
				return fmt.Errorf("release: upload %s: %w", fd.RelativePath, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return p.storeServerArtifacts(gctx, opts.GitRepoURL, commitID, deployTime, distDir)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.recorder.AddUploadedFiles(len(requiredHashes))

	siteConfig, err := p.siteConfig(clientDir, distDir)
	if err != nil {
		return nil, err
	}
	if err := p.hosting.Finalize(ctx, opts.FirebaseToken, versionName, siteConfig); err != nil {
		return nil, err
	}
	releaseResult, err := p.hosting.Release(ctx, opts.FirebaseToken, siteID, versionName)
	if err != nil {
		return nil, err
	}

	if err := p.deployCache.Store(ctx, latestCommitPath, []byte(commitID), ""); err != nil {
		return nil, err
	}
	p.logger.Info("deploy released", slog.String("commit", commitID), slog.String("version", versionName))
	return releaseResult, nil
}

func (p *Pipeline) validate(opts Options) (project string, err error) {
	if opts.GitRepoURL == "" {
		return "", httperr.Validation("Git URL")
	}
	if opts.FirebaseToken == "" {
		return "", httperr.Validation("Google access token")
	}
	if opts.GitHubToken == "" {
		return "", httperr.Validation("GitHub access token")
	}
	project = opts.Project
	if project == "" {
		project = p.cfg.DefaultProject
	}
	if project == "" {
		return "", httperr.Validation("Firebase Project")
	}
	return project, nil
}

// writeManifests materializes the version manifest and resolved web-app
// config into the client output so they ride the same diff and upload as the
// built files.
func (p *Pipeline) writeManifests(clientDir, commitID, deployTime string, webAppConfig map[string]any) error {
	if info, err := os.Stat(clientDir); err != nil || !info.IsDir() {
		return httperr.Validation("Client build output (dist/client)")
	}
	versionData, err := json.MarshalIndent(map[string]string{
		"commitId":   commitID,
		"deployTime": deployTime,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("release: encode version manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(clientDir, "version"), versionData, 0o644); err != nil {
		return fmt.Errorf("release: write version manifest: %w", err)
	}
	configData, err := json.MarshalIndent(webAppConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("release: encode web app config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(clientDir, "firebaseConfig.json"), configData, 0o644); err != nil {
		return fmt.Errorf("release: write web app config: %w", err)
	}
	return nil
}

// storeServerArtifacts writes the version info entry, every built server
// module and a freshly fetched shared runtime into the deploy cache under the
// commit id. A build with no server directory is a client-only deploy, not an
// error.
func (p *Pipeline) storeServerArtifacts(ctx context.Context, gitRepoURL, commitID, deployTime, distDir string) error {
	versionInfo, err := json.Marshal(map[string]string{
		"gitRepoUrl": gitRepoURL,
		"commitId":   commitID,
		"deployTime": deployTime,
	})
	if err != nil {
		return fmt.Errorf("release: encode version info: %w", err)
	}
	if err := p.deployCache.Store(ctx, commitID+"/versionInfo", versionInfo, ""); err != nil {
		return err
	}

	serverDir := filepath.Join(distDir, "server")
	if info, err := os.Stat(serverDir); err != nil || !info.IsDir() {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.deployCache.StoreFromSource(ctx, p.runtimeURL, commitID+"/server/serverRuntime.cjs")
	})
	err = filepath.WalkDir(serverDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(distDir, path)
		if err != nil {
			return err
		}
		cachePath := commitID + "/" + filepath.ToSlash(rel)
		g.Go(func() error {
			contents, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("release: read server artifact %s: %w", path, err)
			}
			return p.deployCache.Store(ctx, cachePath, contents, "")
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("release: walk server artifacts: %w", err)
	}
	return g.Wait()
}

// siteConfig assembles the serving configuration finalized with the version:
// the compute-service rewrite, per-app SPA rewrites, the default-app redirect
// and revalidating cache headers.
func (p *Pipeline) siteConfig(clientDir, distDir string) (hosting.SiteConfig, error) {
	rewrites := []hosting.Rewrite{{
		Glob: "/@(capi|admin|preview|install)/**",
		Run:  &hosting.RunTarget{ServiceID: p.cfg.ServiceID, Region: p.cfg.DefaultRegion},
	}}

	entries, err := os.ReadDir(clientDir)
	if err != nil {
		return hosting.SiteConfig{}, fmt.Errorf("release: read client dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != assetDir {
			rewrites = append(rewrites, hosting.Rewrite{
				Glob: "/" + entry.Name() + "/**",
				Path: "/" + entry.Name() + "/index.html",
			})
		}
	}

	var redirects []hosting.Redirect
	if raw, err := os.ReadFile(filepath.Join(distDir, "projectInfo.json")); err == nil {
		var projectInfo struct {
			Apps []string `json:"apps"`
		}
		if err := json.Unmarshal(raw, &projectInfo); err == nil && len(projectInfo.Apps) > 0 {
			defaultApp := strings.TrimPrefix(projectInfo.Apps[0], "/")
			redirects = append(redirects, hosting.Redirect{
				Glob:       "/",
				StatusCode: http.StatusMovedPermanently,
				Location:   "/" + defaultApp,
			})
		}
	}

	return hosting.SiteConfig{
		Rewrites:  rewrites,
		Redirects: redirects,
		Headers: []hosting.Header{{
			Glob:    "**/**",
			Headers: map[string]string{"Cache-Control": "public,max-age=0,must-revalidate"},
		}},
		TrailingSlashBehavior: "REMOVE",
	}, nil
}
