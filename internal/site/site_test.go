package site

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/config"
	"github.com/any-hub/cachegate/internal/network"
)

func staticFetcher(site config.SiteConfig) network.Fetcher {
	return network.FetcherFunc(func(ctx context.Context, req *network.Request) (*network.Response, error) {
		if req.URL.Path == "/broken.css" {
			return &network.Response{Status: http.StatusInternalServerError, Header: http.Header{}}, nil
		}
		return &network.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"text/plain"}},
			Body:   []byte(site.Name + ":" + req.URL.Path),
		}, nil
	})
}

func testConfig(backend, dir string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			StorageBackend:      backend,
			StoragePath:         dir,
			Codec:               "msgpack",
			MaxRetries:          1,
			InitialBackoff:      config.Duration(time.Millisecond),
			UpstreamTimeout:     config.Duration(time.Second),
			NetworkTimeout:      config.Duration(time.Second),
			PrecacheConcurrency: 2,
			RefreshWorkers:      1,
			RefreshQueueSize:    4,
		},
		Sites: []config.SiteConfig{
			{Name: "docs", Domain: "docs.local", Origin: "https://docs.example.com", Version: "v1", Manifest: []string{"/", "/app.css"}},
			{Name: "shop", Domain: "shop.local", Origin: "https://shop.example.com", Version: "v9", Manifest: []string{"/"}},
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBuildAndDeployAcrossBackends(t *testing.T) {
	for _, backend := range []string{config.StorageMemory, config.StorageFS, config.StorageBolt} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(backend, t.TempDir())
			set, err := Build(cfg, quietLogger(), WithFetcher(staticFetcher))
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			defer set.Close()

			if err := set.DeployConfigured(ctx); err != nil {
				t.Fatalf("deploy: %v", err)
			}
			docs, ok := set.Get("docs")
			if !ok {
				t.Fatalf("docs runtime missing")
			}
			status := docs.Deployer.Status()
			if status.Version != "v1" || status.State != "activated" {
				t.Fatalf("unexpected status %+v", status)
			}
			keys, err := docs.Storage.ListKeys(ctx, "static-v1")
			if err != nil || len(keys) != 2 {
				t.Fatalf("expected 2 precached entries, got %v err=%v", keys, err)
			}
			shop, _ := set.Get("shop")
			if names, _ := shop.Storage.ListPartitionNames(ctx); len(names) != 3 {
				t.Fatalf("shop namespace should only hold its own partitions, got %v", names)
			}
		})
	}
}

func TestFileBackendIsolatesSites(t *testing.T) {
	dir := t.TempDir()
	set, err := Build(testConfig(config.StorageFS, dir), quietLogger(), WithFetcher(staticFetcher))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer set.Close()
	if err := set.DeployConfigured(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "docs", "static-v1", "*"))
	if len(matches) != 2 {
		t.Fatalf("expected docs entries under its own directory, got %v", matches)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "shop", "static-v9", "*")); len(matches) != 1 {
		t.Fatalf("expected shop entries under its own directory, got %v", matches)
	}
}

func TestDeployConfiguredReportsFailuresPerSite(t *testing.T) {
	cfg := testConfig(config.StorageMemory, "")
	cfg.Sites[0].Manifest = []string{"/", "/broken.css"}
	set, err := Build(cfg, quietLogger(), WithFetcher(staticFetcher))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer set.Close()

	if err := set.DeployConfigured(context.Background()); err == nil {
		t.Fatalf("expected docs deploy to fail")
	}
	docs, _ := set.Get("docs")
	if docs.Deployer.Active() != nil {
		t.Fatalf("failed site should stay in passthrough mode")
	}
	shop, _ := set.Get("shop")
	if shop.Deployer.Status().State != "activated" {
		t.Fatalf("other sites should still deploy")
	}

	res, err := docs.Deployer.Handle(context.Background(), mustRequest(t, "https://docs.example.com/app.css"))
	if err != nil || string(res.Response.Body) != "docs:/app.css" {
		t.Fatalf("passthrough request failed: %+v err=%v", res, err)
	}
}

func TestRuntimeDeployFallsBackToConfiguredManifest(t *testing.T) {
	ctx := context.Background()
	set, err := Build(testConfig(config.StorageMemory, ""), quietLogger(), WithFetcher(staticFetcher))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer set.Close()

	docs, _ := set.Get("docs")
	if err := docs.Deploy(ctx, "v2", nil); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if keys, _ := docs.Storage.ListKeys(ctx, "static-v2"); len(keys) != 2 {
		t.Fatalf("expected configured manifest to be precached, got %v", keys)
	}
}

func mustRequest(t *testing.T, raw string) *network.Request {
	t.Helper()
	req, err := network.NewRequest(http.MethodGet, raw, nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req
}
