package app_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skygazer42/TingWu/internal/app"
	"github.com/skygazer42/TingWu/internal/config"
	"github.com/skygazer42/TingWu/internal/hotword"
	backendmock "github.com/skygazer42/TingWu/pkg/backend/mock"
)

// testConfig returns a config that binds an ephemeral port and touches no
// external services.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Hotwords.Enabled = false
	cfg.Hotwords.File = ""
	cfg.Speaker.Enabled = false
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{Backend: &backendmock.Backend{}}
}

// writeLines writes content to a file under the test temp dir and returns
// its path.
func writeLines(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithVersion("test"),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("New() with no backend should fail")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("New() with nil providers should fail")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Run in background.
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to bind the listener.
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApplyConfig_LogLevel(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig()

	application, err := app.New(context.Background(), old, testProviders(),
		app.WithLogLevel(level),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	updated := *old
	updated.Logging.Level = config.LogDebug
	application.ApplyConfig(old, &updated)

	if got := level.Level(); got != slog.LevelDebug {
		t.Fatalf("level after reload = %v, want %v", got, slog.LevelDebug)
	}
}

func TestApplyConfig_SwapsHotwordSources(t *testing.T) {
	t.Parallel()

	fileA := writeLines(t, "a.txt", "阿里巴巴\n通义实验室\n")
	fileB := writeLines(t, "b.txt", "深度学习\n语音识别\n说话人分离\n")

	old := testConfig()
	old.Hotwords.Enabled = true
	old.Hotwords.File = fileA

	store := hotword.NewStore(nil, hotword.FileSource{Path: fileA})
	application, err := app.New(context.Background(), old, testProviders(),
		app.WithHotwordStore(store),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if got := store.Snapshot().Len(); got != 2 {
		t.Fatalf("entries after init = %d, want 2", got)
	}

	updated := *old
	updated.Hotwords.File = fileB
	application.ApplyConfig(old, &updated)

	if got := store.Snapshot().Len(); got != 3 {
		t.Fatalf("entries after reload = %d, want 3", got)
	}
}

func TestApplyConfig_NoChanges(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	cfg := testConfig()

	application, err := app.New(context.Background(), cfg, testProviders(),
		app.WithLogLevel(level),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	same := *cfg
	application.ApplyConfig(cfg, &same)

	if got := level.Level(); got != slog.LevelWarn {
		t.Fatalf("level after no-op reload = %v, want %v", got, slog.LevelWarn)
	}
}
