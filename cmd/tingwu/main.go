// Command tingwu is the main entry point for the TingWu transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/skygazer42/TingWu/internal/app"
	"github.com/skygazer42/TingWu/internal/config"
	"github.com/skygazer42/TingWu/internal/observe"
	"github.com/skygazer42/TingWu/internal/resilience"
	"github.com/skygazer42/TingWu/pkg/backend"
	"github.com/skygazer42/TingWu/pkg/backend/funasr"
	"github.com/skygazer42/TingWu/pkg/backend/googlespeech"
	backendmock "github.com/skygazer42/TingWu/pkg/backend/mock"
	"github.com/skygazer42/TingWu/pkg/backend/whispercpp"
	"github.com/skygazer42/TingWu/pkg/llm"
	"github.com/skygazer42/TingWu/pkg/llm/anyllm"
	openaillm "github.com/skygazer42/TingWu/pkg/llm/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tingwu: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tingwu: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	slog.Info("tingwu starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Logging.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "tingwu",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with TingWu. Used for startup logging.
var builtinProviders = map[string][]string{
	"backend": {"funasr", "whispercpp", "googlespeech", "mock"},
	"llm":     {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// registerBuiltinProviders wires all built-in factories into reg. Each factory
// receives its config section and constructs the implementation from the real
// provider packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Recognition backends ──────────────────────────────────────────────────

	reg.RegisterBackend(config.BackendFunASR, func(c config.BackendConfig) (backend.Backend, error) {
		var opts []funasr.Option
		if c.FunASR.Model != "" {
			opts = append(opts, funasr.WithModel(c.FunASR.Model))
		}
		if c.FunASR.APIKey != "" {
			opts = append(opts, funasr.WithAPIKey(c.FunASR.APIKey))
		}
		if c.FunASR.TimeoutSec > 0 {
			opts = append(opts, funasr.WithTimeout(time.Duration(c.FunASR.TimeoutSec)*time.Second))
		}
		return funasr.New(c.FunASR.ServerURL, opts...)
	})

	reg.RegisterBackend(config.BackendWhisperCpp, func(c config.BackendConfig) (backend.Backend, error) {
		var opts []whispercpp.Option
		if c.WhisperCpp.Language != "" {
			opts = append(opts, whispercpp.WithLanguage(c.WhisperCpp.Language))
		}
		if c.WhisperCpp.Translate {
			opts = append(opts, whispercpp.WithTranslate(true))
		}
		return whispercpp.New(c.WhisperCpp.ModelPath, opts...)
	})

	reg.RegisterBackend(config.BackendGoogleSpeech, func(c config.BackendConfig) (backend.Backend, error) {
		var opts []googlespeech.Option
		if c.GoogleSpeech.Language != "" {
			opts = append(opts, googlespeech.WithLanguage(c.GoogleSpeech.Language))
		}
		if c.GoogleSpeech.Model != "" {
			opts = append(opts, googlespeech.WithModel(c.GoogleSpeech.Model))
		}
		if c.GoogleSpeech.MinSpeakers > 0 || c.GoogleSpeech.MaxSpeakers > 0 {
			opts = append(opts, googlespeech.WithSpeakerRange(c.GoogleSpeech.MinSpeakers, c.GoogleSpeech.MaxSpeakers))
		}
		return googlespeech.New(context.Background(), opts...)
	})

	// mock runs without external services; useful for smoke-testing the API
	// surface during local development.
	reg.RegisterBackend(config.BackendMock, func(config.BackendConfig) (backend.Backend, error) {
		return &backendmock.Backend{
			Caps: backend.Capabilities{Streaming: true},
		}, nil
	})

	// ── LLM providers ─────────────────────────────────────────────────────────
	// openai goes through the native SDK. anthropic, gemini and the rest share
	// the any-llm pattern: optional API key + optional BaseURL.

	reg.RegisterLLM("openai", func(c config.LLMConfig) (llm.Provider, error) {
		keyEnv := c.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		var opts []openaillm.Option
		if c.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(c.BaseURL))
		}
		return openaillm.New(os.Getenv(keyEnv), c.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(c config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKeyEnv != "" {
				if key := os.Getenv(c.APIKeyEnv); key != "" {
					opts = append(opts, anyllmlib.WithAPIKey(key))
				}
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(providerName, c.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.New("ollama", c.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the recognition backend and the optional LLM
// provider named in cfg and returns them in an [app.Providers] struct for the
// application to consume. Configured fallbacks are wrapped in failover groups
// with per-entry circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	b, err := reg.CreateBackend(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", cfg.Backend.Kind, err)
	}
	ps.Backend = b
	slog.Info("provider created", "kind", "backend", "name", cfg.Backend.Kind)

	if fk := cfg.Backend.FallbackKind; fk != "" {
		fbCfg := cfg.Backend
		fbCfg.Kind = fk
		fbCfg.FallbackKind = ""
		fb, err := reg.CreateBackend(fbCfg)
		if err != nil {
			return nil, fmt.Errorf("create fallback backend %q: %w", fk, err)
		}
		group := resilience.NewBackendFallback(b, string(cfg.Backend.Kind), resilience.FallbackConfig{})
		group.AddFallback(string(fk), fb)
		ps.Backend = group
		slog.Info("backend failover enabled", "primary", cfg.Backend.Kind, "fallback", fk)
	}

	if name := cfg.LLM.Provider; name != "" {
		p, err := reg.CreateLLM(cfg.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider — transcript polish disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if fb := cfg.LLM.Fallback; fb != nil && ps.LLM != nil {
		fp, err := reg.CreateLLM(config.LLMConfig{
			Provider:  fb.Provider,
			Model:     fb.Model,
			BaseURL:   fb.BaseURL,
			APIKeyEnv: fb.APIKeyEnv,
		})
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", fb.Provider, err)
		}
		group := resilience.NewLLMFallback(ps.LLM, cfg.LLM.Provider, resilience.FallbackConfig{})
		group.AddFallback(fb.Provider, fp)
		ps.LLM = group
		slog.Info("llm failover enabled", "primary", cfg.LLM.Provider, "fallback", fb.Provider)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          TingWu — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Backend", backendSummary(cfg.Backend))
	if cfg.LLM.Provider != "" {
		printEntry("LLM polish", cfg.LLM.Provider+" / "+cfg.LLM.Model)
	} else {
		printEntry("LLM polish", "(disabled)")
	}
	printEntry("Hotwords", hotwordSummary(cfg.Hotwords))
	printEntry("Speaker", speakerSummary(cfg.Speaker))
	printEntry("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.MetricsAddr != "" {
		printEntry("Metrics addr", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// backendSummary renders the "kind / model" cell for the active backend.
func backendSummary(bc config.BackendConfig) string {
	switch bc.Kind {
	case config.BackendFunASR:
		if bc.FunASR.Model != "" {
			return string(bc.Kind) + " / " + bc.FunASR.Model
		}
	case config.BackendWhisperCpp:
		if bc.WhisperCpp.ModelPath != "" {
			return string(bc.Kind) + " / " + filepath.Base(bc.WhisperCpp.ModelPath)
		}
	case config.BackendGoogleSpeech:
		if bc.GoogleSpeech.Model != "" {
			return string(bc.Kind) + " / " + bc.GoogleSpeech.Model
		}
	}
	return string(bc.Kind)
}

func hotwordSummary(hc config.HotwordsConfig) string {
	if !hc.Enabled {
		return "(disabled)"
	}
	switch {
	case hc.File != "" && hc.PostgresDSN != "":
		return "file + postgres"
	case hc.PostgresDSN != "":
		return "postgres"
	case hc.File != "":
		return "file: " + filepath.Base(hc.File)
	}
	return "enabled, no sources"
}

func speakerSummary(sc config.SpeakerConfig) string {
	if !sc.Enabled {
		return "(disabled)"
	}
	if len(sc.Order) == 0 {
		return "external, native"
	}
	parts := make([]string, len(sc.Order))
	for i, p := range sc.Order {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar stays wired into
// the handler so configuration reloads can adjust verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	switch level {
	case config.LogDebug:
		lvl.Set(slog.LevelDebug)
	case config.LogWarn:
		lvl.Set(slog.LevelWarn)
	case config.LogError:
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}
