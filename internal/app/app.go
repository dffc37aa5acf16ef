// Package app wires all TingWu subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Run serves the API until the context is cancelled, and
// Shutdown tears everything down in order. ApplyConfig feeds the
// hot-reloadable slice of a configuration change to the running subsystems.
//
// For testing, inject doubles via functional options (WithHotwordStore,
// WithTaskManager, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/config"
	"github.com/skygazer42/TingWu/internal/engine"
	"github.com/skygazer42/TingWu/internal/hotword"
	"github.com/skygazer42/TingWu/internal/observe"
	"github.com/skygazer42/TingWu/internal/polish"
	"github.com/skygazer42/TingWu/internal/server"
	"github.com/skygazer42/TingWu/internal/speaker"
	"github.com/skygazer42/TingWu/internal/task"
	"github.com/skygazer42/TingWu/internal/textproc"
	"github.com/skygazer42/TingWu/pkg/backend"
	"github.com/skygazer42/TingWu/pkg/llm"
)

// reloadTimeout bounds the source rebuilds and reloads one configuration
// change may trigger.
const reloadTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Backend is
// required; a nil LLM disables the polish stage. Populated by main.go via
// the config registry.
type Providers struct {
	Backend backend.Backend
	LLM     llm.Provider
}

// App owns all subsystem lifetimes and serves the transcription API.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	version   string

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	store     *hotword.Store
	corrector *hotword.Corrector
	rules     *hotword.Rules
	rectifier *hotword.Rectifier
	polisher  *polish.Polisher
	orch      *speaker.Orchestrator
	post      *textproc.PostProcessor
	engine    *engine.Engine
	tasks     *task.Manager
	server    *server.Server

	// reloadMu serialises ApplyConfig against the readiness probes and
	// Shutdown, which read the swappable fields below.
	reloadMu    sync.Mutex
	diarizer    *speaker.Client
	hotwordPool *pgxpool.Pool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger overrides the logger, which otherwise is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLogLevel hands the app the level var behind the process logger so
// configuration reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithHotwordStore injects a vocabulary store instead of building one from
// the configured sources.
func WithHotwordStore(s *hotword.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTaskManager injects a task manager instead of creating one from config.
func WithTaskManager(m *task.Manager) Option {
	return func(a *App) { a.tasks = m }
}

// WithDiarizer injects a diarizer client instead of dialing the configured
// service.
func WithDiarizer(c *speaker.Client) Option {
	return func(a *App) { a.diarizer = c }
}

// WithVersion sets the version string reported by the probes and
// GET /v1/backend.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: hotword sources are built
// and loaded, correction data files are read, the pipeline engine and task
// manager are assembled, and the HTTP server is constructed. Nothing listens
// until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Backend == nil {
		return nil, fmt.Errorf("app: a recognition backend is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = met

	// ── 2. Hotword vocabulary ────────────────────────────────────────────
	if err := a.initHotwords(ctx); err != nil {
		return nil, fmt.Errorf("app: init hotwords: %w", err)
	}

	// ── 3. Correction data ───────────────────────────────────────────────
	if err := a.initCorrectionData(); err != nil {
		return nil, fmt.Errorf("app: init correction data: %w", err)
	}

	// ── 4. Polisher ──────────────────────────────────────────────────────
	if providers.LLM != nil {
		p, err := polish.New(providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("app: init polisher: %w", err)
		}
		a.polisher = p
	}

	// ── 5. Speaker attribution ───────────────────────────────────────────
	a.initSpeaker()

	// ── 6. Pipeline engine ───────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 7. Task manager ──────────────────────────────────────────────────
	if a.tasks == nil {
		cc := cfg.Concurrency
		a.tasks = task.NewManager(task.Config{
			Workers:   cc.TaskWorkers,
			QueueSize: cc.QueueSize,
			ResultTTL: time.Duration(cc.TaskTTLSec) * time.Second,
		})
	}

	// ── 8. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 9. Queue depth gauge ─────────────────────────────────────────────
	if err := observe.RegisterQueueDepthGauge(otel.GetMeterProvider(), a.tasks.Depth); err != nil {
		return nil, fmt.Errorf("app: register queue depth gauge: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHotwords builds the vocabulary store from the configured sources and
// the corrector over it. The initial load is best-effort: a failed source
// logs a warning and leaves the empty vocabulary installed, since operators
// can retry through POST /v1/hotwords/reload.
func (a *App) initHotwords(ctx context.Context) error {
	if a.store == nil && a.cfg.Hotwords.Enabled {
		sources, pool, err := buildHotwordSources(ctx, a.cfg.Hotwords)
		if err != nil {
			return err
		}
		a.store = hotword.NewStore(a.log, sources...)
		a.hotwordPool = pool
		a.closers = append(a.closers, func() error {
			a.reloadMu.Lock()
			defer a.reloadMu.Unlock()
			if a.hotwordPool != nil {
				a.hotwordPool.Close()
			}
			return nil
		})
	}
	if a.store == nil {
		return nil
	}

	if n, err := a.store.Reload(ctx); err != nil {
		a.log.Warn("initial hotword load failed, starting with an empty vocabulary",
			slog.Any("error", err))
	} else {
		a.log.Info("hotword vocabulary loaded", slog.Int("entries", n))
	}

	var copts []hotword.Option
	if t := a.cfg.Hotwords.Threshold; t > 0 {
		copts = append(copts, hotword.WithThreshold(t))
	}
	a.corrector = hotword.New(a.store, copts...)
	return nil
}

// buildHotwordSources assembles the source list for cfg. The returned pool
// is non-nil only when a database source is configured; the caller owns
// closing it.
func buildHotwordSources(ctx context.Context, cfg config.HotwordsConfig) ([]hotword.Source, *pgxpool.Pool, error) {
	var sources []hotword.Source
	if cfg.File != "" {
		sources = append(sources, hotword.FileSource{Path: cfg.File})
	}
	if cfg.PostgresDSN == "" {
		return sources, nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect hotword database: %w", err)
	}
	src := hotword.NewPGSource(pool, hotword.WithTable(cfg.PostgresTable))
	if err := src.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return append(sources, src), pool, nil
}

// initCorrectionData loads the regex rules and the rectification history.
// Both are constructed even when their file is unset so a configuration
// reload can populate them later; the engine pins the pointers.
func (a *App) initCorrectionData() error {
	a.rules = hotword.NewRules(a.log)
	if path := a.cfg.Rules.File; path != "" {
		n, err := a.rules.LoadFile(path)
		if err != nil {
			return err
		}
		a.log.Info("correction rules loaded", slog.String("path", path), slog.Int("rules", n))
	}

	a.rectifier = hotword.NewRectifier(a.cfg.Rectify.Threshold)
	if path := a.cfg.Rectify.File; path != "" {
		n, err := a.rectifier.LoadFile(path)
		if err != nil {
			return err
		}
		a.log.Info("rectification history loaded", slog.String("path", path), slog.Int("records", n))
	}
	return nil
}

// initSpeaker builds the attribution orchestrator. With attribution
// disabled the orchestrator keeps an empty strategy order, so every request
// resolves to the ignore path.
func (a *App) initSpeaker() {
	sp := a.cfg.Speaker
	if !sp.Enabled {
		a.orch = speaker.NewOrchestrator(a.log, speaker.WithOrder())
		return
	}

	if a.diarizer == nil && sp.DiarizerURL != "" {
		a.diarizer = speaker.NewClient(sp.DiarizerURL, a.log, diarizerOptions(sp)...)
	}

	opts := []speaker.OrchestratorOption{
		speaker.WithTurnOptions(turnOptions(sp)),
	}
	if len(sp.Order) > 0 {
		opts = append(opts, speaker.WithOrder(sp.Order...))
	}
	if a.diarizer != nil {
		opts = append(opts, speaker.WithDiarizer(a.diarizer))
	}
	a.orch = speaker.NewOrchestrator(a.log, opts...)
}

// initEngine assembles the transcription pipeline around the backend.
func (a *App) initEngine() error {
	sc := a.cfg.Segmenter
	var segOpts []audio.SegmenterOption
	if sc.MaxChunkSec > 0 {
		segOpts = append(segOpts, audio.WithMaxChunk(time.Duration(sc.MaxChunkSec)*time.Second))
	}
	if sc.OverlapMs > 0 {
		segOpts = append(segOpts, audio.WithOverlap(time.Duration(sc.OverlapMs)*time.Millisecond))
	}
	if sc.SearchWindowSec > 0 {
		segOpts = append(segOpts, audio.WithSilenceWindow(time.Duration(sc.SearchWindowSec)*time.Second))
	}
	if sc.SilenceThreshold > 0 {
		segOpts = append(segOpts, audio.WithSilenceThreshold(sc.SilenceThreshold))
	}

	a.post = textproc.NewPostProcessor(postOptions(a.cfg.Postprocess))

	eng, err := engine.New(engine.Config{
		Backend:        a.providers.Backend,
		Segmenter:      audio.NewSegmenter(segOpts...),
		Merger:         textproc.NewMerger(),
		Hotwords:       a.store,
		Corrector:      a.corrector,
		Rules:          a.rules,
		Rectifier:      a.rectifier,
		Polisher:       a.polisher,
		Orchestrator:   a.orch,
		Post:           a.post,
		Metrics:        a.metrics,
		MaxConcurrency: a.cfg.Concurrency.MaxInference,
	})
	if err != nil {
		return err
	}
	a.engine = eng
	return nil
}

// initServer builds the HTTP server over the engine and task manager.
func (a *App) initServer() error {
	sp := a.cfg.Speaker

	var checkers []server.Checker
	if a.diarizer != nil {
		checkers = append(checkers, server.Checker{Name: "diarizer", Check: a.pingDiarizer})
	}
	if a.hotwordPool != nil {
		checkers = append(checkers, server.Checker{Name: "hotword_db", Check: a.pingHotwordDB})
	}

	var (
		order       []speaker.Path
		diarizerURL string
	)
	if sp.Enabled {
		order = sp.Order
		diarizerURL = sp.DiarizerURL
	}

	srv, err := server.New(server.Config{
		ListenAddr:   a.cfg.Server.ListenAddr,
		MetricsAddr:  a.cfg.Server.MetricsAddr,
		Engine:       a.engine,
		Tasks:        a.tasks,
		Store:        a.store,
		Metrics:      a.metrics,
		SpeakerOrder: order,
		DiarizerURL:  diarizerURL,
		AllowedRoles: a.cfg.LLM.Roles,
		Checkers:     checkers,
		Version:      a.version,
		Log:          a.log,
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// pingDiarizer probes the current external diarizer. Reads through the
// reload lock because ApplyConfig can swap the client.
func (a *App) pingDiarizer(ctx context.Context) error {
	a.reloadMu.Lock()
	d := a.diarizer
	a.reloadMu.Unlock()
	if d == nil {
		return nil
	}
	return d.Healthy(ctx)
}

// pingHotwordDB probes the current hotword database pool.
func (a *App) pingHotwordDB(ctx context.Context) error {
	a.reloadMu.Lock()
	pool := a.hotwordPool
	a.reloadMu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Ping(ctx)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the task workers and serves the API until ctx is cancelled,
// then returns nil. Call [App.Shutdown] afterwards to drain.
func (a *App) Run(ctx context.Context) error {
	a.tasks.Start()

	info := a.engine.Info()
	a.log.Info("app running",
		slog.String("backend", info.Name),
		slog.String("model", info.Model),
		slog.String("addr", a.cfg.Server.ListenAddr),
	)
	return a.server.Run(ctx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, stops the task workers, and tears down
// the remaining subsystems in order. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", slog.Int("closers", len(a.closers)))

		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("server shutdown error", slog.Any("error", err))
		}
		if err := a.tasks.Stop(ctx); err != nil {
			a.log.Warn("task manager stop error", slog.Any("error", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", slog.Int("remaining", len(a.closers)-i))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", slog.Int("index", i), slog.Any("error", err))
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Configuration reload ────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change to
// the running subsystems. Changes outside that slice (backend, listeners,
// concurrency) keep their current settings until a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(slogLevel(d.NewLogLevel))
			a.log.Info("log level changed", slog.String("level", string(d.NewLogLevel)))
		} else {
			a.log.Warn("log level changed but no level var is wired")
		}
	}
	if d.HotwordsChanged {
		a.applyHotwords(ctx, old.Hotwords, new.Hotwords)
	}
	if d.RulesChanged {
		a.applyRules(new.Rules)
	}
	if d.RectifyChanged {
		a.applyRectify(old.Rectify, new.Rectify)
	}
	if d.SpeakerChanged {
		a.applySpeaker(new.Speaker)
	}
	if d.PostprocessChanged {
		a.post.Update(postOptions(new.Postprocess))
		a.log.Info("postprocess settings updated")
	}

	a.cfg = new
}

// applyHotwords swaps the vocabulary sources and reloads. The corrector
// threshold is pinned by the engine at construction, so threshold and
// enablement changes only log a restart note.
func (a *App) applyHotwords(ctx context.Context, old, new config.HotwordsConfig) {
	if old.Enabled != new.Enabled || old.Threshold != new.Threshold {
		a.log.Warn("hotword enablement and threshold changes need a restart")
	}
	if a.store == nil {
		return
	}
	if old.File == new.File && old.PostgresDSN == new.PostgresDSN && old.PostgresTable == new.PostgresTable {
		return
	}

	sources, pool, err := buildHotwordSources(ctx, new)
	if err != nil {
		a.log.Error("hotword source rebuild failed, keeping previous sources",
			slog.Any("error", err))
		return
	}
	a.store.SetSources(sources...)
	if a.hotwordPool != nil {
		a.hotwordPool.Close()
	}
	a.hotwordPool = pool

	if n, err := a.store.Reload(ctx); err != nil {
		a.log.Error("hotword reload failed, keeping previous vocabulary",
			slog.Any("error", err))
	} else {
		a.log.Info("hotword vocabulary reloaded", slog.Int("entries", n))
	}
}

// applyRules rereads the rule file, or clears the rules when the file was
// removed from the config.
func (a *App) applyRules(rc config.RulesConfig) {
	if rc.File == "" {
		a.rules.Update("")
		a.log.Info("correction rules cleared")
		return
	}
	n, err := a.rules.LoadFile(rc.File)
	if err != nil {
		a.log.Error("correction rule reload failed", slog.Any("error", err))
		return
	}
	a.log.Info("correction rules reloaded", slog.String("path", rc.File), slog.Int("rules", n))
}

// applyRectify rereads the rectification history. The similarity threshold
// is pinned at construction and only logs a restart note.
func (a *App) applyRectify(old, new config.RectifyConfig) {
	if old.Threshold != new.Threshold {
		a.log.Warn("rectify threshold changes need a restart")
	}
	if old.File == new.File {
		return
	}
	if new.File == "" {
		a.rectifier.Update("")
		a.log.Info("rectification history cleared")
		return
	}
	n, err := a.rectifier.LoadFile(new.File)
	if err != nil {
		a.log.Error("rectification history reload failed", slog.Any("error", err))
		return
	}
	a.log.Info("rectification history reloaded", slog.String("path", new.File), slog.Int("records", n))
}

// applySpeaker reconfigures the attribution orchestrator in place. The
// engine holds the orchestrator pointer, so settings swap without a rebuild.
func (a *App) applySpeaker(sp config.SpeakerConfig) {
	if !sp.Enabled {
		a.diarizer = nil
		a.orch.Configure(speaker.WithDiarizer(nil), speaker.WithOrder())
		a.log.Info("speaker attribution disabled")
		return
	}

	if sp.DiarizerURL == "" {
		a.diarizer = nil
	} else {
		a.diarizer = speaker.NewClient(sp.DiarizerURL, a.log, diarizerOptions(sp)...)
	}

	order := sp.Order
	if len(order) == 0 {
		order = []speaker.Path{speaker.PathExternal, speaker.PathNative}
	}
	a.orch.Configure(
		speaker.WithDiarizer(a.diarizer),
		speaker.WithTurnOptions(turnOptions(sp)),
		speaker.WithOrder(order...),
	)
	a.log.Info("speaker attribution reconfigured", slog.Any("order", order))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// turnOptions maps the speaker configuration onto turn building parameters.
func turnOptions(sp config.SpeakerConfig) speaker.TurnOptions {
	return speaker.TurnOptions{
		GapMs:     sp.GapMs,
		MaxTurnMs: int64(sp.MaxTurnSec) * 1000,
		Style:     sp.LabelStyle,
	}
}

// diarizerOptions maps the speaker configuration onto diarizer client
// options.
func diarizerOptions(sp config.SpeakerConfig) []speaker.ClientOption {
	var opts []speaker.ClientOption
	if sp.TimeoutSec > 0 {
		opts = append(opts, speaker.WithTimeout(time.Duration(sp.TimeoutSec)*time.Second))
	}
	return opts
}

// postOptions maps the postprocess configuration onto text normalisation
// settings.
func postOptions(pc config.PostprocessConfig) textproc.PostOptions {
	return textproc.PostOptions{
		PunctStyle:   pc.PunctStyle,
		AddSpace:     pc.AddSpace,
		Fullwidth:    pc.NormalizeFullwidth,
		MergeRepeats: pc.MergeRepeats,
	}
}

// slogLevel maps a config log level onto its slog value.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
