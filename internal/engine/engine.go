// Package engine assembles the transcription pipeline and bounds its use of
// the recognition backend.
//
// # Architecture
//
//  1. Attribute: when speakers are requested the diarization orchestrator
//     runs first — the external path transcribes turn by turn, the native
//     path makes one speaker-tagged pass, and only the ignore outcome falls
//     through to the plain pipeline below.
//  2. Segment: audio longer than the chunk limit is split at silence into
//     overlapping chunks ([audio.Segmenter]).
//  3. Infer: chunks are recognized in parallel; every backend call in the
//     process, including per-turn re-transcription, passes through one
//     global semaphore sized to the deployment's inference budget.
//  4. Merge: chunk results are stitched back in original time order with
//     overlap deduplication ([textproc.Merger]).
//  5. Correct: phonetic hotword correction, regex rules, and punctuation
//     normalisation run over the full text, every sentence, and every turn.
//  6. Polish: an optional LLM pass refines the corrected text. Polish
//     failure keeps the corrected text; only a failed primary backend call
//     fails the request.
//
// One Engine is shared by every request and streaming session of the
// process. The semaphore, not the engine, is the unit of serialisation:
// requests interleave freely around the gated backend calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/hotword"
	"github.com/skygazer42/TingWu/internal/observe"
	"github.com/skygazer42/TingWu/internal/polish"
	"github.com/skygazer42/TingWu/internal/speaker"
	"github.com/skygazer42/TingWu/internal/textproc"
	"github.com/skygazer42/TingWu/pkg/backend"
)

// ErrEmptyAudio is returned by [Engine.Transcribe] for zero-length input.
var ErrEmptyAudio = errors.New("engine: empty audio")

// rectifyTopK is how many rectification records are blended into the polish
// prompt.
const rectifyTopK = 3

// Config wires an [Engine]'s collaborators. Backend is required; every
// other field has a working zero value, with nil stages simply skipped.
type Config struct {
	// Backend is the recognition runtime. Required.
	Backend backend.Backend

	// Segmenter splits long audio into chunks. Nil uses defaults.
	Segmenter *audio.Segmenter

	// Merger stitches chunk results. Nil uses defaults.
	Merger *textproc.Merger

	// Hotwords is the shared vocabulary store. Nil disables phonetic
	// correction and hotword forwarding.
	Hotwords *hotword.Store

	// Corrector overrides the phonetic corrector derived from Hotwords.
	Corrector *hotword.Corrector

	// Rules is the regex correction stage. Nil skips it.
	Rules *hotword.Rules

	// Rectifier supplies correction history for the polish prompt. Nil
	// skips the hint.
	Rectifier *hotword.Rectifier

	// Polisher is the LLM refinement stage. Nil ignores ApplyLLM.
	Polisher *polish.Polisher

	// Orchestrator handles speaker attribution. Nil builds a default one,
	// which has no external diarizer and so only attempts the native path.
	Orchestrator *speaker.Orchestrator

	// Post normalises punctuation during the correction stage. Nil skips.
	Post *textproc.PostProcessor

	// Metrics receives pipeline instrumentation. Nil uses the package
	// default instruments.
	Metrics *observe.Metrics

	// MaxConcurrency bounds simultaneous backend inference calls across
	// the whole process. Values below 1 mean 1.
	MaxConcurrency int
}

// Engine runs transcription requests against one backend. Safe for
// concurrent use.
type Engine struct {
	backend   backend.Backend
	seg       *audio.Segmenter
	merger    *textproc.Merger
	store     *hotword.Store
	corrector *hotword.Corrector
	rules     *hotword.Rules
	rectifier *hotword.Rectifier
	polisher  *polish.Polisher
	orch      *speaker.Orchestrator
	post      *textproc.PostProcessor
	metrics   *observe.Metrics
	sem       *semaphore.Weighted
}

// New constructs an [Engine] from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("engine: backend must not be nil")
	}

	e := &Engine{
		backend:   cfg.Backend,
		seg:       cfg.Segmenter,
		merger:    cfg.Merger,
		store:     cfg.Hotwords,
		corrector: cfg.Corrector,
		rules:     cfg.Rules,
		rectifier: cfg.Rectifier,
		polisher:  cfg.Polisher,
		orch:      cfg.Orchestrator,
		post:      cfg.Post,
		metrics:   cfg.Metrics,
	}
	if e.seg == nil {
		e.seg = audio.NewSegmenter()
	}
	if e.merger == nil {
		e.merger = textproc.NewMerger()
	}
	if e.corrector == nil && e.store != nil {
		e.corrector = hotword.New(e.store)
	}
	if e.orch == nil {
		e.orch = speaker.NewOrchestrator(nil)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	n := cfg.MaxConcurrency
	if n < 1 {
		n = 1
	}
	e.sem = semaphore.NewWeighted(int64(n))
	return e, nil
}

// Info reports the identity of the underlying backend.
func (e *Engine) Info() backend.Info {
	return e.backend.Info()
}

// Capabilities reports the capability descriptor of the underlying backend.
func (e *Engine) Capabilities() backend.Capabilities {
	return e.backend.Capabilities()
}

// ─── Per-request options and results ──────────────────────────────────────────

// Options are the per-request pipeline toggles. The value is immutable for
// the duration of the request.
type Options struct {
	// WithSpeaker asks for speaker attribution via the orchestrator.
	WithSpeaker bool

	// ApplyHotword enables the phonetic correction stage.
	ApplyHotword bool

	// ApplyRules enables the regex rule stage.
	ApplyRules bool

	// ApplyLLM enables the polish stage when a polisher is configured.
	ApplyLLM bool

	// LLMRole selects the polish role; empty means the default role.
	LLMRole string

	// Hotwords are per-request surface forms merged with the stored
	// vocabulary for this call only, and forwarded to the backend.
	Hotwords []string

	// Debug attaches [Meta] to the result.
	Debug bool

	// MaxChunk and Overlap override the configured segmentation for this
	// request. Zero keeps the configured values.
	MaxChunk time.Duration
	Overlap  time.Duration

	// BackendOptions are validated upstream and forwarded verbatim to the
	// backend.
	BackendOptions map[string]any
}

// DefaultOptions returns the request defaults: corrections on, speakers and
// polish off.
func DefaultOptions() Options {
	return Options{ApplyHotword: true, ApplyRules: true}
}

// Sentence is one time-stamped span of the final transcript. Speaker fields
// are set only when attribution produced turns.
type Sentence struct {
	Text      string `json:"text"`
	StartMs   int64  `json:"start"`
	EndMs     int64  `json:"end"`
	Speaker   string `json:"speaker,omitempty"`
	SpeakerID *int   `json:"speaker_id,omitempty"`
}

// Meta is the debug view of one request: which backend ran, how the audio
// was cut, which attribution path resolved, and where the time went.
type Meta struct {
	Backend      string                `json:"backend"`
	Chunks       int                   `json:"chunks"`
	Path         string                `json:"path,omitempty"`
	StagesMs     map[string]int64      `json:"stages_ms"`
	Boundaries   []textproc.Boundary   `json:"boundaries,omitempty"`
	Placeholders []int                 `json:"placeholders,omitempty"`
	Corrections  []hotword.Applied     `json:"corrections,omitempty"`
	RuleHits     []hotword.Replacement `json:"rule_replacements,omitempty"`
}

// Transcription is the assembled result of one request.
type Transcription struct {
	// Text is the final text after every enabled stage.
	Text string `json:"text"`

	// RawText preserves the pre-correction text when correction or polish
	// changed it.
	RawText string `json:"raw_text,omitempty"`

	// Sentences are the time-stamped spans of Text.
	Sentences []Sentence `json:"sentences"`

	// SpeakerTurns and Transcript are present when attribution succeeded.
	SpeakerTurns []speaker.Turn `json:"speaker_turns,omitempty"`
	Transcript   string         `json:"transcript,omitempty"`

	// Meta is present only when the request asked for debug.
	Meta *Meta `json:"meta,omitempty"`
}

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// Transcribe runs the full pipeline over 16 kHz mono PCM samples.
//
// A failed primary backend call fails the request with the wrapped cause.
// Everything else degrades: speaker attribution falls back along its
// strategy chain, correction stages skip when unconfigured, and polish
// failure keeps the corrected text.
func (e *Engine) Transcribe(ctx context.Context, samples []int16, opts Options) (*Transcription, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}

	clock := newStageClock()

	var (
		text         string
		sentences    []backend.Sentence
		turns        []speaker.Turn
		transcript   string
		placeholders []int
		boundaries   []textproc.Boundary
		chunkCount   int
		path         string
		attributed   bool
	)

	if opts.WithSpeaker {
		att := e.orch.Attribute(ctx, semTranscriber{e}, e.request(samples, opts))
		path = string(att.Path)
		e.metrics.RecordDiarization(ctx, path)
		clock.mark("speaker")
		if att.Result != nil {
			attributed = true
			text = att.Result.Text
			sentences = att.Result.Sentences
			turns = att.Turns
			transcript = att.Transcript
			placeholders = att.Placeholders
		}
	}

	// The plain chunked pass runs when speakers were not requested or when
	// attribution resolved to ignore; either way the request still yields
	// text.
	if !attributed {
		merged, n, err := e.chunked(ctx, samples, opts)
		if err != nil {
			return nil, err
		}
		text = merged.Text
		sentences = merged.Sentences
		boundaries = merged.Boundaries
		chunkCount = n
		clock.mark("infer")
	}
	rawText := text

	var applied []hotword.Applied
	var ruleHits []hotword.Replacement
	if opts.ApplyHotword || opts.ApplyRules {
		text, applied, ruleHits = e.correct(ctx, text, sentences, turns, opts)
		if len(turns) > 0 {
			transcript = speaker.FormatTranscript(turns, true)
		}
		clock.mark("correct")
	}

	if opts.ApplyLLM && e.polisher != nil {
		text = e.polishText(ctx, text, opts)
		clock.mark("polish")
	}

	out := &Transcription{
		Text:         text,
		Sentences:    renderSentences(sentences, turns),
		SpeakerTurns: turns,
		Transcript:   transcript,
	}
	if rawText != text {
		out.RawText = rawText
	}
	if opts.Debug {
		out.Meta = &Meta{
			Backend:      e.backend.Info().Name,
			Chunks:       chunkCount,
			Path:         path,
			StagesMs:     clock.done(),
			Boundaries:   boundaries,
			Placeholders: placeholders,
			Corrections:  applied,
			RuleHits:     ruleHits,
		}
	}
	e.metrics.TranscribeDuration.Record(ctx, clock.total().Seconds())
	return out, nil
}

// chunked segments the audio, recognizes every chunk in parallel, and
// stitches the results back in original time order. Chunk sub-calls share
// the request's fate: the first failure cancels the rest and fails the
// request with the chunk index wrapped in.
func (e *Engine) chunked(ctx context.Context, samples []int16, opts Options) (textproc.Merged, int, error) {
	seg := e.seg
	if opts.MaxChunk > 0 || opts.Overlap > 0 {
		seg = seg.Derive(opts.MaxChunk, opts.Overlap)
	}
	if limit := e.backend.Capabilities().MaxInputDuration; limit > 0 && seg.MaxChunk() > limit {
		seg = seg.Derive(limit, 0)
	}
	chunks := seg.Split(samples)

	results := make([]textproc.ChunkResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() error {
			res, err := e.infer(gctx, e.request(c.Samples, opts))
			if err != nil {
				return fmt.Errorf("engine: chunk %d: %w", i, err)
			}
			results[i] = textproc.ChunkResult{
				StartMs:       c.StartMs,
				OverlapLeftMs: c.OverlapLeftMs,
				Result:        *res,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return textproc.Merged{}, 0, err
	}

	e.metrics.ChunksProcessed.Add(ctx, int64(len(chunks)),
		metric.WithAttributes(observe.Attr("backend", e.backend.Info().Name)))
	return e.merger.MergeChunks(results), len(chunks), nil
}

// infer runs one batch backend call inside the global inference semaphore.
func (e *Engine) infer(ctx context.Context, req backend.Request) (*backend.Result, error) {
	waiting := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	e.metrics.SemaphoreWait.Record(ctx, time.Since(waiting).Seconds())

	name := e.backend.Info().Name
	start := time.Now()
	res, err := e.backend.Transcribe(ctx, req)
	e.metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordBackendRequest(ctx, name, "batch", "error")
		e.metrics.RecordBackendError(ctx, name, "batch")
		return nil, err
	}
	e.metrics.RecordBackendRequest(ctx, name, "batch", "ok")
	return res, nil
}

// incremental runs one streaming backend call inside the semaphore.
func (e *Engine) incremental(ctx context.Context, frame []int16, cache backend.Cache, final bool) (*backend.Result, backend.Cache, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, cache, err
	}
	defer e.sem.Release(1)

	name := e.backend.Info().Name
	start := time.Now()
	res, next, err := e.backend.TranscribeIncremental(ctx, frame, cache, final)
	e.metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordBackendRequest(ctx, name, "stream", "error")
		e.metrics.RecordBackendError(ctx, name, "stream")
		return nil, cache, err
	}
	e.metrics.RecordBackendRequest(ctx, name, "stream", "ok")
	return res, next, nil
}

// request assembles the backend request for one slice of audio. WithSpeaker
// stays off here; the orchestrator raises it on its native-path sub-call.
func (e *Engine) request(samples []int16, opts Options) backend.Request {
	return backend.Request{
		Samples:  samples,
		Hotwords: e.hotwordList(opts),
		Options:  opts.BackendOptions,
	}
}

// hotwordList merges the stored vocabulary with the request's extra forms.
func (e *Engine) hotwordList(opts Options) []string {
	var list []string
	if e.store != nil {
		list = e.store.Snapshot().Surfaces()
	}
	return append(list, opts.Hotwords...)
}

// correct runs the enabled correction stages over the full text and keeps
// the sentence and turn views consistent with it. Returns the corrected
// text plus the full-text debug records.
func (e *Engine) correct(ctx context.Context, text string, sentences []backend.Sentence, turns []speaker.Turn, opts Options) (string, []hotword.Applied, []hotword.Replacement) {
	var applied []hotword.Applied
	var ruleHits []hotword.Replacement

	if opts.ApplyHotword && e.corrector != nil {
		res := e.corrector.Correct(text, opts.Hotwords...)
		text = res.Text
		applied = res.Applied
		e.metrics.RecordCorrections(ctx, "phonetic", len(res.Applied))
	}
	if opts.ApplyRules && e.rules != nil {
		var hits []hotword.Replacement
		text, hits = e.rules.ApplyWithInfo(text)
		ruleHits = hits
		e.metrics.RecordCorrections(ctx, "rule", len(hits))
	}
	if e.post != nil {
		text = e.post.Process(text)
	}

	fix := func(s string) string {
		if s == "" {
			return s
		}
		if opts.ApplyHotword && e.corrector != nil {
			s = e.corrector.Correct(s, opts.Hotwords...).Text
		}
		if opts.ApplyRules && e.rules != nil {
			s = e.rules.Apply(s)
		}
		if e.post != nil {
			s = e.post.Process(s)
		}
		return s
	}
	for i := range sentences {
		sentences[i].Text = fix(sentences[i].Text)
	}
	for i := range turns {
		turns[i].Text = fix(turns[i].Text)
	}
	return text, applied, ruleHits
}

// polishText refines text through the configured LLM role. The polisher
// returns the input unchanged on any failure, so this never loses text.
func (e *Engine) polishText(ctx context.Context, text string, opts Options) string {
	hints := polish.Hints{Hotwords: e.hotwordList(opts)}
	if e.rectifier != nil {
		hints.Corrections = e.rectifier.PromptContext(text, rectifyTopK)
	}

	start := time.Now()
	polished, err := e.polisher.Polish(ctx, text, opts.LLMRole, hints)
	e.metrics.PolishDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Warn("llm polish failed, keeping corrected text", slog.Any("error", err))
	}
	return polished
}

// renderSentences converts backend sentences to the response shape. When
// attribution produced turns, each sentence carries the speaker of the turn
// covering its start.
func renderSentences(in []backend.Sentence, turns []speaker.Turn) []Sentence {
	out := make([]Sentence, 0, len(in))
	ti := 0
	for _, s := range in {
		sent := Sentence{Text: s.Text, StartMs: s.StartMs, EndMs: s.EndMs}
		if len(turns) > 0 {
			for ti+1 < len(turns) && s.StartMs >= turns[ti].EndMs {
				ti++
			}
			id := turns[ti].SpeakerID
			sent.SpeakerID = &id
			sent.Speaker = turns[ti].Label
		}
		out = append(out, sent)
	}
	return out
}

// semTranscriber exposes the engine's gated inference to the speaker
// orchestrator, so per-turn and native-path calls count against the same
// concurrency budget as chunk calls.
type semTranscriber struct {
	e *Engine
}

var _ speaker.Transcriber = semTranscriber{}

func (t semTranscriber) Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error) {
	return t.e.infer(ctx, req)
}

func (t semTranscriber) Capabilities() backend.Capabilities {
	return t.e.backend.Capabilities()
}

// stageClock accumulates per-stage wall time for debug metadata.
type stageClock struct {
	start  time.Time
	last   time.Time
	stages map[string]int64
}

func newStageClock() *stageClock {
	now := time.Now()
	return &stageClock{start: now, last: now, stages: make(map[string]int64)}
}

// mark records the time since the previous mark under name.
func (c *stageClock) mark(name string) {
	now := time.Now()
	c.stages[name] = now.Sub(c.last).Milliseconds()
	c.last = now
}

func (c *stageClock) done() map[string]int64 {
	c.stages["total"] = c.total().Milliseconds()
	return c.stages
}

func (c *stageClock) total() time.Duration {
	return time.Since(c.start)
}
