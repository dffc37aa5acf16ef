package speaker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/pkg/backend"
)

// Path names the strategy that produced (or declined) speaker attribution.
type Path string

const (
	// PathExternal means the external diarizer segmented the audio and each
	// turn was transcribed individually.
	PathExternal Path = "external"

	// PathNative means the backend's own speaker support was used.
	PathNative Path = "native"

	// PathIgnore means no strategy was viable; the request completed as a
	// plain transcription. This is success, not an error.
	PathIgnore Path = "ignore"
)

// Transcriber is the slice of the engine the orchestrator recognises audio
// through. The engine passes itself, so per-turn and native-path calls
// inherit the inference semaphore and metrics.
type Transcriber interface {
	Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error)
	Capabilities() backend.Capabilities
}

// Attribution is the outcome of one attribution attempt. Result is nil when
// Path is [PathIgnore]; the caller then falls back to plain transcription.
type Attribution struct {
	Path       Path
	Result     *backend.Result
	Turns      []Turn
	Transcript string

	// Placeholders lists indices of turns whose per-turn transcription
	// failed after a retry and were left with empty text.
	Placeholders []int
}

// OrchestratorOption is a functional option for configuring an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithDiarizer wires the external diarizer client. Without one the external
// path is never attempted.
func WithDiarizer(c *Client) OrchestratorOption {
	return func(o *Orchestrator) {
		o.diarizer = c
	}
}

// WithTurnOptions sets the turn-building parameters.
func WithTurnOptions(opts TurnOptions) OrchestratorOption {
	return func(o *Orchestrator) {
		o.turnOpts = opts
	}
}

// WithOrder sets the strategy priority. [PathIgnore] is always the implicit
// terminal state and need not be listed. Default: external, native.
func WithOrder(order ...Path) OrchestratorOption {
	return func(o *Orchestrator) {
		o.order = order
	}
}

// Orchestrator decides how speaker attribution happens for a request: the
// external diarizer first, the backend's native support second, and plain
// transcription when neither is viable. The order is configuration, not a
// hardcoded preference, and can change at runtime through
// [Orchestrator.Configure].
type Orchestrator struct {
	mu       sync.RWMutex
	diarizer *Client
	turnOpts TurnOptions
	order    []Path

	log *slog.Logger
}

// NewOrchestrator constructs an [Orchestrator] with the supplied options.
func NewOrchestrator(log *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		order: []Path{PathExternal, PathNative},
		log:   log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Configure reapplies options on a live orchestrator when the speaker
// configuration changes at runtime. In-flight attributions keep the settings
// they started with.
func (o *Orchestrator) Configure(opts ...OrchestratorOption) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, opt := range opts {
		opt(o)
	}
}

// snapshot returns the settings one attribution attempt runs with.
func (o *Orchestrator) snapshot() (*Client, TurnOptions, []Path) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.diarizer, o.turnOpts, o.order
}

// Attribute runs the attribution state machine over req.Samples. Failures
// inside a strategy move to the next one; exhausting every strategy returns
// an [Attribution] with [PathIgnore] and no result, never an error.
func (o *Orchestrator) Attribute(ctx context.Context, t Transcriber, req backend.Request) Attribution {
	diarizer, turnOpts, order := o.snapshot()
	for _, p := range order {
		switch p {
		case PathExternal:
			if diarizer == nil {
				continue
			}
			att, err := o.external(ctx, t, req, diarizer, turnOpts)
			if err != nil {
				o.log.Warn("external diarization failed, trying next strategy",
					slog.Any("error", err))
				continue
			}
			return att

		case PathNative:
			caps := t.Capabilities()
			if !caps.Speaker {
				continue
			}
			if caps.MaxInputDuration > 0 && audio.Duration(len(req.Samples)) > caps.MaxInputDuration {
				o.log.Warn("audio exceeds backend input limit, skipping native speaker path",
					slog.Duration("limit", caps.MaxInputDuration))
				continue
			}
			att, err := o.native(ctx, t, req, turnOpts)
			if err != nil {
				o.log.Warn("native speaker path failed, trying next strategy",
					slog.Any("error", err))
				continue
			}
			return att
		}
	}
	return Attribution{Path: PathIgnore}
}

// external diarizes the audio, builds turns, and transcribes each turn's
// slice individually with speaker attribution off. A turn whose call fails
// twice keeps an empty-text placeholder instead of failing the request.
func (o *Orchestrator) external(ctx context.Context, t Transcriber, req backend.Request, diarizer *Client, turnOpts TurnOptions) (Attribution, error) {
	segs, err := diarizer.Diarize(ctx, req.Samples)
	if err != nil {
		return Attribution{}, err
	}
	norm := NormalizeSegments(segs, audio.DurationMs(len(req.Samples)))
	if len(norm) == 0 {
		return Attribution{}, fmt.Errorf("speaker: diarizer returned no usable segments")
	}

	turns := BuildTurns(norm, turnOpts)
	att := Attribution{Path: PathExternal, Turns: turns}

	var text strings.Builder
	sentences := make([]backend.Sentence, 0, len(turns))
	for i := range turns {
		turnText, ok := o.transcribeTurn(ctx, t, req, turns[i])
		if !ok {
			if ctx.Err() != nil {
				return Attribution{}, ctx.Err()
			}
			att.Placeholders = append(att.Placeholders, i)
		}
		turns[i].Text = turnText
		text.WriteString(turnText)
		sentences = append(sentences, backend.Sentence{
			Text:    turnText,
			StartMs: turns[i].StartMs,
			EndMs:   turns[i].EndMs,
			Speaker: turns[i].SpeakerID,
		})
	}

	att.Result = &backend.Result{Text: text.String(), Sentences: sentences}
	att.Transcript = FormatTranscript(turns, true)
	return att, nil
}

// transcribeTurn recognises one turn's audio slice, retrying once.
func (o *Orchestrator) transcribeTurn(ctx context.Context, t Transcriber, req backend.Request, turn Turn) (string, bool) {
	start := min(audio.MsToSamples(turn.StartMs), len(req.Samples))
	end := min(audio.MsToSamples(turn.EndMs), len(req.Samples))
	if start >= end {
		return "", false
	}

	sub := req
	sub.Samples = req.Samples[start:end]
	sub.WithSpeaker = false

	for attempt := 0; attempt < 2; attempt++ {
		res, err := t.Transcribe(ctx, sub)
		if err == nil {
			return res.Text, true
		}
		if ctx.Err() != nil {
			return "", false
		}
		o.log.Warn("turn transcription failed",
			slog.Int("attempt", attempt+1),
			slog.Int64("turn_start_ms", turn.StartMs),
			slog.Any("error", err))
	}
	return "", false
}

// native runs one full recognition pass with speaker attribution on and
// builds turns from the backend's own speaker-tagged sentences.
func (o *Orchestrator) native(ctx context.Context, t Transcriber, req backend.Request, turnOpts TurnOptions) (Attribution, error) {
	sub := req
	sub.WithSpeaker = true
	res, err := t.Transcribe(ctx, sub)
	if err != nil {
		return Attribution{}, err
	}
	if len(res.Sentences) == 0 {
		return Attribution{}, fmt.Errorf("speaker: backend returned no speaker-tagged sentences")
	}

	segs := make([]Segment, 0, len(res.Sentences))
	for _, s := range res.Sentences {
		segs = append(segs, Segment{Speaker: s.Speaker, StartMs: s.StartMs, EndMs: s.EndMs})
	}
	norm := NormalizeSegments(segs, 0)
	turns := BuildTurns(norm, turnOpts)
	if len(turns) == 0 {
		return Attribution{}, fmt.Errorf("speaker: no turns from native sentences")
	}

	// Attach sentence text to the turn whose span holds its start.
	ti := 0
	texts := make([]strings.Builder, len(turns))
	for _, s := range res.Sentences {
		for ti+1 < len(turns) && s.StartMs >= turns[ti].EndMs {
			ti++
		}
		texts[ti].WriteString(s.Text)
	}
	for i := range turns {
		turns[i].Text = texts[i].String()
	}

	return Attribution{
		Path:       PathNative,
		Result:     res,
		Turns:      turns,
		Transcript: FormatTranscript(turns, true),
	}, nil
}
