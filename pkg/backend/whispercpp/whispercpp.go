// Package whispercpp provides a Backend implementation backed by the
// whisper.cpp CGO bindings, eliminating HTTP overhead entirely. The
// whisper.cpp static library (libwhisper.a) and headers (whisper.h) must be
// available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.
//
// The model is loaded once at construction and shared across all calls; each
// call creates its own whisper context, because contexts are not safe for
// concurrent use while the model is.
//
// whisper.cpp is a batch decoder with no incremental state, so streaming is
// simulated: each incremental call re-decodes the session's accumulated audio
// window and reports the text that extends what the previous call produced.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/skygazer42/TingWu/pkg/backend"
)

const (
	defaultLanguage = "zh"

	// sampleRate is the PCM rate of backend.Request.Samples and also the only
	// rate whisper.cpp accepts.
	sampleRate = 16000

	// defaultMaxWindow bounds the audio a streaming session re-decodes per
	// frame. Audio beyond it is dropped from the front of the window, which
	// matches whisper's own 30 s context length.
	defaultMaxWindow = 30 * time.Second
)

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "zh",
// "en", "auto"). Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithTranslate enables whisper's translate-to-English mode.
func WithTranslate(translate bool) Option {
	return func(b *Backend) { b.translate = translate }
}

// WithMaxWindow sets the maximum accumulated audio window for streaming
// sessions. Defaults to 30 s.
func WithMaxWindow(d time.Duration) Option {
	return func(b *Backend) { b.maxWindow = d }
}

// Backend implements backend.Backend using the whisper.cpp Go bindings. It
// is safe for concurrent use.
type Backend struct {
	model     whisperlib.Model
	modelPath string
	language  string
	translate bool
	maxWindow time.Duration
}

// New creates a Backend that loads the whisper.cpp model from the given file
// path. The model is loaded once and shared across all concurrent calls. The
// caller must call Close when the backend is no longer needed.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	b := &Backend{
		model:     model,
		modelPath: modelPath,
		language:  defaultLanguage,
		maxWindow: defaultMaxWindow,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close releases the whisper model. Must be called when the backend is no
// longer needed. Calling Close more than once is safe.
func (b *Backend) Close() error {
	if b.model == nil {
		return nil
	}
	err := b.model.Close()
	b.model = nil
	return err
}

// Info identifies this backend for logging and the info endpoint.
func (b *Backend) Info() backend.Info {
	return backend.Info{Name: "whispercpp", Model: b.modelPath}
}

// Capabilities reports simulated streaming support. whisper.cpp has no
// speaker model, and input length is unbounded because the decoder windows
// long audio internally.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Streaming: true}
}

// Transcribe decodes the audio in a fresh whisper context and returns the
// text with one sentence span per whisper segment. Hotwords are passed as
// the initial prompt, which biases the decoder vocabulary. WithSpeaker is
// ignored.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}
	text, sentences, err := b.decode(req.Samples, req.Hotwords)
	if err != nil {
		return nil, err
	}
	return &backend.Result{Text: text, Sentences: sentences}, nil
}

// streamState is the opaque incremental cache: the accumulated audio window
// plus the text decoded from it on the previous call.
type streamState struct {
	window []int16
	text   string
}

// TranscribeIncremental appends the frame to the session's audio window,
// re-decodes the whole window, and returns the portion of text that extends
// the previous decode. When the decoder revises earlier output the full new
// text is returned instead and the stream merger upstream absorbs the
// overlap. A nil cache starts a fresh window.
func (b *Backend) TranscribeIncremental(ctx context.Context, frame []int16, cache backend.Cache, final bool) (*backend.Result, backend.Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, cache, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	prev := &streamState{}
	if cache != nil {
		s, ok := cache.(*streamState)
		if !ok {
			return nil, cache, fmt.Errorf("whispercpp: unexpected cache type %T", cache)
		}
		prev = s
	}

	window := make([]int16, 0, len(prev.window)+len(frame))
	window = append(window, prev.window...)
	window = append(window, frame...)

	prevText := prev.text
	maxSamples := int(b.maxWindow.Milliseconds()) * sampleRate / 1000
	if maxSamples > 0 && len(window) > maxSamples {
		window = window[len(window)-maxSamples:]
		// The trimmed window no longer decodes to an extension of the old
		// text, so delta detection starts over.
		prevText = ""
	}

	text, _, err := b.decode(window, nil)
	if err != nil {
		return nil, cache, err
	}

	delta := extendDelta(prevText, text)
	next := &streamState{window: window, text: text}
	if final {
		next = &streamState{}
	}
	return &backend.Result{Text: delta}, backend.Cache(next), nil
}

// decode runs one whisper.cpp inference over the samples and collects the
// segment texts and timestamps. Each call creates a new context; contexts
// are not thread-safe, but the model can be shared across goroutines.
func (b *Backend) decode(samples []int16, hotwords []string) (string, []backend.Sentence, error) {
	if len(samples) == 0 {
		return "", nil, nil
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return "", nil, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(b.language); err != nil {
		return "", nil, fmt.Errorf("whispercpp: set language %q: %w", b.language, err)
	}
	wctx.SetTranslate(b.translate)
	if len(hotwords) > 0 {
		wctx.SetInitialPrompt(strings.Join(hotwords, ", "))
	}

	if err := wctx.Process(samplesToFloat32(samples), nil, nil, nil); err != nil {
		return "", nil, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var (
		parts     []string
		sentences []backend.Sentence
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		sentences = append(sentences, backend.Sentence{
			Text:    text,
			StartMs: segment.Start.Milliseconds(),
			EndMs:   segment.End.Milliseconds(),
		})
	}

	return strings.Join(parts, " "), sentences, nil
}

// extendDelta returns the part of text that extends prevText. When text does
// not extend the previous decode (the decoder revised earlier output) the
// full text is returned and the caller's stream merger absorbs the overlap.
func extendDelta(prevText, text string) string {
	if prevText != "" && strings.HasPrefix(text, prevText) {
		return strings.TrimSpace(text[len(prevText):])
	}
	return text
}

// samplesToFloat32 converts 16-bit PCM samples to float32 normalised to the
// range [-1.0, 1.0], the format whisper.cpp expects.
func samplesToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
