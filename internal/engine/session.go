package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skygazer42/TingWu/internal/textproc"
	"github.com/skygazer42/TingWu/pkg/backend"
)

var (
	// ErrStreamingUnsupported is returned by [Engine.NewSession] when the
	// backend has no incremental mode.
	ErrStreamingUnsupported = errors.New("engine: backend does not support streaming")

	// ErrSessionClosed is returned by session calls after [Session.Close].
	ErrSessionClosed = errors.New("engine: session closed")
)

// SessionConfig carries the per-session flags set by the client's opening
// configuration message. ApplyHotword drives both correction stages of the
// finalisation pass; a non-empty Role enables LLM polish with that role.
type SessionConfig struct {
	ApplyHotword bool
	ApplySpeaker bool
	Debug        bool
	Role         string

	// Hotwords are extra surface forms for this session, merged with the
	// stored vocabulary and forwarded to the backend.
	Hotwords []string
}

// options derives the finalisation-pass request options.
func (c SessionConfig) options() Options {
	return Options{
		WithSpeaker:  c.ApplySpeaker,
		ApplyHotword: c.ApplyHotword,
		ApplyRules:   c.ApplyHotword,
		ApplyLLM:     c.Role != "",
		LLMRole:      c.Role,
		Hotwords:     c.Hotwords,
		Debug:        c.Debug,
	}
}

// StreamResult is one online answer of a streaming session. Text is the
// accumulated utterance text so far; Delta is the part this frame added.
// Online results skip the correction pipeline to keep frame latency low;
// corrections happen once, in [Session.Finalize].
type StreamResult struct {
	Text  string `json:"text"`
	Delta string `json:"delta,omitempty"`
	Final bool   `json:"is_final"`
}

// Session is one streaming recognition session. It owns the backend's
// opaque incremental cache (replaced by each call, never mutated in place),
// the rolling text merger, and the frame buffer for the finalisation pass.
//
// Feed and Finalize must be called from one goroutine at a time; Close may
// be called concurrently and cancels the session's pending backend work
// without touching other sessions.
type Session struct {
	engine *Engine
	cfg    SessionConfig

	mu     sync.Mutex
	cache  backend.Cache
	merger *textproc.StreamMerger
	frames []int16
	closed bool
	done   chan struct{}
}

// NewSession opens a streaming session. A backend without incremental
// support is rejected here, not silently degraded.
func (e *Engine) NewSession(cfg SessionConfig) (*Session, error) {
	if !e.backend.Capabilities().Streaming {
		return nil, ErrStreamingUnsupported
	}
	s := &Session{
		engine: e,
		cfg:    cfg,
		merger: textproc.NewStreamMerger(),
		done:   make(chan struct{}),
	}
	e.metrics.ActiveSessions.Add(context.Background(), 1)
	return s, nil
}

// Config returns the session's configuration.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// Feed advances the session by one audio frame and returns the coarse
// online result. The frame is also buffered for the finalisation pass.
func (s *Session) Feed(ctx context.Context, frame []int16) (StreamResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StreamResult{}, ErrSessionClosed
	}
	s.frames = append(s.frames, frame...)
	cache := s.cache
	s.mu.Unlock()

	ctx, cancel := s.sessionCtx(ctx)
	defer cancel()

	res, next, err := s.engine.incremental(ctx, frame, cache, false)
	if err != nil {
		return StreamResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StreamResult{}, ErrSessionClosed
	}
	s.cache = next
	delta := s.merger.Merge(res.Text)
	return StreamResult{Text: s.merger.FullText(), Delta: delta}, nil
}

// Finalize ends the current utterance: the online stream is flushed with
// frame (which may be empty), the buffered audio goes through the full
// offline pipeline, and the two texts are reconciled with the offline
// result favoured. The session then resets for the next utterance and
// stays open.
func (s *Session) Finalize(ctx context.Context, frame []int16) (*Transcription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.frames = append(s.frames, frame...)
	samples := s.frames
	cache := s.cache
	s.mu.Unlock()

	ctx, cancel := s.sessionCtx(ctx)
	defer cancel()

	// Flush the online pass so its tail participates in the reconcile.
	// Failures here only cost online words; the offline pass has the
	// whole utterance anyway.
	if len(frame) > 0 || cache != nil {
		res, _, err := s.engine.incremental(ctx, frame, cache, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			slog.Warn("online flush failed, finalising from offline pass only",
				slog.Any("error", err))
		} else {
			s.mu.Lock()
			s.merger.Merge(res.Text)
			s.mu.Unlock()
		}
	}

	if len(samples) == 0 {
		s.reset()
		return &Transcription{}, nil
	}

	tr, err := s.engine.Transcribe(ctx, samples, s.cfg.options())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	tr.Text = s.merger.MergeFinal(tr.Text)
	s.mu.Unlock()
	s.reset()
	return tr, nil
}

// reset clears the per-utterance state so the session can continue.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
	s.cache = nil
	s.merger.Reset()
}

// Close ends the session and cancels its pending backend work. Safe to
// call more than once and concurrently with Feed or Finalize.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.engine.metrics.ActiveSessions.Add(context.Background(), -1)
	return nil
}

// sessionCtx derives a context cancelled when either the caller's context
// ends or the session closes.
func (s *Session) sessionCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
