package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/skygazer42/TingWu/pkg/backend"
)

// BackendFallback implements [backend.Backend] with automatic failover across
// multiple recognition backends. Each backend has its own circuit breaker.
//
// Batch transcription fails over per call. Streaming is different: the cache a
// backend mints is meaningless to any other backend, so a session is pinned to
// whichever backend served its first frame and later frames never migrate. If
// the pinned backend fails mid-session the error surfaces to the caller, which
// can start a fresh session (and thereby fail over).
type BackendFallback struct {
	group *FallbackGroup[backend.Backend]
}

// Compile-time interface assertion.
var _ backend.Backend = (*BackendFallback)(nil)

// pinnedCache wraps a backend's streaming cache together with the name of the
// entry that minted it.
type pinnedCache struct {
	name  string
	inner backend.Cache
}

// incrementalOut bundles the two results of TranscribeIncremental for use
// with the generic execute helpers.
type incrementalOut struct {
	res  *backend.Result
	next backend.Cache
}

// NewBackendFallback creates a [BackendFallback] with primary as the preferred
// backend.
func NewBackendFallback(primary backend.Backend, primaryName string, cfg FallbackConfig) *BackendFallback {
	return &BackendFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend as a fallback. Fallbacks should
// match the primary's capabilities; a capability the fallback lacks degrades
// per call (for example a batch-only fallback rejects streaming sessions).
func (f *BackendFallback) AddFallback(name string, b backend.Backend) {
	f.group.AddFallback(name, b)
}

// Backends returns the backend names in failover order.
func (f *BackendFallback) Backends() []string {
	return f.group.Names()
}

// Info returns the primary backend's identity.
func (f *BackendFallback) Info() backend.Info {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Info()
	}
	return backend.Info{}
}

// Capabilities returns the capabilities of the primary. This does not
// participate in failover because capabilities are static metadata.
func (f *BackendFallback) Capabilities() backend.Capabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return backend.Capabilities{}
}

// Transcribe runs the request against the first healthy backend. If the
// primary fails, subsequent fallbacks are tried.
func (f *BackendFallback) Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error) {
	return ExecuteWithResult(f.group, func(b backend.Backend) (*backend.Result, error) {
		return b.Transcribe(ctx, req)
	})
}

// TranscribeIncremental advances a streaming session. A nil cache starts a
// fresh session on the first healthy backend; a non-nil cache routes the frame
// to the backend that owns the session.
func (f *BackendFallback) TranscribeIncremental(ctx context.Context, frame []int16, cache backend.Cache, final bool) (*backend.Result, backend.Cache, error) {
	if cache == nil {
		return f.startIncremental(ctx, frame, final)
	}

	pc, ok := cache.(pinnedCache)
	if !ok {
		return nil, cache, fmt.Errorf("resilience: unexpected cache type %T", cache)
	}
	out, err := executeOn(f.group, pc.name, func(b backend.Backend) (incrementalOut, error) {
		res, next, err := b.TranscribeIncremental(ctx, frame, pc.inner, final)
		return incrementalOut{res: res, next: next}, err
	})
	if err != nil {
		return nil, cache, err
	}
	return out.res, pinnedCache{name: pc.name, inner: out.next}, nil
}

// startIncremental serves the first frame of a session, trying entries in
// failover order and pinning the session to whichever one answers.
func (f *BackendFallback) startIncremental(ctx context.Context, frame []int16, final bool) (*backend.Result, backend.Cache, error) {
	var lastErr error
	for i := range f.group.entries {
		entry := &f.group.entries[i]
		var out incrementalOut
		err := entry.breaker.Execute(func() error {
			res, next, err := entry.value.TranscribeIncremental(ctx, frame, nil, final)
			out = incrementalOut{res: res, next: next}
			return err
		})
		if err == nil {
			return out.res, pinnedCache{name: entry.name, inner: out.next}, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend (circuit open)", "backend", entry.name)
		} else {
			slog.Warn("backend failed to start session, trying next",
				"backend", entry.name, "error", err)
		}
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
