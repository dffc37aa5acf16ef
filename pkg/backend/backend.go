// Package backend defines the adapter interface between the transcription
// core and concrete speech-recognition runtimes.
//
// A backend wraps one inference runtime — a remote FunASR-style HTTP
// service, local whisper.cpp bindings, a cloud speech API — behind a
// uniform blocking contract. The core never assumes anything about a
// backend beyond this contract plus the [Capabilities] descriptor it
// publishes: capability-driven dispatch replaces type inspection, so a
// deployment selects exactly one backend per process and the rest of the
// pipeline adapts to what it can do.
//
// Implementations must be safe for concurrent use. The engine serialises
// inference through its own semaphore, but health probes and the info
// endpoint may call Info and Capabilities at any time.
package backend

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by optional operations a backend does not
// implement, such as TranscribeIncremental on a batch-only backend.
var ErrNotSupported = errors.New("backend: operation not supported")

// Backend is the abstraction over any speech-recognition runtime.
type Backend interface {
	// Info identifies the backend for logging and the info endpoint.
	Info() Info

	// Capabilities returns the static capability descriptor. It must be
	// cheap and must return the same value for the lifetime of the backend.
	Capabilities() Capabilities

	// Transcribe runs one blocking recognition pass over the request audio.
	// It may take seconds for long inputs; callers bound it with ctx.
	Transcribe(ctx context.Context, req Request) (*Result, error)

	// TranscribeIncremental advances a streaming session by one audio
	// frame. The cache argument is the opaque state returned by the
	// previous call, or nil for a fresh session; the returned cache
	// replaces it. A final frame flushes the session. Backends whose
	// capabilities do not include streaming return [ErrNotSupported].
	TranscribeIncremental(ctx context.Context, frame []int16, cache Cache, final bool) (*Result, Cache, error)
}
