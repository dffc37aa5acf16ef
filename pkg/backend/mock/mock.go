// Package mock provides a test double for the backend.Backend interface.
//
// Use Backend in unit tests to feed controlled transcription results without
// a live recognizer and to inspect the requests the caller made. Response
// fields are consumed in order from Queue when it is non-empty, otherwise
// every call returns Result.
//
// Example:
//
//	b := &mock.Backend{
//	    Result: &backend.Result{Text: "你好"},
//	    Caps:   backend.Capabilities{Speaker: true, Streaming: true},
//	}
//	res, _ := b.Transcribe(ctx, backend.Request{Samples: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/skygazer42/TingWu/pkg/backend"
)

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// IncrementalCall records a single invocation of TranscribeIncremental.
type IncrementalCall struct {
	// Frame is a copy of the samples passed in.
	Frame []int16
	// Cache is the cache value the caller passed in.
	Cache backend.Cache
	// Final is the final flag of the call.
	Final bool
}

// Backend is a mock implementation of backend.Backend.
// Zero values for response fields cause methods to return empty results and
// nil errors. Set Err to inject errors.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Name and Model are returned by Info. Name defaults to "mock".
	Name  string
	Model string

	// Caps is returned by Capabilities.
	Caps backend.Capabilities

	// Result is returned by Transcribe when Queue is empty. Nil yields an
	// empty result.
	Result *backend.Result

	// Queue is a sequence of results consumed front-to-back by successive
	// Transcribe calls. When exhausted, Result takes over.
	Queue []*backend.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// IncrementalResult is returned by every TranscribeIncremental call. Nil
	// yields an empty result.
	IncrementalResult *backend.Result

	// IncrementalErr, if non-nil, is returned as the error from
	// TranscribeIncremental.
	IncrementalErr error

	// --- Call records (read after test) ---

	// TranscribeCalls records every Transcribe request in order.
	TranscribeCalls []backend.Request

	// IncrementalCalls records every TranscribeIncremental call in order.
	IncrementalCalls []IncrementalCall
}

// Info returns the configured identity.
func (b *Backend) Info() backend.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := b.Name
	if name == "" {
		name = "mock"
	}
	return backend.Info{Name: name, Model: b.Model}
}

// Capabilities returns Caps.
func (b *Backend) Capabilities() backend.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Caps
}

// Transcribe records the request and returns the next queued result (or
// Result, or an empty result), along with Err.
func (b *Backend) Transcribe(_ context.Context, req backend.Request) (*backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TranscribeCalls = append(b.TranscribeCalls, req)
	if b.Err != nil {
		return nil, b.Err
	}
	if len(b.Queue) > 0 {
		res := b.Queue[0]
		b.Queue = b.Queue[1:]
		return res, nil
	}
	if b.Result != nil {
		return b.Result, nil
	}
	return &backend.Result{}, nil
}

// TranscribeIncremental records the call and returns IncrementalResult with
// a fresh cache value, so callers can assert the cache was replaced. The
// returned cache counts the frames seen in this session.
func (b *Backend) TranscribeIncremental(_ context.Context, frame []int16, cache backend.Cache, final bool) (*backend.Result, backend.Cache, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]int16, len(frame))
	copy(cp, frame)
	b.IncrementalCalls = append(b.IncrementalCalls, IncrementalCall{Frame: cp, Cache: cache, Final: final})

	if b.IncrementalErr != nil {
		return nil, cache, b.IncrementalErr
	}

	count := 0
	if cache != nil {
		if n, ok := cache.(int); ok {
			count = n
		}
	}
	res := b.IncrementalResult
	if res == nil {
		res = &backend.Result{}
	}
	return res, backend.Cache(count + 1), nil
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TranscribeCalls = nil
	b.IncrementalCalls = nil
}
