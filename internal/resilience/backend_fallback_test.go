package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/skygazer42/TingWu/pkg/backend"
	backendmock "github.com/skygazer42/TingWu/pkg/backend/mock"
)

func TestBackendFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &backendmock.Backend{
		Result: &backend.Result{Text: "from primary"},
	}
	secondary := &backendmock.Backend{
		Result: &backend.Result{Text: "from secondary"},
	}

	fb := NewBackendFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Transcribe(context.Background(), backend.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from primary" {
		t.Fatalf("text = %q, want 'from primary'", res.Text)
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.TranscribeCalls))
	}
}

func TestBackendFallback_Transcribe_Failover(t *testing.T) {
	primary := &backendmock.Backend{Err: errors.New("primary down")}
	secondary := &backendmock.Backend{
		Result: &backend.Result{Text: "from secondary"},
	}

	fb := NewBackendFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Transcribe(context.Background(), backend.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from secondary" {
		t.Fatalf("text = %q, want 'from secondary'", res.Text)
	}
}

func TestBackendFallback_Transcribe_AllFail(t *testing.T) {
	primary := &backendmock.Backend{Err: errors.New("primary down")}
	secondary := &backendmock.Backend{Err: errors.New("secondary down")}

	fb := NewBackendFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), backend.Request{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestBackendFallback_Incremental_PinsSessionToServingBackend(t *testing.T) {
	primary := &backendmock.Backend{IncrementalErr: errors.New("primary down")}
	secondary := &backendmock.Backend{
		IncrementalResult: &backend.Result{Text: "partial"},
	}

	fb := NewBackendFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	// First frame fails over to the secondary and pins the session there.
	res, cache, err := fb.TranscribeIncremental(context.Background(), []int16{1, 2}, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "partial" {
		t.Fatalf("text = %q, want 'partial'", res.Text)
	}
	if cache == nil {
		t.Fatal("cache is nil after first frame")
	}

	// Second frame must go to the pinned backend even though the primary
	// would accept calls again.
	primary.IncrementalErr = nil
	if _, _, err := fb.TranscribeIncremental(context.Background(), []int16{3}, cache, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(primary.IncrementalCalls) != 1 {
		t.Fatalf("primary called %d times, want 1 (only the failed first frame)", len(primary.IncrementalCalls))
	}
	if len(secondary.IncrementalCalls) != 2 {
		t.Fatalf("secondary called %d times, want 2", len(secondary.IncrementalCalls))
	}
}

func TestBackendFallback_Incremental_UnwrapsInnerCache(t *testing.T) {
	primary := &backendmock.Backend{}

	fb := NewBackendFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, cache, err := fb.TranscribeIncremental(context.Background(), []int16{1}, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := fb.TranscribeIncremental(context.Background(), []int16{2}, cache, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The mock counts frames through its own cache; the wrapper must hand the
	// inner value back, not its pinning envelope.
	second := primary.IncrementalCalls[1]
	if n, ok := second.Cache.(int); !ok || n != 1 {
		t.Fatalf("inner cache = %v (%T), want 1 (int)", second.Cache, second.Cache)
	}
}

func TestBackendFallback_Incremental_RejectsForeignCache(t *testing.T) {
	fb := NewBackendFallback(&backendmock.Backend{}, "primary", FallbackConfig{})

	_, _, err := fb.TranscribeIncremental(context.Background(), []int16{1}, 42, false)
	if err == nil {
		t.Fatal("expected error for foreign cache value")
	}
}

func TestBackendFallback_InfoAndCapabilities_FromPrimary(t *testing.T) {
	primary := &backendmock.Backend{
		Name:  "funasr",
		Model: "paraformer-large",
		Caps:  backend.Capabilities{Speaker: true, Streaming: true},
	}

	fb := NewBackendFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &backendmock.Backend{Name: "whispercpp"})

	if got := fb.Info().Name; got != "funasr" {
		t.Fatalf("Info().Name = %q, want funasr", got)
	}
	caps := fb.Capabilities()
	if !caps.Speaker || !caps.Streaming {
		t.Fatalf("capabilities = %+v, want primary's speaker+streaming", caps)
	}
	names := fb.Backends()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Fatalf("Backends() = %v, want [primary secondary]", names)
	}
}
