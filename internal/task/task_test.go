package task_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skygazer42/TingWu/internal/task"
)

// ---- helpers ----

// waitState polls until the task reaches the wanted state or the test times
// out.
func waitState(t *testing.T, m *task.Manager, id string, want task.State) task.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk, ok := m.Get(id); ok && tk.State == want {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk, ok := m.Get(id)
	t.Fatalf("task %s never reached %s (found=%v, last=%+v)", id, want, ok, tk)
	return task.Task{}
}

// waitEvicted polls until the task record disappears or the test times out.
func waitEvicted(t *testing.T, m *task.Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s was never evicted", id)
}

func echoHandler(_ context.Context, payload any) (any, error) {
	return payload, nil
}

// ---- lifecycle ----

func TestManager_SubmitAndComplete(t *testing.T) {
	m := task.NewManager(task.Config{})
	m.RegisterHandler("echo", echoHandler)
	m.Start()
	defer m.Stop(context.Background())

	id, err := m.Submit("echo", "hello")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id == "" {
		t.Fatal("Submit() returned empty ID")
	}

	tk := waitState(t, m, id, task.StateCompleted)
	if tk.Result != "hello" {
		t.Errorf("Result = %v, want hello", tk.Result)
	}
	if tk.CompletedAt.IsZero() {
		t.Error("CompletedAt is zero on a completed task")
	}
	if tk.Kind != "echo" {
		t.Errorf("Kind = %q, want echo", tk.Kind)
	}

	// Results survive repeated fetches.
	if _, ok := m.Get(id); !ok {
		t.Error("completed task vanished after first Get")
	}
}

func TestManager_HandlerError_MarksFailed(t *testing.T) {
	m := task.NewManager(task.Config{})
	m.RegisterHandler("boom", func(context.Context, any) (any, error) {
		return nil, errors.New("decode exploded")
	})
	m.Start()
	defer m.Stop(context.Background())

	id, err := m.Submit("boom", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	tk := waitState(t, m, id, task.StateFailed)
	if tk.Err != "decode exploded" {
		t.Errorf("Err = %q, want the handler error", tk.Err)
	}
}

func TestSubmit_UnknownKind_ReturnsError(t *testing.T) {
	m := task.NewManager(task.Config{})

	_, err := m.Submit("no-such-kind", nil)
	if !errors.Is(err, task.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestSubmit_QueueFull_ReturnsError(t *testing.T) {
	m := task.NewManager(task.Config{QueueSize: 1})
	m.RegisterHandler("echo", echoHandler)
	// Not started: the first job stays queued.

	if _, err := m.Submit("echo", 1); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := m.Submit("echo", 2); !errors.Is(err, task.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if d := m.Depth(); d != 1 {
		t.Errorf("Depth() = %d, want 1", d)
	}
}

func TestSubmit_AfterStop_ReturnsError(t *testing.T) {
	m := task.NewManager(task.Config{})
	m.RegisterHandler("echo", echoHandler)
	m.Start()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := m.Submit("echo", nil); !errors.Is(err, task.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStop_DrainsQueuedJobs(t *testing.T) {
	m := task.NewManager(task.Config{QueueSize: 10})
	m.RegisterHandler("slowish", func(_ context.Context, p any) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return p, nil
	})
	m.Start()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit("slowish", i)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids = append(ids, id)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, id := range ids {
		tk, ok := m.Get(id)
		if !ok || tk.State != task.StateCompleted {
			t.Errorf("task %s = %+v, want completed after drain", id, tk)
		}
	}
}

func TestStop_Timeout_CancelsInFlight(t *testing.T) {
	m := task.NewManager(task.Config{})
	started := make(chan struct{})
	m.RegisterHandler("block", func(ctx context.Context, _ any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.Start()

	id, err := m.Submit("block", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Stop(ctx); err == nil {
		t.Fatal("Stop() error = nil, want deadline error")
	}

	tk := waitState(t, m, id, task.StateFailed)
	if !strings.Contains(tk.Err, "canceled") {
		t.Errorf("Err = %q, want a cancellation error", tk.Err)
	}
}

// ---- cancellation ----

func TestCancel_PendingTask_RemovesIt(t *testing.T) {
	m := task.NewManager(task.Config{})
	m.RegisterHandler("echo", echoHandler)
	// Not started: the job stays pending.

	id, err := m.Submit("echo", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !m.Cancel(id) {
		t.Fatal("Cancel() = false, want true")
	}
	if _, ok := m.Get(id); ok {
		t.Error("cancelled pending task still retrievable")
	}
	if m.Cancel(id) {
		t.Error("second Cancel() = true, want false")
	}
}

func TestCancel_ProcessingTask_CancelsHandlerContext(t *testing.T) {
	m := task.NewManager(task.Config{})
	started := make(chan struct{})
	m.RegisterHandler("block", func(ctx context.Context, _ any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.Start()
	defer m.Stop(context.Background())

	id, err := m.Submit("block", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	if !m.Cancel(id) {
		t.Fatal("Cancel() = false, want true")
	}
	tk := waitState(t, m, id, task.StateFailed)
	if !strings.Contains(tk.Err, "canceled") {
		t.Errorf("Err = %q, want a cancellation error", tk.Err)
	}
}

// ---- retention ----

func TestManager_TTLEvictsOldResults(t *testing.T) {
	m := task.NewManager(task.Config{ResultTTL: 10 * time.Millisecond})
	m.RegisterHandler("echo", echoHandler)
	m.Start()
	defer m.Stop(context.Background())

	first, err := m.Submit("echo", 1)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitState(t, m, first, task.StateCompleted)

	time.Sleep(30 * time.Millisecond)

	// Cleanup runs after each job, so a second job triggers the eviction.
	second, err := m.Submit("echo", 2)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitState(t, m, second, task.StateCompleted)

	waitEvicted(t, m, first)
}

func TestManager_SizeCapEvictsOldestTerminal(t *testing.T) {
	m := task.NewManager(task.Config{MaxResults: 2})
	m.RegisterHandler("echo", echoHandler)
	m.Start()
	defer m.Stop(context.Background())

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit("echo", i)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		waitState(t, m, id, task.StateCompleted)
		ids = append(ids, id)
	}

	waitEvicted(t, m, ids[0])
	for _, id := range ids[1:] {
		if _, ok := m.Get(id); !ok {
			t.Errorf("recent task %s was evicted", id)
		}
	}
}
