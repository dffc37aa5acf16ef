package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/server"
	"github.com/skygazer42/TingWu/internal/task"
	"github.com/skygazer42/TingWu/pkg/backend"
	backendmock "github.com/skygazer42/TingWu/pkg/backend/mock"
)

type taskBody struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Result *struct {
		Text string `json:"text"`
	} `json:"result"`
	Error string `json:"error"`
}

// submitTask posts audio to the async endpoint and returns the task id.
func submitTask(t *testing.T, baseURL string, samples []int16) string {
	t.Helper()
	var accepted struct {
		TaskID string `json:"task_id"`
	}
	status := postJSON(t, baseURL+"/v1/transcribe/async", "application/octet-stream",
		bytes.NewReader(audio.SamplesToBytes(samples)), &accepted)
	if status != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", status, http.StatusAccepted)
	}
	if accepted.TaskID == "" {
		t.Fatal("submit returned an empty task id")
	}
	return accepted.TaskID
}

// pollTask polls the task endpoint until it reaches want.
func pollTask(t *testing.T, baseURL, id string, want task.State) taskBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var body taskBody
		if status := getJSON(t, baseURL+"/v1/tasks/"+id, &body); status != http.StatusOK {
			t.Fatalf("poll status = %d, want %d", status, http.StatusOK)
		}
		if body.State == string(want) {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", id, want)
	return taskBody{}
}

func TestAsync_SubmitAndPoll(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "你好世界"}}
	_, ts := newTestServer(t, b, nil)

	id := submitTask(t, ts.URL, tone(1600))
	body := pollTask(t, ts.URL, id, task.StateCompleted)
	if body.Result == nil || body.Result.Text != "你好世界" {
		t.Errorf("result = %+v, want text 你好世界", body.Result)
	}
	if body.Error != "" {
		t.Errorf("error = %q, want empty", body.Error)
	}
}

func TestAsync_FailedTaskReportsError(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Err: errors.New("model crashed")}
	_, ts := newTestServer(t, b, nil)

	id := submitTask(t, ts.URL, tone(1600))
	body := pollTask(t, ts.URL, id, task.StateFailed)
	if !strings.Contains(body.Error, "model crashed") {
		t.Errorf("error = %q, want backend failure text", body.Error)
	}
	if body.Result != nil {
		t.Errorf("result = %+v, want nil", body.Result)
	}
}

func TestAsync_UnknownTask(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, nil)

	if status := getJSON(t, ts.URL+"/v1/tasks/nope", nil); status != http.StatusNotFound {
		t.Errorf("GET status = %d, want %d", status, http.StatusNotFound)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/nope", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestAsync_CancelEvictsCompletedTask(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "done"}}
	_, ts := newTestServer(t, b, nil)

	id := submitTask(t, ts.URL, tone(1600))
	pollTask(t, ts.URL, id, task.StateCompleted)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+id, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	if status := getJSON(t, ts.URL+"/v1/tasks/"+id, nil); status != http.StatusNotFound {
		t.Errorf("GET after cancel = %d, want %d", status, http.StatusNotFound)
	}
}

func TestAsync_SRTExport(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{
		Result: &backend.Result{
			Text: "你好 世界",
			Sentences: []backend.Sentence{
				{Text: "你好", StartMs: 0, EndMs: 1500},
				{Text: "世界", StartMs: 1500, EndMs: 3000},
			},
		},
	}
	_, ts := newTestServer(t, b, nil)

	id := submitTask(t, ts.URL, tone(1600))
	pollTask(t, ts.URL, id, task.StateCompleted)

	resp, err := http.Get(ts.URL + "/v1/transcribe/" + id + "/srt")
	if err != nil {
		t.Fatalf("GET srt: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-subrip" {
		t.Errorf("content type = %q, want application/x-subrip", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read srt: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:01,500\n你好\n\n2\n00:00:01,500 --> 00:00:03,000\n世界\n"
	if string(data) != want {
		t.Errorf("srt = %q, want %q", data, want)
	}
}

func TestAsync_SRTConflictsForUnfinishedTask(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Err: errors.New("model crashed")}
	_, ts := newTestServer(t, b, nil)

	id := submitTask(t, ts.URL, tone(1600))
	pollTask(t, ts.URL, id, task.StateFailed)

	if status := getJSON(t, ts.URL+"/v1/transcribe/"+id+"/srt", nil); status != http.StatusConflict {
		t.Errorf("status = %d, want %d", status, http.StatusConflict)
	}
}

// blockingBackend parks Transcribe calls until release closes, so tests can
// fill the task queue deterministically.
type blockingBackend struct {
	backendmock.Backend
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return &backend.Result{Text: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAsync_QueueFull(t *testing.T) {
	t.Parallel()

	bb := &blockingBackend{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	tasks := task.NewManager(task.Config{Workers: 1, QueueSize: 1, ResultTTL: time.Minute})
	tasks.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tasks.Stop(ctx)
	})
	_, ts := newTestServer(t, bb, func(cfg *server.Config) {
		cfg.Tasks = tasks
	})

	// First job occupies the worker, second fills the queue.
	first := submitTask(t, ts.URL, tone(1600))
	select {
	case <-bb.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first job")
	}
	second := submitTask(t, ts.URL, tone(1600))

	var got struct {
		Error string `json:"error"`
	}
	status := postJSON(t, ts.URL+"/v1/transcribe/async", "application/octet-stream",
		bytes.NewReader(audio.SamplesToBytes(tone(1600))), &got)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", status, http.StatusServiceUnavailable)
	}
	if !strings.Contains(got.Error, "queue") {
		t.Errorf("error = %q, want queue-full text", got.Error)
	}

	close(bb.release)
	pollTask(t, ts.URL, first, task.StateCompleted)
	pollTask(t, ts.URL, second, task.StateCompleted)
}
