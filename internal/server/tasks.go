package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/skygazer42/TingWu/internal/engine"
	"github.com/skygazer42/TingWu/internal/speaker"
	"github.com/skygazer42/TingWu/internal/task"
)

// transcribeJob is the queued payload of one async transcription.
type transcribeJob struct {
	samples []int16
	opts    engine.Options
}

// runTranscribeJob is the task handler for [taskKindTranscribe].
func (s *Server) runTranscribeJob(ctx context.Context, payload any) (any, error) {
	job, ok := payload.(*transcribeJob)
	if !ok {
		return nil, fmt.Errorf("server: unexpected task payload %T", payload)
	}
	return s.cfg.Engine.Transcribe(ctx, job.samples, job.opts)
}

// taskAccepted is the response to a queued submission.
type taskAccepted struct {
	TaskID string `json:"task_id"`
}

// taskResponse is the wire form of a task snapshot.
type taskResponse struct {
	TaskID      string     `json:"task_id"`
	State       task.State `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// taskView converts a snapshot for the wire.
func taskView(t task.Task) taskResponse {
	resp := taskResponse{
		TaskID:    t.ID,
		State:     t.State,
		CreatedAt: t.CreatedAt,
		Result:    t.Result,
		Error:     t.Err,
	}
	if !t.CompletedAt.IsZero() {
		resp.CompletedAt = &t.CompletedAt
	}
	return resp
}

// handleTranscribeAsync parses the upload like the blocking endpoint but
// queues the work, answering immediately with the task id.
func (s *Server) handleTranscribeAsync(w http.ResponseWriter, r *http.Request) {
	samples, opts, err := s.parseRequest(w, r)
	if err != nil {
		respondError(w, err)
		return
	}

	id, err := s.cfg.Tasks.Submit(taskKindTranscribe, &transcribeJob{samples: samples, opts: opts})
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "task queue is full")
			return
		}
		s.log.Error("task submit failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "submit failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: id})
}

// handleTaskGet reports the state or result of one task.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.cfg.Tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+id)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t))
}

// handleTaskCancel aborts a pending or running task, or evicts a finished
// one.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cfg.Tasks.Cancel(id) {
		writeError(w, http.StatusNotFound, "unknown task "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskSRT renders a completed task as SubRip subtitles.
func (s *Server) handleTaskSRT(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.cfg.Tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+id)
		return
	}
	if t.State != task.StateCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("task %s is %s", id, t.State))
		return
	}
	tr, ok := t.Result.(*engine.Transcription)
	if !ok {
		writeError(w, http.StatusConflict, "task result is not a transcription")
		return
	}

	w.Header().Set("Content-Type", "application/x-subrip")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, speaker.FormatSRT(srtTurns(tr)))
}

// srtTurns adapts a transcription for SRT rendering: attributed results
// use their speaker turns, plain results fall back to sentence spans.
func srtTurns(tr *engine.Transcription) []speaker.Turn {
	if len(tr.SpeakerTurns) > 0 {
		return tr.SpeakerTurns
	}
	turns := make([]speaker.Turn, len(tr.Sentences))
	for i, sent := range tr.Sentences {
		turns[i] = speaker.Turn{
			Label:   sent.Speaker,
			StartMs: sent.StartMs,
			EndMs:   sent.EndMs,
			Text:    sent.Text,
		}
	}
	return turns
}
