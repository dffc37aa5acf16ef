package server_test

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/server"
	"github.com/skygazer42/TingWu/pkg/backend"
	backendmock "github.com/skygazer42/TingWu/pkg/backend/mock"
)

// tone returns n non-silent PCM samples.
func tone(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(1000 + i%100)
	}
	return samples
}

// wavBody encodes samples as a WAV file at the given rate.
func wavBody(t *testing.T, samples []int16, rate int) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return data
}

type transcriptionBody struct {
	Text    string `json:"text"`
	RawText string `json:"raw_text"`
	Meta    *struct {
		Backend string `json:"backend"`
	} `json:"meta"`
}

func TestTranscribe_RawPCMBody(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "你好世界"}}
	_, ts := newTestServer(t, b, nil)

	body := audio.SamplesToBytes(tone(3200))
	var got transcriptionBody
	status := postJSON(t, ts.URL+"/v1/transcribe", "application/octet-stream",
		bytes.NewReader(body), &got)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if got.Text != "你好世界" {
		t.Errorf("text = %q, want 你好世界", got.Text)
	}

	calls := b.TranscribeCalls
	if len(calls) != 1 {
		t.Fatalf("backend saw %d calls, want 1", len(calls))
	}
	if len(calls[0].Samples) != 3200 {
		t.Errorf("backend saw %d samples, want 3200", len(calls[0].Samples))
	}
}

func TestTranscribe_WAVResampledToInternalRate(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "ok"}}
	_, ts := newTestServer(t, b, nil)

	// One second at 48 kHz must arrive at the backend as one second at 16 kHz.
	body := wavBody(t, tone(48000), 48000)
	status := postJSON(t, ts.URL+"/v1/transcribe", "audio/wav",
		bytes.NewReader(body), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}

	calls := b.TranscribeCalls
	if len(calls) != 1 {
		t.Fatalf("backend saw %d calls, want 1", len(calls))
	}
	if got := len(calls[0].Samples); got != audio.SampleRate {
		t.Errorf("backend saw %d samples, want %d", got, audio.SampleRate)
	}
}

func TestTranscribe_MultipartUpload(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "多人会议记录"}}
	_, ts := newTestServer(t, b, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "meeting.wav")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(wavBody(t, tone(1600), audio.SampleRate)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.WriteField("debug", "true"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	var got transcriptionBody
	status := postJSON(t, ts.URL+"/v1/transcribe", mw.FormDataContentType(), &buf, &got)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if got.Text != "多人会议记录" {
		t.Errorf("text = %q, want 多人会议记录", got.Text)
	}
	if got.Meta == nil {
		t.Fatal("debug=true produced no meta block")
	}
	if got.Meta.Backend != "mock" {
		t.Errorf("meta.backend = %q, want mock", got.Meta.Backend)
	}
}

func TestTranscribe_HotwordsParam(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "阿里巴巴"}}
	_, ts := newTestServer(t, b, nil)

	body := audio.SamplesToBytes(tone(1600))
	status := postJSON(t, ts.URL+"/v1/transcribe?hotwords=阿里巴巴,通义实验室",
		"application/octet-stream", bytes.NewReader(body), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}

	calls := b.TranscribeCalls
	if len(calls) != 1 {
		t.Fatalf("backend saw %d calls, want 1", len(calls))
	}
	want := []string{"阿里巴巴", "通义实验室"}
	got := calls[0].Hotwords
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("hotwords = %v, want %v", got, want)
	}
}

func TestTranscribe_UnknownQueryFieldRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, nil)

	body := audio.SamplesToBytes(tone(160))
	var got struct {
		Error string `json:"error"`
	}
	status := postJSON(t, ts.URL+"/v1/transcribe?mode=2pass",
		"application/octet-stream", bytes.NewReader(body), &got)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if !strings.Contains(got.Error, "mode") {
		t.Errorf("error %q does not name the offending field", got.Error)
	}
}

func TestTranscribe_UnknownFormFieldRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "a.wav")
	fw.Write(wavBody(t, tone(160), audio.SampleRate))
	mw.WriteField("speaker", "true")
	mw.Close()

	var got struct {
		Error string `json:"error"`
	}
	status := postJSON(t, ts.URL+"/v1/transcribe", mw.FormDataContentType(), &buf, &got)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if !strings.Contains(got.Error, "speaker") {
		t.Errorf("error %q does not name the offending field", got.Error)
	}
}

func TestTranscribe_InvalidOptionValueRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, nil)

	body := audio.SamplesToBytes(tone(160))
	var got struct {
		Error string `json:"error"`
	}
	status := postJSON(t, ts.URL+"/v1/transcribe?debug=maybe",
		"application/octet-stream", bytes.NewReader(body), &got)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if !strings.Contains(got.Error, "debug") {
		t.Errorf("error %q does not name the offending field", got.Error)
	}
}

func TestTranscribe_RoleAllowList(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Result: &backend.Result{Text: "ok"}}
	_, ts := newTestServer(t, b, func(cfg *server.Config) {
		cfg.AllowedRoles = []string{"corrector"}
	})

	body := audio.SamplesToBytes(tone(160))
	var got struct {
		Error string `json:"error"`
	}
	status := postJSON(t, ts.URL+"/v1/transcribe?llm_role=translator",
		"application/octet-stream", bytes.NewReader(body), &got)
	if status != http.StatusBadRequest {
		t.Fatalf("disallowed role: status = %d, want %d", status, http.StatusBadRequest)
	}
	if !strings.Contains(got.Error, "llm_role") {
		t.Errorf("error %q does not name the offending field", got.Error)
	}

	status = postJSON(t, ts.URL+"/v1/transcribe?llm_role=corrector",
		"application/octet-stream", bytes.NewReader(body), nil)
	if status != http.StatusOK {
		t.Errorf("allowed role: status = %d, want %d", status, http.StatusOK)
	}
}

func TestTranscribe_EmptyBodyRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, nil)

	status := postJSON(t, ts.URL+"/v1/transcribe", "application/octet-stream",
		bytes.NewReader(nil), nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestTranscribe_MalformedWAVRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, nil)

	// RIFF/WAVE magic with no data chunk behind it.
	body := []byte("RIFF\x04\x00\x00\x00WAVEjunk")
	status := postJSON(t, ts.URL+"/v1/transcribe", "audio/wav",
		bytes.NewReader(body), nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestTranscribe_BackendFailure(t *testing.T) {
	t.Parallel()

	b := &backendmock.Backend{Err: errors.New("backend offline")}
	_, ts := newTestServer(t, b, nil)

	body := audio.SamplesToBytes(tone(1600))
	var got struct {
		Error string `json:"error"`
	}
	status := postJSON(t, ts.URL+"/v1/transcribe", "application/octet-stream",
		bytes.NewReader(body), &got)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", status, http.StatusInternalServerError)
	}
	if !strings.Contains(got.Error, "transcription failed") {
		t.Errorf("error = %q, want transcription failed prefix", got.Error)
	}
}

func TestTranscribe_BodyOverLimit(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, &backendmock.Backend{}, func(cfg *server.Config) {
		cfg.MaxBodyBytes = 1024
	})

	body := audio.SamplesToBytes(tone(4096))
	status := postJSON(t, ts.URL+"/v1/transcribe", "application/octet-stream",
		bytes.NewReader(body), nil)
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", status, http.StatusRequestEntityTooLarge)
	}
}
