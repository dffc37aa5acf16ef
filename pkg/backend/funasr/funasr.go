// Package funasr provides a Backend implementation that talks to a FunASR
// runtime server over HTTP.
//
// The runtime exposes a batch endpoint (POST /api/v1/asr) that accepts a WAV
// upload together with hotword hints and an optional speaker flag, and a
// streaming endpoint (POST /api/v1/asr/stream) that decodes one frame at a
// time against a server-side recognizer cache. The cache is addressed by an
// opaque token: the server mints one on the first frame and returns the
// token to use for the next frame, so all incremental state lives inside the
// runtime process.
//
// Usage:
//
//	b, err := funasr.New("http://localhost:10095",
//	    funasr.WithModel("paraformer-zh"),
//	)
//	res, err := b.Transcribe(ctx, backend.Request{Samples: pcm})
package funasr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skygazer42/TingWu/pkg/backend"
)

const (
	asrPath    = "/api/v1/asr"
	streamPath = "/api/v1/asr/stream"

	// defaultSampleRate is the PCM rate of backend.Request.Samples.
	defaultSampleRate = 16000

	// defaultTimeout bounds a single batch inference round trip. Long
	// recordings are chunked upstream, so a few minutes is plenty.
	defaultTimeout = 5 * time.Minute
)

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the model identifier forwarded to the runtime (e.g.
// "paraformer-zh"). When empty the runtime uses whichever model it was
// started with — this is the default.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithAPIKey sets a bearer token attached to every request. Leave empty for
// runtimes without authentication.
func WithAPIKey(key string) Option {
	return func(b *Backend) { b.apiKey = key }
}

// WithTimeout overrides the per-request timeout of the default HTTP client.
// Ignored when WithHTTPClient is also given.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpc = c }
}

// Backend implements backend.Backend against a FunASR runtime server. It is
// safe for concurrent use; every call is an independent HTTP round trip.
type Backend struct {
	serverURL string
	model     string
	apiKey    string
	timeout   time.Duration
	httpc     *http.Client
}

// New creates a Backend that connects to the FunASR runtime at serverURL
// (e.g. "http://localhost:10095"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Backend, error) {
	if serverURL == "" {
		return nil, errors.New("funasr: serverURL must not be empty")
	}
	b := &Backend{
		serverURL: strings.TrimRight(serverURL, "/"),
		timeout:   defaultTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	if b.httpc == nil {
		b.httpc = &http.Client{Timeout: b.timeout}
	}
	return b, nil
}

// Info identifies this backend for logging and the info endpoint.
func (b *Backend) Info() backend.Info {
	return backend.Info{Name: "funasr", Model: b.model}
}

// Capabilities reports native speaker support and streaming support. The
// runtime imposes no input length limit of its own.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Speaker: true, Streaming: true}
}

// asrResponse is the runtime's batch result. Sentence keys mirror the
// sentence_info entries FunASR emits.
type asrResponse struct {
	Text      string `json:"text"`
	Sentences []struct {
		Text    string `json:"text"`
		StartMs int64  `json:"start"`
		EndMs   int64  `json:"end"`
		Speaker int    `json:"spk"`
	} `json:"sentences"`
}

// Transcribe uploads the audio as WAV and returns the recognized text with
// sentence spans. Hotwords are forwarded space-joined in the runtime's
// hotword field; req.WithSpeaker asks the runtime to run its speaker model.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error) {
	fields := map[string]string{}
	if b.model != "" {
		fields["model"] = b.model
	}
	if len(req.Hotwords) > 0 {
		fields["hotword"] = strings.Join(req.Hotwords, " ")
	}
	if req.WithSpeaker {
		fields["with_speaker"] = "true"
	}
	for k, v := range req.Options {
		fields[k] = optionValue(v)
	}

	data, err := b.post(ctx, asrPath, req.Samples, fields)
	if err != nil {
		return nil, err
	}

	var payload asrResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("funasr: parse response: %w", err)
	}

	res := &backend.Result{Text: payload.Text}
	for _, s := range payload.Sentences {
		res.Sentences = append(res.Sentences, backend.Sentence{
			Text:    s.Text,
			StartMs: s.StartMs,
			EndMs:   s.EndMs,
			Speaker: s.Speaker,
		})
	}
	return res, nil
}

// streamResponse is the runtime's incremental result: the text decoded for
// the submitted frame plus the cache token for the next call.
type streamResponse struct {
	Text  string `json:"text"`
	Cache string `json:"cache"`
}

// TranscribeIncremental submits one frame to the streaming endpoint. The
// cache is the runtime's session token: nil starts a fresh recognizer, and
// the returned value must be passed to the next call. The frame's text is
// the newly decoded increment, not the accumulated transcript.
func (b *Backend) TranscribeIncremental(ctx context.Context, frame []int16, cache backend.Cache, final bool) (*backend.Result, backend.Cache, error) {
	token := ""
	if cache != nil {
		t, ok := cache.(string)
		if !ok {
			return nil, cache, fmt.Errorf("funasr: unexpected cache type %T", cache)
		}
		token = t
	}

	fields := map[string]string{
		"is_final": strconv.FormatBool(final),
	}
	if token != "" {
		fields["cache"] = token
	}
	if b.model != "" {
		fields["model"] = b.model
	}

	data, err := b.post(ctx, streamPath, frame, fields)
	if err != nil {
		return nil, cache, err
	}

	var payload streamResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, cache, fmt.Errorf("funasr: parse stream response: %w", err)
	}
	return &backend.Result{Text: payload.Text}, backend.Cache(payload.Cache), nil
}

// post encodes samples as a WAV form file, adds the extra fields, and POSTs
// to the given path. It returns the response body on HTTP 200.
func (b *Backend) post(ctx context.Context, path string, samples []int16, fields map[string]string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("funasr: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(samples, defaultSampleRate)); err != nil {
		return nil, fmt.Errorf("funasr: write wav data: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("funasr: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("funasr: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("funasr: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("funasr: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("funasr: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := data
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("funasr: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return data, nil
}

// optionValue renders a request option as a form field value.
func optionValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

// encodeWAV wraps 16-bit mono PCM samples in a standard RIFF/WAV container
// suitable for direct inclusion in a multipart form upload.
func encodeWAV(samples []int16, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(s))
	}
	return buf
}
