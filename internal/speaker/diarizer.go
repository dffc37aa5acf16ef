package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/resilience"
)

const (
	defaultDiarizeTimeout = 10 * time.Second
	diarizePath           = "/api/v1/diarize"
)

// ClientOption is a functional option for configuring a [Client].
type ClientOption func(*Client)

// WithTimeout bounds one diarization round trip. Default: 10s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpc = hc
	}
}

// WithBreaker replaces the default circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ClientOption {
	return func(c *Client) {
		cfg.Name = "diarizer"
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// Client calls the external diarization service. The service accepts a WAV
// upload and answers with speaker segments; it is outside our process
// boundary, so every call is bounded by a timeout and guarded by a circuit
// breaker that short-circuits calls while the service is down.
type Client struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// NewClient constructs a diarizer [Client] for the service at baseURL.
func NewClient(baseURL string, log *slog.Logger, opts ...ClientOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL: baseURL,
		timeout: defaultDiarizeTimeout,
		httpc:   &http.Client{},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "diarizer"}),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Diarize uploads audio and returns the raw speaker segments. The caller is
// expected to pass the result through [NormalizeSegments] before use.
func (c *Client) Diarize(ctx context.Context, samples []int16) ([]Segment, error) {
	var segs []Segment
	err := c.breaker.Execute(func() error {
		var err error
		segs, err = c.diarize(ctx, samples)
		return err
	})
	if err != nil {
		return nil, err
	}
	return segs, nil
}

func (c *Client) diarize(ctx context.Context, samples []int16) ([]Segment, error) {
	wav, err := audio.EncodeWAV(samples, audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("speaker: encode diarizer upload: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("speaker: build diarizer upload: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("speaker: build diarizer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker: build diarizer upload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+diarizePath, &body)
	if err != nil {
		return nil, fmt.Errorf("speaker: build diarizer request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: diarizer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("speaker: diarizer returned %d: %s", resp.StatusCode, snippet)
	}

	var payload struct {
		Segments []rawSegment `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("speaker: decode diarizer response: %w", err)
	}

	segs := make([]Segment, 0, len(payload.Segments))
	for _, raw := range payload.Segments {
		seg, ok := raw.coerce()
		if !ok {
			c.log.Debug("dropping malformed diarizer segment",
				slog.Any("segment", raw))
			continue
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Healthy probes the diarizer's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("speaker: build diarizer health request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("speaker: diarizer health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("speaker: diarizer health returned %d", resp.StatusCode)
	}
	return nil
}

// rawSegment tolerates the loose typing of diarizer responses: fields may be
// numbers, floats or quoted numbers, and any of them may be missing.
type rawSegment struct {
	Spk   json.RawMessage `json:"spk"`
	Start json.RawMessage `json:"start"`
	End   json.RawMessage `json:"end"`
}

func (r rawSegment) coerce() (Segment, bool) {
	spk, ok := coerceInt(r.Spk)
	if !ok {
		return Segment{}, false
	}
	start, ok := coerceInt(r.Start)
	if !ok {
		return Segment{}, false
	}
	end, ok := coerceInt(r.End)
	if !ok {
		return Segment{}, false
	}
	return Segment{Speaker: int(spk), StartMs: start, EndMs: end}, true
}

// coerceInt accepts a JSON number or a quoted number and truncates it to
// int64. Missing fields and non-finite values are rejected.
func coerceInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
