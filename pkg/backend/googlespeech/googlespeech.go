// Package googlespeech provides a Backend implementation backed by the
// Google Cloud Speech-to-Text v1 API.
//
// It uses the synchronous Recognize RPC, which caps a single request at
// about one minute of audio; the capability descriptor advertises that limit
// so the segmenter upstream splits longer recordings. Speaker attribution
// uses the service's native diarization, which tags individual words with
// 1-based speaker numbers inside the final result of the response.
//
// Requires the GOOGLE_APPLICATION_CREDENTIALS environment variable to be
// set, or another default credential source available to the client library.
package googlespeech

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/skygazer42/TingWu/pkg/backend"
)

const (
	// sampleRate is the PCM rate of backend.Request.Samples.
	sampleRate = 16000

	// maxInputDuration is the longest audio the synchronous Recognize RPC
	// accepts inline.
	maxInputDuration = 60 * time.Second

	defaultLanguage = "cmn-Hans-CN"
)

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the BCP-47 language code sent to the service (e.g.
// "cmn-Hans-CN", "en-US"). Defaults to "cmn-Hans-CN".
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithModel selects a recognition model variant (e.g. "latest_long",
// "telephony"). When empty the service picks its default.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithSpeakerRange bounds the diarization speaker count. Zero values leave
// the service defaults in place.
func WithSpeakerRange(minCount, maxCount int) Option {
	return func(b *Backend) {
		b.minSpeakers = int32(minCount)
		b.maxSpeakers = int32(maxCount)
	}
}

// Backend implements backend.Backend against Google Cloud Speech-to-Text.
// It is safe for concurrent use.
type Backend struct {
	client      *speech.Client
	language    string
	model       string
	minSpeakers int32
	maxSpeakers int32
}

// New creates a Backend with a fresh Speech client using application
// default credentials. The caller must call Close when the backend is no
// longer needed.
func New(ctx context.Context, opts ...Option) (*Backend, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("googlespeech: create client: %w", err)
	}
	b := &Backend{
		client:   client,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close releases the underlying gRPC connection.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Info identifies this backend for logging and the info endpoint.
func (b *Backend) Info() backend.Info {
	return backend.Info{Name: "googlespeech", Model: b.model}
}

// Capabilities reports native diarization support and the one-minute input
// cap of the synchronous Recognize RPC. There is no incremental mode.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Speaker: true, MaxInputDuration: maxInputDuration}
}

// Transcribe submits the audio inline and maps the response to sentence
// spans. Hotwords become speech-context phrase hints; req.WithSpeaker turns
// on the service's diarization.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (*backend.Result, error) {
	cfg := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            sampleRate,
		LanguageCode:               b.language,
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
	}
	if b.model != "" {
		cfg.Model = b.model
	}
	if len(req.Hotwords) > 0 {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: req.Hotwords}}
	}
	if req.WithSpeaker {
		cfg.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          b.minSpeakers,
			MaxSpeakerCount:          b.maxSpeakers,
		}
	}

	resp, err := b.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: samplesToBytes(req.Samples)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("googlespeech: recognize: %w", err)
	}
	return mapResponse(resp, req.WithSpeaker), nil
}

// TranscribeIncremental is not available through the synchronous API.
func (b *Backend) TranscribeIncremental(_ context.Context, _ []int16, cache backend.Cache, _ bool) (*backend.Result, backend.Cache, error) {
	return nil, cache, fmt.Errorf("googlespeech: incremental transcription: %w", backend.ErrNotSupported)
}

// mapResponse flattens a Recognize response into a Result. Without speaker
// tags each utterance result becomes one sentence span. With diarization the
// service repeats all words, tagged per speaker, in the final result; those
// words are regrouped into per-speaker runs instead.
func mapResponse(resp *speechpb.RecognizeResponse, withSpeaker bool) *backend.Result {
	res := &backend.Result{}

	var parts []string
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.GetAlternatives()[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	res.Text = strings.Join(parts, " ")

	if withSpeaker {
		if words := taggedWords(resp); len(words) > 0 {
			res.Sentences = speakerRuns(words)
			return res
		}
	}

	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		text := strings.TrimSpace(alt.GetTranscript())
		if text == "" {
			continue
		}
		s := backend.Sentence{Text: text}
		if words := alt.GetWords(); len(words) > 0 {
			s.StartMs = words[0].GetStartTime().AsDuration().Milliseconds()
			s.EndMs = words[len(words)-1].GetEndTime().AsDuration().Milliseconds()
		}
		res.Sentences = append(res.Sentences, s)
	}
	return res
}

// taggedWords returns the word list of the final result when it carries
// speaker tags, which is where the service accumulates the diarized words of
// the whole request.
func taggedWords(resp *speechpb.RecognizeResponse) []*speechpb.WordInfo {
	results := resp.GetResults()
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if len(last.GetAlternatives()) == 0 {
		return nil
	}
	words := last.GetAlternatives()[0].GetWords()
	for _, w := range words {
		if w.GetSpeakerTag() != 0 {
			return words
		}
	}
	return nil
}

// speakerRuns groups consecutive words with the same speaker tag into one
// sentence span each. Service tags are 1-based; spans carry 0-based indices.
func speakerRuns(words []*speechpb.WordInfo) []backend.Sentence {
	var out []backend.Sentence
	for _, w := range words {
		text := strings.TrimSpace(w.GetWord())
		if text == "" {
			continue
		}
		tag := int(w.GetSpeakerTag()) - 1
		if tag < 0 {
			tag = 0
		}
		endMs := w.GetEndTime().AsDuration().Milliseconds()
		if n := len(out); n > 0 && out[n-1].Speaker == tag {
			out[n-1].Text += " " + text
			out[n-1].EndMs = endMs
			continue
		}
		out = append(out, backend.Sentence{
			Text:    text,
			StartMs: w.GetStartTime().AsDuration().Milliseconds(),
			EndMs:   endMs,
			Speaker: tag,
		})
	}
	return out
}

// samplesToBytes converts 16-bit PCM samples to the little-endian byte
// layout of LINEAR16 audio content.
func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
