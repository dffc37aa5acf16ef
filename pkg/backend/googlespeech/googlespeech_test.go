package googlespeech

import (
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/skygazer42/TingWu/pkg/backend"
)

// word builds a tagged WordInfo with second-resolution offsets.
func word(text string, startSec, endSec float64, speaker int32) *speechpb.WordInfo {
	return &speechpb.WordInfo{
		Word:       text,
		StartTime:  durationpb.New(time.Duration(startSec * float64(time.Second))),
		EndTime:    durationpb.New(time.Duration(endSec * float64(time.Second))),
		SpeakerTag: speaker,
	}
}

func result(transcript string, words ...*speechpb.WordInfo) *speechpb.SpeechRecognitionResult {
	return &speechpb.SpeechRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{
			{Transcript: transcript, Words: words},
		},
	}
}

func TestMapResponse_UtteranceSpans(t *testing.T) {
	resp := &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			result("hello world", word("hello", 0, 0.5, 0), word("world", 0.6, 1.2, 0)),
			result("goodbye", word("goodbye", 2, 2.8, 0)),
		},
	}

	res := mapResponse(resp, false)
	if res.Text != "hello world goodbye" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world goodbye")
	}
	if len(res.Sentences) != 2 {
		t.Fatalf("len(Sentences) = %d, want 2", len(res.Sentences))
	}
	first := backend.Sentence{Text: "hello world", StartMs: 0, EndMs: 1200}
	if res.Sentences[0] != first {
		t.Errorf("Sentences[0] = %+v, want %+v", res.Sentences[0], first)
	}
	second := backend.Sentence{Text: "goodbye", StartMs: 2000, EndMs: 2800}
	if res.Sentences[1] != second {
		t.Errorf("Sentences[1] = %+v, want %+v", res.Sentences[1], second)
	}
}

func TestMapResponse_SpeakerRunsFromFinalResult(t *testing.T) {
	// With diarization on, the service appends a final result repeating all
	// words with speaker tags; the earlier results stay untagged.
	resp := &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			result("hi there how are you"),
			result("",
				word("hi", 0, 0.3, 1),
				word("there", 0.4, 0.8, 1),
				word("how", 1.5, 1.7, 2),
				word("are", 1.8, 1.9, 2),
				word("you", 2.0, 2.2, 2),
			),
		},
	}

	res := mapResponse(resp, true)
	if len(res.Sentences) != 2 {
		t.Fatalf("len(Sentences) = %d, want 2 speaker runs", len(res.Sentences))
	}

	first := backend.Sentence{Text: "hi there", StartMs: 0, EndMs: 800, Speaker: 0}
	if res.Sentences[0] != first {
		t.Errorf("Sentences[0] = %+v, want %+v", res.Sentences[0], first)
	}
	second := backend.Sentence{Text: "how are you", StartMs: 1500, EndMs: 2200, Speaker: 1}
	if res.Sentences[1] != second {
		t.Errorf("Sentences[1] = %+v, want %+v", res.Sentences[1], second)
	}
}

func TestMapResponse_SpeakerRequestedButUntagged(t *testing.T) {
	// A response without tagged words falls back to utterance spans.
	resp := &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			result("solo line", word("solo", 0, 0.4, 0), word("line", 0.5, 0.9, 0)),
		},
	}

	res := mapResponse(resp, true)
	if len(res.Sentences) != 1 {
		t.Fatalf("len(Sentences) = %d, want 1", len(res.Sentences))
	}
	if res.Sentences[0].Text != "solo line" || res.Sentences[0].Speaker != 0 {
		t.Errorf("Sentences[0] = %+v, want untagged utterance span", res.Sentences[0])
	}
}

func TestMapResponse_Empty(t *testing.T) {
	res := mapResponse(&speechpb.RecognizeResponse{}, true)
	if res.Text != "" || len(res.Sentences) != 0 {
		t.Errorf("mapResponse(empty) = %+v, want empty result", res)
	}
}

func TestSamplesToBytes_LittleEndian(t *testing.T) {
	got := samplesToBytes([]int16{0x1234, -2})
	want := []byte{0x34, 0x12, 0xFE, 0xFF}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}
