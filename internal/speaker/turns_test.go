package speaker_test

import (
	"strings"
	"testing"

	"github.com/skygazer42/TingWu/internal/speaker"
)

func TestBuildTurns_MergesByGapAndSpeaker(t *testing.T) {
	t.Parallel()

	segs := []speaker.Segment{
		{Speaker: 0, StartMs: 0, EndMs: 1000},
		{Speaker: 0, StartMs: 1100, EndMs: 2000},
		{Speaker: 1, StartMs: 2100, EndMs: 3000},
	}
	turns := speaker.BuildTurns(segs, speaker.TurnOptions{GapMs: 200})

	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2: %+v", len(turns), turns)
	}
	if turns[0].SpeakerID != 0 || turns[0].StartMs != 0 || turns[0].EndMs != 2000 {
		t.Errorf("turn 0 = %+v, want speaker 0 spanning [0, 2000]", turns[0])
	}
	if turns[1].SpeakerID != 1 || turns[1].StartMs != 2100 || turns[1].EndMs != 3000 {
		t.Errorf("turn 1 = %+v, want speaker 1 spanning [2100, 3000]", turns[1])
	}
}

func TestBuildTurns_GapAboveThresholdSplits(t *testing.T) {
	t.Parallel()

	segs := []speaker.Segment{
		{Speaker: 0, StartMs: 0, EndMs: 1000},
		{Speaker: 0, StartMs: 1500, EndMs: 2000},
	}
	turns := speaker.BuildTurns(segs, speaker.TurnOptions{GapMs: 200})
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2 (gap 500 > 200)", len(turns))
	}
	if turns[0].SpeakerID != 0 || turns[1].SpeakerID != 0 {
		t.Errorf("both turns should keep speaker 0: %+v", turns)
	}
}

func TestBuildTurns_StableIDsByFirstAppearance(t *testing.T) {
	t.Parallel()

	// Raw diarizer indices 7 and 3; first appearance order defines ids.
	segs := []speaker.Segment{
		{Speaker: 7, StartMs: 0, EndMs: 1000},
		{Speaker: 3, StartMs: 2000, EndMs: 3000},
		{Speaker: 7, StartMs: 4000, EndMs: 5000},
	}
	turns := speaker.BuildTurns(segs, speaker.TurnOptions{GapMs: 200})
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].SpeakerID != 0 || turns[1].SpeakerID != 1 || turns[2].SpeakerID != 0 {
		t.Errorf("speaker ids = %d, %d, %d, want 0, 1, 0",
			turns[0].SpeakerID, turns[1].SpeakerID, turns[2].SpeakerID)
	}
	if turns[0].Label != "说话人1" || turns[1].Label != "说话人2" {
		t.Errorf("labels = %q, %q, want 说话人1, 说话人2", turns[0].Label, turns[1].Label)
	}
}

func TestBuildTurns_MaxTurnSplitsAtSegmentBoundaries(t *testing.T) {
	t.Parallel()

	segs := []speaker.Segment{
		{Speaker: 0, StartMs: 0, EndMs: 4000},
		{Speaker: 0, StartMs: 4100, EndMs: 8000},
		{Speaker: 0, StartMs: 8100, EndMs: 12000},
	}
	turns := speaker.BuildTurns(segs, speaker.TurnOptions{GapMs: 200, MaxTurnMs: 9000})

	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2 after re-split: %+v", len(turns), turns)
	}
	if turns[0].StartMs != 0 || turns[0].EndMs != 8000 {
		t.Errorf("turn 0 spans [%d, %d], want [0, 8000] (cut at segment boundary)",
			turns[0].StartMs, turns[0].EndMs)
	}
	if turns[1].StartMs != 8100 || turns[1].EndMs != 12000 {
		t.Errorf("turn 1 spans [%d, %d], want [8100, 12000]", turns[1].StartMs, turns[1].EndMs)
	}
	if turns[0].SpeakerID != turns[1].SpeakerID {
		t.Error("re-split sub-turns must keep the same speaker id")
	}
}

func TestBuildTurns_OversizedSingleSegmentStaysWhole(t *testing.T) {
	t.Parallel()

	segs := []speaker.Segment{{Speaker: 0, StartMs: 0, EndMs: 30_000}}
	turns := speaker.BuildTurns(segs, speaker.TurnOptions{MaxTurnMs: 10_000})
	if len(turns) != 1 || turns[0].EndMs != 30_000 {
		t.Errorf("turns = %+v, want one whole turn (never cut mid-segment)", turns)
	}
}

func TestLabelStyle(t *testing.T) {
	t.Parallel()

	if got := speaker.LabelSpeaker.Label(0); got != "Speaker1" {
		t.Errorf("LabelSpeaker.Label(0) = %q, want Speaker1", got)
	}
	if got := speaker.LabelZH.Label(1); got != "说话人2" {
		t.Errorf("LabelZH.Label(1) = %q, want 说话人2", got)
	}
	if got := speaker.LabelStyle("bogus").Label(0); got != "说话人1" {
		t.Errorf("unknown style label = %q, want 说话人1 fallback", got)
	}
}

func TestFormatTranscript(t *testing.T) {
	t.Parallel()

	turns := []speaker.Turn{
		{SpeakerID: 0, Label: "说话人1", StartMs: 0, EndMs: 2000, Text: "大家好"},
		{SpeakerID: 1, Label: "说话人2", StartMs: 2100, EndMs: 3000, Text: "你好"},
	}

	got := speaker.FormatTranscript(turns, true)
	want := "[00:00:00.000] 说话人1: 大家好\n[00:00:02.100] 说话人2: 你好"
	if got != want {
		t.Errorf("FormatTranscript = %q, want %q", got, want)
	}

	plain := speaker.FormatTranscript(turns, false)
	if strings.Contains(plain, "[") {
		t.Errorf("FormatTranscript without timestamps = %q, want no brackets", plain)
	}
}

func TestFormatSRT(t *testing.T) {
	t.Parallel()

	turns := []speaker.Turn{
		{SpeakerID: 0, Label: "Speaker1", StartMs: 0, EndMs: 3_661_500, Text: "hello"},
	}
	got := speaker.FormatSRT(turns)
	want := "1\n00:00:00,000 --> 01:01:01,500\nSpeaker1: hello\n"
	if got != want {
		t.Errorf("FormatSRT = %q, want %q", got, want)
	}
}

func TestFormatSRT_UnlabeledTurns(t *testing.T) {
	t.Parallel()

	turns := []speaker.Turn{
		{StartMs: 0, EndMs: 1500, Text: "hello"},
		{StartMs: 1500, EndMs: 4000, Text: "world"},
	}
	got := speaker.FormatSRT(turns)
	want := "1\n00:00:00,000 --> 00:00:01,500\nhello\n" +
		"\n2\n00:00:01,500 --> 00:00:04,000\nworld\n"
	if got != want {
		t.Errorf("FormatSRT = %q, want %q", got, want)
	}
}

func TestBuildTurns_Empty(t *testing.T) {
	t.Parallel()

	if turns := speaker.BuildTurns(nil, speaker.TurnOptions{}); turns != nil {
		t.Errorf("BuildTurns(nil) = %+v, want nil", turns)
	}
}
