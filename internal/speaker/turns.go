package speaker

import (
	"fmt"
	"strings"
)

// LabelStyle selects how speaker labels are rendered.
type LabelStyle string

const (
	// LabelZH renders 说话人1, 说话人2, … (display index is 1-based).
	LabelZH LabelStyle = "zh"

	// LabelSpeaker renders Speaker1, Speaker2, …
	LabelSpeaker LabelStyle = "speaker"
)

// Label renders the display label for a 0-based speaker id. Unknown styles
// fall back to [LabelZH].
func (s LabelStyle) Label(id int) string {
	if s == LabelSpeaker {
		return fmt.Sprintf("Speaker%d", id+1)
	}
	return fmt.Sprintf("说话人%d", id+1)
}

// Turn is a maximal run of consecutive same-speaker segments merged for
// readability. SpeakerID is a stable 0-based id assigned in order of first
// appearance; Label is its rendering per the requested style. Text is
// attached by the orchestrator after per-turn transcription.
type Turn struct {
	SpeakerID int    `json:"speaker_id"`
	Label     string `json:"label"`
	StartMs   int64  `json:"start"`
	EndMs     int64  `json:"end"`
	Text      string `json:"text"`
}

// TurnOptions tunes [BuildTurns].
type TurnOptions struct {
	// GapMs is the largest silence between same-speaker segments that still
	// merges them into one turn. Default: 1000.
	GapMs int64

	// MaxTurnMs caps turn duration. Turns that would exceed it are re-split
	// at internal segment boundaries, never mid-segment; a single segment
	// longer than the cap stays whole. Zero means uncapped.
	MaxTurnMs int64

	// Style selects the label rendering. Default: [LabelZH].
	Style LabelStyle
}

const defaultTurnGapMs = 1000

// BuildTurns merges normalized segments into ordered speaker turns.
func BuildTurns(segments []Segment, opts TurnOptions) []Turn {
	if len(segments) == 0 {
		return nil
	}
	if opts.GapMs <= 0 {
		opts.GapMs = defaultTurnGapMs
	}

	// Group consecutive same-speaker segments whose gap stays under the
	// threshold. Overlapping segments (negative gap) always merge.
	var groups [][]Segment
	group := []Segment{segments[0]}
	for _, s := range segments[1:] {
		last := group[len(group)-1]
		if s.Speaker == last.Speaker && s.StartMs-last.EndMs <= opts.GapMs {
			group = append(group, s)
			continue
		}
		groups = append(groups, group)
		group = []Segment{s}
	}
	groups = append(groups, group)

	// Stable 0-based ids in order of first appearance.
	ids := make(map[int]int)
	idOf := func(raw int) int {
		if id, ok := ids[raw]; ok {
			return id
		}
		id := len(ids)
		ids[raw] = id
		return id
	}

	var turns []Turn
	for _, g := range groups {
		id := idOf(g[0].Speaker)
		for _, part := range splitGroup(g, opts.MaxTurnMs) {
			turns = append(turns, Turn{
				SpeakerID: id,
				Label:     opts.Style.Label(id),
				StartMs:   part[0].StartMs,
				EndMs:     part[len(part)-1].EndMs,
			})
		}
	}
	return turns
}

// splitGroup cuts a run of segments into sub-runs whose spans stay within
// maxTurnMs, cutting only at segment boundaries.
func splitGroup(group []Segment, maxTurnMs int64) [][]Segment {
	if maxTurnMs <= 0 || group[len(group)-1].EndMs-group[0].StartMs <= maxTurnMs {
		return [][]Segment{group}
	}

	var parts [][]Segment
	start := 0
	for i := 1; i < len(group); i++ {
		if group[i].EndMs-group[start].StartMs > maxTurnMs && i > start {
			parts = append(parts, group[start:i])
			start = i
		}
	}
	parts = append(parts, group[start:])
	return parts
}

// FormatTranscript renders turns as a human-readable speaker-labeled
// transcript, one line per turn, optionally prefixed with the start
// timestamp.
func FormatTranscript(turns []Turn, includeTimestamp bool) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		if includeTimestamp {
			b.WriteByte('[')
			b.WriteString(formatClock(t.StartMs, '.'))
			b.WriteString("] ")
		}
		b.WriteString(t.Label)
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

// FormatSRT renders turns as SubRip subtitle blocks. Turns without a label
// render the bare text, so unattributed sentence spans format too.
func FormatSRT(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		line := t.Text
		if t.Label != "" {
			line = t.Label + ": " + t.Text
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			i+1, formatClock(t.StartMs, ','), formatClock(t.EndMs, ','), line)
	}
	return b.String()
}

// formatClock renders milliseconds as HH:MM:SS<sep>mmm.
func formatClock(ms int64, sep byte) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := ms % 3_600_000 / 60_000
	s := ms % 60_000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
