// Package speaker turns diarization output into readable speaker turns and
// orchestrates how speaker attribution is obtained for a request.
//
// Diarization segments arrive from an external collaborator that cannot be
// trusted to emit clean data: unsorted, overlapping, negative or
// out-of-range timestamps all occur in practice. Everything downstream of
// [NormalizeSegments] may assume ordered, clamped, strictly positive-width
// segments.
package speaker

import "sort"

// Segment is one diarization span: a speaker index active over a time range.
type Segment struct {
	Speaker int
	StartMs int64
	EndMs   int64
}

// NormalizeSegments sanitises raw diarizer output: timestamps are clamped to
// [0, durationMs] (durationMs <= 0 means unknown, no upper clamp), segments
// that end at or before their start are dropped, and the result is sorted by
// (start, end, speaker).
func NormalizeSegments(raw []Segment, durationMs int64) []Segment {
	if len(raw) == 0 {
		return nil
	}

	out := make([]Segment, 0, len(raw))
	for _, s := range raw {
		if s.StartMs < 0 {
			s.StartMs = 0
		}
		if s.EndMs < 0 {
			s.EndMs = 0
		}
		if durationMs > 0 {
			if s.StartMs > durationMs {
				s.StartMs = durationMs
			}
			if s.EndMs > durationMs {
				s.EndMs = durationMs
			}
		}
		if s.EndMs <= s.StartMs {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartMs != out[j].StartMs {
			return out[i].StartMs < out[j].StartMs
		}
		if out[i].EndMs != out[j].EndMs {
			return out[i].EndMs < out[j].EndMs
		}
		return out[i].Speaker < out[j].Speaker
	})
	return out
}
