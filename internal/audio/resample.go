package audio

// Resample converts mono samples from srcRate to the internal 16 kHz rate
// using linear interpolation. Input already at the internal rate, or with
// fewer than two samples, is returned unchanged.
func Resample(samples []int16, srcRate int) []int16 {
	if srcRate <= 0 || srcRate == SampleRate || len(samples) < 2 {
		return samples
	}

	n := int(int64(len(samples)) * SampleRate / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(SampleRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
