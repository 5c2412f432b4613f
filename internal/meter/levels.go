package meter

import "slices"

// LevelStore holds the level of every channel of the stream.
type LevelStore struct {
	channels []ChannelLevel
	sized    bool
}

// Resize allocates count zeroed channels. Only the first call has an effect;
// it reports whether the store was resized.
func (s *LevelStore) Resize(count int) bool {
	if s.sized || count <= 0 {
		return false
	}
	s.channels = make([]ChannelLevel, count)
	s.sized = true
	return true
}

// Len returns the channel count, zero until Resize.
func (s *LevelStore) Len() int {
	return len(s.channels)
}

// BeginFrame clears the per-frame change marks.
func (s *LevelStore) BeginFrame() {
	BeginFrame(s.channels)
}

// Apply levels one block of interleaved samples.
func (s *LevelStore) Apply(samples []float32) {
	ApplySamples(s.channels, samples)
}

// Decay advances all channels by dt seconds.
func (s *LevelStore) Decay(dt float64, rates Rates) {
	Decay(s.channels, dt, rates)
}

// Channel returns the level of channel i.
func (s *LevelStore) Channel(i int) ChannelLevel {
	return s.channels[i]
}

// Snapshot returns a copy of all channel levels.
func (s *LevelStore) Snapshot() []ChannelLevel {
	return slices.Clone(s.channels)
}
