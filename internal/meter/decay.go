package meter

import "math"

// Default decay rates in level units per second.
const (
	DefaultDecayRate     = 2.0
	DefaultPeakDecayRate = 1.0
)

// Rates holds the two independent linear decay rates.
type Rates struct {
	// Main is how fast the instantaneous level falls when not refreshed.
	Main float64
	// Peak is how fast the recent maximum marker fades.
	Peak float64
}

// DefaultRates returns the standard meter rates.
func DefaultRates() Rates {
	return Rates{Main: DefaultDecayRate, Peak: DefaultPeakDecayRate}
}

// ChannelLevel is the display state of one channel.
type ChannelLevel struct {
	Main             float64 `json:"main"`
	RecentMax        float64 `json:"recent_max"`
	RecentMaxTimer   float64 `json:"recent_max_timer"`
	ChangedThisFrame bool    `json:"-"`
	// PeakRefreshed marks a hold timer re-armed this frame. It starts fading next frame.
	PeakRefreshed bool `json:"-"`
}

// BeginFrame clears the per-frame marks of every channel.
func BeginFrame(levels []ChannelLevel) {
	for i := range levels {
		levels[i].ChangedThisFrame = false
		levels[i].PeakRefreshed = false
	}
}

// ApplySamples levels one block of interleaved samples into levels.
// Sample i belongs to channel i mod len(levels). Magnitudes above 1 are clamped.
func ApplySamples(levels []ChannelLevel, samples []float32) {
	n := len(levels)
	if n == 0 {
		return
	}

	ch := 0
	for _, s := range samples {
		a := min(math.Abs(float64(s)), 1)
		l := &levels[ch]
		if a > l.Main {
			l.Main = a
			l.ChangedThisFrame = true
		}
		// Ties refresh the hold timer; silence never arms it.
		if a >= l.RecentMax && a > 0 {
			l.RecentMax = a
			l.RecentMaxTimer = 1
			l.PeakRefreshed = true
		}
		ch++
		if ch == n {
			ch = 0
		}
	}
}

// Decay advances every channel by dt seconds. Channels refreshed this frame keep
// their main level, and a peak armed this frame keeps its full timer.
func Decay(levels []ChannelLevel, dt float64, rates Rates) {
	for i := range levels {
		l := &levels[i]
		if !l.ChangedThisFrame {
			l.Main = max(l.Main-rates.Main*dt, 0)
		}
		if l.RecentMaxTimer > 0 && !l.PeakRefreshed {
			l.RecentMaxTimer -= rates.Peak * dt
			if l.RecentMaxTimer <= 0 {
				l.RecentMax = 0
				l.RecentMaxTimer = 0
			}
		}
	}
}
