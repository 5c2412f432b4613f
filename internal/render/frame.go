package render

import (
	"math"
	"sync"
)

// DefaultWarningThreshold is the level above which the peak marker switches to the warning color.
const DefaultWarningThreshold = 0.9

// MinDB is the floor of peak readouts; silence reads as MinDB.
const MinDB = -60.0

// markingLevels are the fixed reference lines drawn behind the bars.
var markingLevels = []float64{0.25, 0.5, 0.75}

// Level is the displayable state of one channel.
type Level struct {
	Main           float64
	RecentMax      float64
	RecentMaxTimer float64
}

// Rect is a bottom-anchored bar in normalized coordinates (0..1 on both axes).
type Rect struct {
	Channel int     `json:"channel"`
	Kind    string  `json:"kind"` // "peak" or "main"
	X       float64 `json:"x"`
	Width   float64 `json:"w"`
	Height  float64 `json:"h"`
	Color   string  `json:"color"`
	Alpha   float64 `json:"alpha"`
}

// Line is a horizontal reference line at a normalized height.
type Line struct {
	Y     float64 `json:"y"`
	Color string  `json:"color"`
	Alpha float64 `json:"alpha"`
}

// Frame is one drawable snapshot of the meter.
type Frame struct {
	Type     string    `json:"type"`
	State    string    `json:"state"`
	Device   string    `json:"device,omitempty"`
	Channels int       `json:"channels"`
	Bars     []Rect    `json:"bars"`
	Lines    []Line    `json:"lines,omitzero"`
	PeakDB   []float64 `json:"peak_db"` // Held peak of each channel in dBFS
}

// Style controls how levels are drawn.
type Style struct {
	Bar              Color
	HideMarkings     bool
	WarningThreshold float64
}

// WarningColor returns the peak marker color used above the warning threshold.
// Red is the warning color unless the bar itself is red.
func (s Style) WarningColor() Color {
	if s.Bar == Red {
		return Yellow
	}
	return Red
}

// Painter projects levels into frames. Its style may be changed from other
// goroutines while frames are painted; it is safe for concurrent use.
type Painter struct {
	mu    sync.RWMutex
	style Style
}

// NewPainter returns a Painter using style.
func NewPainter(style Style) *Painter {
	if style.WarningThreshold <= 0 || style.WarningThreshold > 1 {
		style.WarningThreshold = DefaultWarningThreshold
	}
	return &Painter{style: style}
}

// Style returns the current style.
func (p *Painter) Style() Style {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.style
}

// SetBarColor changes the bar color.
func (p *Painter) SetBarColor(c Color) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.style.Bar = c
}

// SetMarkingsVisible shows or hides the reference lines.
func (p *Painter) SetMarkingsVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.style.HideMarkings = !visible
}

// SetWarningThreshold changes the level above which peaks use the warning
// color. Values outside (0, 1] are ignored.
func (p *Painter) SetWarningThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.style.WarningThreshold = v
}

// Paint builds a frame for levels. It does not retain levels.
func (p *Painter) Paint(levels []Level) Frame {
	style := p.Style()
	frame := Frame{
		Type:     "frame",
		Channels: len(levels),
		Bars:     make([]Rect, 0, 2*len(levels)),
		PeakDB:   make([]float64, 0, len(levels)),
	}

	bar := style.Bar.Hex()
	warn := style.WarningColor().Hex()

	if !style.HideMarkings {
		for _, y := range markingLevels {
			frame.Lines = append(frame.Lines, Line{Y: y, Color: White.Hex(), Alpha: 0.5})
		}
		frame.Lines = append(frame.Lines, Line{Y: style.WarningThreshold, Color: warn, Alpha: 0.5})
	}

	if len(levels) == 0 {
		return frame
	}

	width := 1 / float64(len(levels))
	for i, l := range levels {
		x := float64(i) * width

		peakColor := bar
		if l.RecentMax > style.WarningThreshold {
			peakColor = warn
		}
		frame.Bars = append(frame.Bars,
			Rect{Channel: i, Kind: "peak", X: x, Width: width, Height: clamp01(l.RecentMax), Color: peakColor, Alpha: clamp01(l.RecentMaxTimer)},
			Rect{Channel: i, Kind: "main", X: x, Width: width, Height: clamp01(l.Main), Color: bar, Alpha: 1},
		)
		frame.PeakDB = append(frame.PeakDB, DBFS(l.RecentMax))
	}
	return frame
}

// DBFS converts a linear amplitude to decibels relative to full scale,
// floored at MinDB.
func DBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return MinDB
	}
	return max(20*math.Log10(amplitude), MinDB)
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
