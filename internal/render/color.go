// Package render turns meter levels into drawing primitives for the web view.
package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Color is an opaque RGB color.
type Color struct {
	R, G, B uint8
}

// Named bar colors selectable from the command line.
var (
	Red     = Color{R: 0xFF}
	Green   = Color{G: 0xFF}
	Blue    = Color{B: 0xFF}
	Magenta = Color{R: 0xFF, B: 0xFF}
	Yellow  = Color{R: 0xFF, G: 0xFF}
	Cyan    = Color{G: 0xFF, B: 0xFF}
	White   = Color{R: 0xFF, G: 0xFF, B: 0xFF}
)

var presets = map[string]Color{
	"red":     Red,
	"green":   Green,
	"blue":    Blue,
	"magenta": Magenta,
	"yellow":  Yellow,
	"cyan":    Cyan,
}

// PresetNames lists the named colors in display order.
var PresetNames = []string{"red", "green", "blue", "magenta", "yellow", "cyan"}

// Preset returns the named color.
func Preset(name string) (Color, bool) {
	c, ok := presets[strings.ToLower(name)]
	return c, ok
}

// ParseColor parses a preset name or a hex color.
// Hex input may be written as RRGGBB, #RRGGBB or 0xRRGGBB, red being the most significant byte.
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if c, ok := Preset(s); ok {
		return c, nil
	}

	hex := strings.TrimPrefix(s, "#")
	hex = strings.TrimPrefix(strings.TrimPrefix(hex, "0x"), "0X")
	if len(hex) == 0 || len(hex) > 6 {
		return Color{}, fmt.Errorf("invalid color %q: must be a preset or hex RRGGBB", s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("invalid color %q: must be a preset or hex RRGGBB", s)
	}

	return Color{
		R: uint8(v >> 16 & 0xFF),
		G: uint8(v >> 8 & 0xFF),
		B: uint8(v & 0xFF),
	}, nil
}

// Hex returns the color as #RRGGBB.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

func (c Color) String() string {
	return c.Hex()
}
