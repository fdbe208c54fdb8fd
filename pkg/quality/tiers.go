// Package quality adapts frame rate, resolution scale and compression level
// to live network conditions.
package quality

import (
	"strconv"
	"strings"
	"time"
)

// Tier defines a quality tier
type Tier struct {
	Name        string
	FPS         int
	Scale       float64 // resolution scale, 1.0 = native
	Level       int     // compression level 0-9
	Description string  // short description for UI
}

// Quality tiers from lowest to highest cost
var Tiers = []Tier{
	{Name: "Minimal", FPS: 5, Scale: 0.5, Level: 9, Description: "5 fps, half res"},
	{Name: "Low", FPS: 10, Scale: 0.5, Level: 7, Description: "10 fps, half res"},
	{Name: "Medium", FPS: 15, Scale: 0.75, Level: 5, Description: "15 fps, 3/4 res"},
	{Name: "Standard", FPS: 30, Scale: 1.0, Level: 3, Description: "30 fps"},
	{Name: "High", FPS: 45, Scale: 1.0, Level: 2, Description: "45 fps"},
	{Name: "Max", FPS: 60, Scale: 1.0, Level: 1, Description: "60 fps"},
}

const (
	MinFPS = 1
	MaxFPS = 60
)

// DefaultTierIndex returns the index of the default tier (Standard)
func DefaultTierIndex() int {
	return 3 // Standard
}

// TopTierIndex returns the index of the most expensive tier
func TopTierIndex() int {
	return len(Tiers) - 1
}

// ClampTier keeps a tier index inside the table
func ClampTier(i int) int {
	return max(0, min(TopTierIndex(), i))
}

// TierByName finds a tier by name (case-insensitive)
func TierByName(name string) (int, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := range Tiers {
		if strings.ToLower(Tiers[i].Name) == name {
			return i, true
		}
	}
	return 0, false
}

// LookupTier resolves a tier name, a short alias or an index.
func LookupTier(value string) (int, bool) {
	value = strings.ToLower(strings.TrimSpace(value))

	switch value {
	case "min":
		return 0, true
	case "lo":
		return 1, true
	case "med":
		return 2, true
	case "std":
		return 3, true
	case "hi":
		return 4, true
	}

	if i, ok := TierByName(value); ok {
		return i, true
	}
	if i, err := strconv.Atoi(value); err == nil && i >= 0 && i < len(Tiers) {
		return i, true
	}
	return 0, false
}

// ParseTierFlag parses the --tier flag value. Unknown values select the
// default tier.
func ParseTierFlag(value string) int {
	if i, ok := LookupTier(value); ok {
		return i
	}
	return DefaultTierIndex()
}

// Directive is what the sharer applies for the next tick.
type Directive struct {
	Tier  int
	FPS   int
	Scale float64
	Level int
}

// DirectiveFor returns the directive of tier i.
func DirectiveFor(i int) Directive {
	t := Tiers[ClampTier(i)]
	return Directive{
		Tier:  ClampTier(i),
		FPS:   max(MinFPS, min(MaxFPS, t.FPS)),
		Scale: t.Scale,
		Level: t.Level,
	}
}

// Interval returns the capture period for the directive's frame rate.
func (d Directive) Interval() time.Duration {
	fps := max(MinFPS, min(MaxFPS, d.FPS))
	return time.Second / time.Duration(fps)
}

// ScaleChanged reports whether the resolution scale differs from prev, in
// which case the differencer baseline has to be reset.
func (d Directive) ScaleChanged(prev Directive) bool {
	return d.Scale != prev.Scale
}
