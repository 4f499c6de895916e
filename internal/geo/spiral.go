// Package geo holds the coordinate types and the logarithmic spiral that
// steers geographic searches outward from a center point.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// DefaultStep is the base angular step of one move.
	DefaultStep = math.Pi / 12
	// DefaultMinMagnitude bounds how small a predicted yield can shrink the step divisor.
	DefaultMinMagnitude = 0.025

	aSamples = 12
	aStart   = 0.001
)

var (
	// ErrInvalidRadius is returned for radii that cannot produce a spiral.
	ErrInvalidRadius = errors.New("geo: max radius must be greater than 1")
	// ErrUnknownCity is returned when a city is not in the lookup table.
	ErrUnknownCity = errors.New("geo: unknown city")
)

// Coordinate is a latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" mapstructure:"longitude"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Latitude, c.Longitude)
}

// DecayRate returns the spiral coefficient a for maxRadius: the smallest
// ln(maxRadius)/θ over twelve θ evenly spaced in [0.001, 2π], divided by ten.
func DecayRate(maxRadius float64) (float64, error) {
	if !(maxRadius > 1) || math.IsInf(maxRadius, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRadius, maxRadius)
	}
	logR := math.Log(maxRadius)
	step := (2*math.Pi - aStart) / float64(aSamples-1)
	best := math.Inf(1)
	for i := range aSamples {
		theta := aStart + float64(i)*step
		if i == aSamples-1 {
			theta = 2 * math.Pi
		}
		best = math.Min(best, logR/theta)
	}
	return best / 10, nil
}

// SpiralPath walks r(θ) = exp(-aθ) around a center coordinate.
type SpiralPath struct {
	center    Coordinate
	maxRadius float64
	a         float64
	theta     float64
}

// NewSpiralPath creates a path starting at θ = 0.
func NewSpiralPath(center Coordinate, maxRadius float64) (*SpiralPath, error) {
	a, err := DecayRate(maxRadius)
	if err != nil {
		return nil, err
	}
	return &SpiralPath{center: center, maxRadius: maxRadius, a: a}, nil
}

// A returns the decay coefficient.
func (p *SpiralPath) A() float64 { return p.a }

// Theta returns the current angle in radians.
func (p *SpiralPath) Theta() float64 { return p.theta }

// Radius returns r(θ).
func (p *SpiralPath) Radius(theta float64) float64 {
	return math.Exp(-p.a * theta)
}

// PositionAt returns center + r(θ)·(sin θ, cos θ).
func (p *SpiralPath) PositionAt(theta float64) Coordinate {
	r := p.Radius(theta)
	return Coordinate{
		Latitude:  p.center.Latitude + r*math.Sin(theta),
		Longitude: p.center.Longitude + r*math.Cos(theta),
	}
}

// Position returns the coordinate at the current angle.
func (p *SpiralPath) Position() Coordinate {
	return p.PositionAt(p.theta)
}

// Move advances the angle by dTheta divided by the yield magnitude clamped to
// [c, 1], never more than one revolution, and returns the new position.
// A low magnitude produces a long step away from a poor area.
func (p *SpiralPath) Move(dTheta, c, magnitude float64) Coordinate {
	p.theta += StepSize(dTheta, c, magnitude)
	return p.Position()
}

// StepSize computes the angular advance used by Move.
func StepSize(dTheta, c, magnitude float64) float64 {
	if c <= 0 {
		c = DefaultMinMagnitude
	}
	if math.IsNaN(magnitude) {
		magnitude = c
	}
	m := math.Max(c, math.Min(magnitude, 1))
	return math.Min(dTheta/m, 2*math.Pi)
}

// Points samples n evenly spaced positions over one revolution starting at θ = 0.
func (p *SpiralPath) Points(n int) []Coordinate {
	if n <= 0 {
		return nil
	}
	out := make([]Coordinate, n)
	for i := range n {
		out[i] = p.PositionAt(2 * math.Pi * float64(i) / float64(n))
	}
	return out
}

// CityTable resolves city names to coordinates.
type CityTable map[string]Coordinate

// Lookup finds a city, ignoring case and surrounding space.
func (t CityTable) Lookup(name string) (Coordinate, error) {
	want := strings.TrimSpace(name)
	for city, coord := range t {
		if strings.EqualFold(city, want) {
			return coord, nil
		}
	}
	return Coordinate{}, fmt.Errorf("%w: %q", ErrUnknownCity, name)
}
