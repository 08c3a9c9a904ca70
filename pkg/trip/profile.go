// Package trip produces ordered, immutable telemetry time series used to
// drive synthetic CAN traffic : built-in generators or imported recordings.
package trip

import (
	"fmt"
	"time"
)

// Drive mode reported in the MCU frame
type Gear uint8

const (
	Park Gear = iota
	Eco
	Normal
	Sport
)

func (g Gear) String() string {
	switch g {
	case Park:
		return "park"
	case Eco:
		return "eco"
	case Normal:
		return "normal"
	case Sport:
		return "sport"
	}
	return "unknown"
}

// Point is a single telemetry sample. Current is signed : positive is
// discharge, negative is regen or charging.
type Point struct {
	OffsetMs  uint64  `json:"t_offset_ms"`
	SpeedKmh  uint8   `json:"speed_kmh"`
	CurrentA  float64 `json:"current_a"`
	VoltageV  float64 `json:"voltage_v"`
	SOC       uint8   `json:"soc_pct"`
	MileageKm uint32  `json:"mileage_km"`
	TripKm    float64 `json:"trip_km"`
	Gear      Gear    `json:"gear"`
}

// Profile source kinds
const (
	SourceSynthetic = "synthetic"
	SourceImported  = "imported"
)

// Profile is an ordered, read-only sequence of telemetry samples.
// Profiles never change once built, consumers iterate with indices.
type Profile struct {
	name   string
	source string
	origin string // generator kind or import path
	points []Point
}

func newProfile(name, source, origin string, points []Point) *Profile {
	return &Profile{name: name, source: source, origin: origin, points: points}
}

func (p *Profile) Name() string   { return p.name }
func (p *Profile) Source() string { return p.source }
func (p *Profile) Origin() string { return p.origin }
func (p *Profile) Len() int       { return len(p.points) }

// Point returns the sample at index, which must be within [0, Len)
func (p *Profile) Point(index int) Point {
	return p.points[index]
}

// Duration is the offset of the last sample
func (p *Profile) Duration() time.Duration {
	if len(p.points) == 0 {
		return 0
	}
	return time.Duration(p.points[len(p.points)-1].OffsetMs) * time.Millisecond
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s (%s, %d points, %v)", p.name, p.source, p.Len(), p.Duration())
}
