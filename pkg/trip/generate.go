package trip

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var ErrUnknownKind = errors.New("trip: unknown generator kind")

// Battery model : CTS 20S NMC pouch pack
// 72 V nominal, 73 Ah, cutoff 60 V, continuous 110 A / peak 250 A for 5 s
const (
	packVoltageFull    = 84.0 // 20S * 4.2 V per cell
	packVoltageNominal = 72.0 // 20S * 3.6 V per cell
	packVoltageEmpty   = 60.0 // cutoff
	packCapacityAh     = 73.0
	maxContinuousA     = 110.0
	maxPeakA           = 250.0
	regenEfficiency    = 0.7
)

// Params drive the synthetic generators.
// The same params always produce the same profile.
type Params struct {
	Duration      time.Duration
	StartSOC      float64
	StartOdometer uint32
	Seed          int64
}

func (p Params) withDefaults(soc float64, duration time.Duration) Params {
	if p.Duration <= 0 {
		p.Duration = duration
	}
	if p.StartSOC <= 0 || p.StartSOC > 100 {
		p.StartSOC = soc
	}
	return p
}

// Generate builds a synthetic profile of the given kind : city, highway
// or charge
func Generate(kind string, params Params) (*Profile, error) {
	switch kind {
	case "city":
		return GenerateCity(params), nil
	case "highway":
		return GenerateHighway(params), nil
	case "charge":
		return GenerateCharge(params), nil
	}
	return nil, fmt.Errorf("%w : %q", ErrUnknownKind, kind)
}

// voltageFromSOC follows the NMC cell curve for a 20S pack :
// steep at the top, flat middle, steep drop at the bottom.
// SOC 100 % -> ~84 V, SOC 0 % -> ~60 V
func voltageFromSOC(socPct float64) float64 {
	s := math.Max(0, math.Min(1, socPct/100))
	vNorm := 0.05*math.Exp(-20*(1-s)) + 0.90*s + 0.05*(1-math.Exp(-20*s))
	voltage := packVoltageEmpty + vNorm*(packVoltageFull-packVoltageEmpty)
	return math.Round(voltage*10) / 10
}

// socDelta is the SOC percentage consumed by drawing current for step,
// negative current (charge/regen) returns a negative delta
func socDelta(currentA float64, step time.Duration) float64 {
	energyWh := currentA * packVoltageNominal * step.Hours()
	totalEnergyWh := packCapacityAh * packVoltageNominal
	return energyWh / totalEnergyWh * 100
}

func gearForSpeed(speed uint8) Gear {
	switch {
	case speed == 0:
		return Park
	case speed < 20:
		return Eco
	case speed < 45:
		return Normal
	default:
		return Sport
	}
}

// GenerateCity produces stop-and-go traffic : bounded random walk between
// stops and 60 km/h, regen current on deceleration, SOC monotonically
// non-increasing
func GenerateCity(params Params) *Profile {
	params = params.withDefaults(85, 30*time.Minute)
	rng := rand.New(rand.NewSource(params.Seed))

	const step = time.Second
	soc := params.StartSOC
	speed := 0.0
	tripKm := 0.0
	targetSpeed := 0.0
	var nextEvent time.Duration

	var points []Point
	for t := time.Duration(0); t <= params.Duration; t += step {
		if t >= nextEvent {
			r := rng.Float64()
			switch {
			case r < 0.15: // red light / full stop
				targetSpeed = 0
				nextEvent = t + time.Duration(8+rng.Intn(18))*time.Second
			case r < 0.40:
				targetSpeed = float64(15 + rng.Intn(16))
				nextEvent = t + time.Duration(15+rng.Intn(26))*time.Second
			case r < 0.75:
				targetSpeed = float64(30 + rng.Intn(21))
				nextEvent = t + time.Duration(20+rng.Intn(31))*time.Second
			default:
				targetSpeed = float64(45 + rng.Intn(16))
				nextEvent = t + time.Duration(10+rng.Intn(21))*time.Second
			}
		}

		prevSpeed := speed
		if speed < targetSpeed {
			speed = math.Min(speed+1.5+2*rng.Float64(), targetSpeed)
		} else if speed > targetSpeed {
			speed = math.Max(speed-2-3*rng.Float64(), targetSpeed)
		}
		speedInt := uint8(math.Max(0, math.Round(speed)))
		decel := prevSpeed - speed

		var current float64
		switch {
		case speedInt == 0 && decel <= 0:
			current = 0.5 + 1.5*rng.Float64() // idle draw
		case decel > 1 && speedInt > 5:
			// Regenerative braking, negative current
			regen := decel*3*regenEfficiency + (rng.Float64()*4 - 2)
			current = -math.Max(1, math.Min(regen, 30))
		default:
			base := float64(speedInt)*0.8 + (rng.Float64()*8 - 3)
			current = math.Max(1, math.Min(base, maxContinuousA))
		}

		// Regen recovery over one step is below display resolution,
		// SOC stays monotonically non-increasing while driving
		soc -= math.Max(0, socDelta(current, step))
		soc = math.Max(0, math.Min(100, soc))
		tripKm += float64(speedInt) * step.Hours()

		points = append(points, Point{
			OffsetMs:  uint64(t / time.Millisecond),
			SpeedKmh:  speedInt,
			CurrentA:  math.Round(current*100) / 100,
			VoltageV:  voltageFromSOC(soc),
			SOC:       uint8(math.Round(soc)),
			MileageKm: params.StartOdometer + uint32(tripKm),
			TripKm:    math.Round(tripKm*10) / 10,
			Gear:      gearForSpeed(speedInt),
		})
		if soc <= 0 {
			break
		}
	}
	return newProfile("City Trip", SourceSynthetic, "city", points)
}

// GenerateHighway produces a ramp to 55-70 km/h cruise with small speed
// variation and occasional regen
func GenerateHighway(params Params) *Profile {
	params = params.withDefaults(95, time.Hour)
	rng := rand.New(rand.NewSource(params.Seed))

	const step = time.Second
	const accelTime = 30 * time.Second
	soc := params.StartSOC
	speed := 0.0
	tripKm := 0.0
	cruiseSpeed := float64(55 + rng.Intn(16))

	var points []Point
	for t := time.Duration(0); t <= params.Duration; t += step {
		prevSpeed := speed
		if t < accelTime {
			speed = cruiseSpeed * (t.Seconds() / accelTime.Seconds())
		} else {
			speed = cruiseSpeed + (rng.Float64()*6 - 3)
		}
		speedInt := uint8(math.Max(0, math.Round(speed)))
		decel := prevSpeed - speed

		var current float64
		switch {
		case decel > 1 && speedInt > 10:
			regen := decel*4*regenEfficiency + (rng.Float64()*3 - 1)
			current = -math.Max(1, math.Min(regen, 40))
		case t < accelTime:
			current = float64(speedInt)*1.2 + rng.Float64()*8
		default:
			current = cruiseSpeed*0.7 + (rng.Float64()*6 - 2)
		}
		current = math.Max(-40, math.Min(current, maxContinuousA))

		soc -= math.Max(0, socDelta(current, step))
		soc = math.Max(0, math.Min(100, soc))
		tripKm += float64(speedInt) * step.Hours()

		points = append(points, Point{
			OffsetMs:  uint64(t / time.Millisecond),
			SpeedKmh:  speedInt,
			CurrentA:  math.Round(current*100) / 100,
			VoltageV:  voltageFromSOC(soc),
			SOC:       uint8(math.Round(soc)),
			MileageKm: params.StartOdometer + uint32(tripKm),
			TripKm:    math.Round(tripKm*10) / 10,
			Gear:      gearForSpeed(speedInt),
		})
		if soc <= 0 {
			break
		}
	}
	return newProfile("Highway Trip", SourceSynthetic, "highway", points)
}

// GenerateCharge produces a stationary CC-CV charge cycle : constant 20 A
// until ~80 % SOC then a tapering current, SOC monotonically increasing
// until 100 %. Charging current is negative.
func GenerateCharge(params Params) *Profile {
	params = params.withDefaults(10, 2*time.Hour)

	const step = time.Second
	const chargeCurrentMax = 20.0 // 0.27C, typical wall charger
	soc := params.StartSOC

	var points []Point
	for t := time.Duration(0); t <= params.Duration; t += step {
		var current float64
		if soc < 80 {
			current = -chargeCurrentMax
		} else {
			// CV phase, taper while approaching full
			taper := math.Max(0.1, 1-(soc-80)/20)
			current = -chargeCurrentMax * taper
		}

		soc -= socDelta(current, step)
		soc = math.Min(100, soc)

		points = append(points, Point{
			OffsetMs:  uint64(t / time.Millisecond),
			SpeedKmh:  0,
			CurrentA:  math.Round(current*100) / 100,
			VoltageV:  voltageFromSOC(soc),
			SOC:       uint8(math.Round(soc)),
			MileageKm: params.StartOdometer,
			TripKm:    0,
			Gear:      Park,
		})
		if soc >= 100 {
			break
		}
	}
	return newProfile("Charge Cycle", SourceSynthetic, "charge", points)
}
