package trip

import (
	"errors"
	"fmt"
	"math"
)

var ErrImportMalformed = errors.New("trip: malformed import row")

// Row is one already-parsed sample from the external import layer.
// Optional fields are nil when the source had no such column, they default
// to the prior row's value (or zero for the first row).
type Row struct {
	OffsetMs  uint64
	SpeedKmh  float64
	CurrentA  float64
	VoltageV  float64
	SOC       float64
	MileageKm *uint32
	Gear      *Gear
}

// Import validates externally parsed rows and builds an immutable profile.
// An unrecoverable row aborts the whole import with ErrImportMalformed,
// nothing half-built is returned.
func Import(name string, origin string, rows []Row) (*Profile, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w : no rows", ErrImportMalformed)
	}
	points := make([]Point, 0, len(rows))
	var prev Point
	var lastOffset uint64
	for i, row := range rows {
		if err := validateRow(row); err != nil {
			return nil, fmt.Errorf("%w : row %d : %v", ErrImportMalformed, i, err)
		}
		if i > 0 && row.OffsetMs < lastOffset {
			return nil, fmt.Errorf("%w : row %d : time offset went backwards", ErrImportMalformed, i)
		}
		lastOffset = row.OffsetMs

		point := Point{
			OffsetMs: row.OffsetMs,
			SpeedKmh: clampSpeed(row.SpeedKmh),
			CurrentA: row.CurrentA,
			VoltageV: row.VoltageV,
			SOC:      uint8(math.Round(row.SOC)),
		}
		// Optional columns inherit the prior value
		point.MileageKm = prev.MileageKm
		point.Gear = prev.Gear
		point.TripKm = prev.TripKm
		if row.MileageKm != nil {
			point.MileageKm = *row.MileageKm
			if len(points) > 0 && *row.MileageKm >= points[0].MileageKm {
				point.TripKm = float64(*row.MileageKm - points[0].MileageKm)
			}
		}
		if row.Gear != nil {
			point.Gear = *row.Gear
		}
		points = append(points, point)
		prev = point
	}
	return newProfile(name, SourceImported, origin, points), nil
}

func validateRow(row Row) error {
	if row.SOC < 0 || row.SOC > 100 {
		return fmt.Errorf("soc %v out of range 0-100", row.SOC)
	}
	if row.VoltageV < 0 || row.VoltageV > 120 {
		return fmt.Errorf("voltage %v out of range 0-120", row.VoltageV)
	}
	if row.SpeedKmh < 0 {
		return fmt.Errorf("negative speed %v", row.SpeedKmh)
	}
	if math.Abs(row.CurrentA) > maxPeakA {
		return fmt.Errorf("current %v beyond peak rating", row.CurrentA)
	}
	if math.IsNaN(row.VoltageV) || math.IsNaN(row.CurrentA) || math.IsNaN(row.SOC) || math.IsNaN(row.SpeedKmh) {
		return fmt.Errorf("non numeric value")
	}
	if row.Gear != nil && *row.Gear > Sport {
		return fmt.Errorf("gear %d out of range", *row.Gear)
	}
	return nil
}

// Speeds beyond the 8 bit wire field are clamped, never wrapped
func clampSpeed(speed float64) uint8 {
	if speed > 255 {
		return 255
	}
	return uint8(math.Round(speed))
}
