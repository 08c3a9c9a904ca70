package trip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func uintPtr(v uint32) *uint32 { return &v }
func gearPtr(g Gear) *Gear     { return &g }

func TestImport(t *testing.T) {
	rows := []Row{
		{OffsetMs: 0, SpeedKmh: 0, CurrentA: 1.2, VoltageV: 78.4, SOC: 85, MileageKm: uintPtr(1250), Gear: gearPtr(Park)},
		{OffsetMs: 1000, SpeedKmh: 12, CurrentA: 10.5, VoltageV: 78.1, SOC: 85, Gear: gearPtr(Eco)},
		{OffsetMs: 2000, SpeedKmh: 35, CurrentA: 28.0, VoltageV: 77.8, SOC: 84, MileageKm: uintPtr(1251)},
	}
	profile, err := Import("Teste conducao", "conducao.csv", rows)
	assert.Nil(t, err)
	assert.Equal(t, SourceImported, profile.Source())
	assert.Equal(t, 3, profile.Len())

	// Missing optional columns inherit the prior value
	p1 := profile.Point(1)
	assert.Equal(t, uint32(1250), p1.MileageKm)
	assert.Equal(t, Eco, p1.Gear)
	p2 := profile.Point(2)
	assert.Equal(t, uint32(1251), p2.MileageKm)
	assert.Equal(t, Eco, p2.Gear)
	assert.Equal(t, 1.0, p2.TripKm)
}

func TestImportMalformed(t *testing.T) {
	cases := []struct {
		name string
		rows []Row
	}{
		{"no rows", nil},
		{"soc out of range", []Row{{SOC: 120, VoltageV: 72}}},
		{"voltage out of range", []Row{{SOC: 50, VoltageV: 400}}},
		{"negative speed", []Row{{SOC: 50, VoltageV: 72, SpeedKmh: -5}}},
		{"current beyond peak", []Row{{SOC: 50, VoltageV: 72, CurrentA: 400}}},
		{"time going backwards", []Row{
			{OffsetMs: 1000, SOC: 50, VoltageV: 72},
			{OffsetMs: 500, SOC: 50, VoltageV: 72},
		}},
		{"bad gear", []Row{{SOC: 50, VoltageV: 72, Gear: gearPtr(Gear(9))}}},
	}
	for _, tc := range cases {
		_, err := Import("bad", "bad.csv", tc.rows)
		assert.ErrorIs(t, err, ErrImportMalformed, tc.name)
	}
}

func TestImportClampsSpeed(t *testing.T) {
	rows := []Row{{OffsetMs: 0, SpeedKmh: 300, CurrentA: 10, VoltageV: 72, SOC: 50}}
	profile, err := Import("fast", "fast.csv", rows)
	assert.Nil(t, err)
	assert.Equal(t, uint8(255), profile.Point(0).SpeedKmh)
}
