package sim

import (
	"encoding/binary"
	"math"

	"github.com/cantroller/cantroller/pkg/can"
	"github.com/cantroller/cantroller/pkg/trip"
)

// Telemetry frame identifiers, both extended format
const (
	BmsFrameID uint32 = 0x18F81280 // GET_SOC
	McuFrameID uint32 = 0x18F86890 // GET_MCU_KM
)

// Field scaling factors
const (
	voltageScale = 10 // 0.1 V per bit
	currentScale = 20 // 0.05 A per bit
)

// Values beyond a wire field are clamped to the field limits, never wrapped

func clampU16(v float64) uint16 {
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(r)
}

func clampI16(v float64) int16 {
	r := math.Round(v)
	if r < math.MinInt16 {
		return math.MinInt16
	}
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	return int16(r)
}

func clampU8(v uint32, max uint8) uint8 {
	if v > uint32(max) {
		return max
	}
	return uint8(v)
}

// EncodeBMS packs battery telemetry, big-endian :
//
//	byte 0-1 : voltage, unsigned, 0.1 V per bit
//	byte 2-3 : current, signed, 0.05 A per bit, positive = discharge
//	byte 4   : SOC 0-100
//	byte 5-7 : reserved
func EncodeBMS(p trip.Point) can.Frame {
	frame := can.Frame{ID: BmsFrameID, DLC: 8, Extended: true}
	binary.BigEndian.PutUint16(frame.Data[0:2], clampU16(p.VoltageV*voltageScale))
	binary.BigEndian.PutUint16(frame.Data[2:4], uint16(clampI16(p.CurrentA*currentScale)))
	frame.Data[4] = clampU8(uint32(p.SOC), 100)
	return frame
}

// DecodeBMS recovers voltage, current and SOC within encoding resolution
// (0.1 V, 0.05 A)
func DecodeBMS(frame can.Frame) (voltageV float64, currentA float64, soc uint8) {
	voltageV = float64(binary.BigEndian.Uint16(frame.Data[0:2])) / voltageScale
	currentA = float64(int16(binary.BigEndian.Uint16(frame.Data[2:4]))) / currentScale
	soc = frame.Data[4]
	return
}

// EncodeMCU packs motor controller telemetry, big-endian :
//
//	byte 0   : speed km/h, clamped 0-255
//	byte 1-3 : total mileage km, unsigned 24 bit
//	byte 4   : current trip mileage km, clamped 0-255
//	byte 5   : gear, 0=Park 1=Eco 2=Normal 3=Sport
//	byte 6-7 : reserved
func EncodeMCU(p trip.Point) can.Frame {
	frame := can.Frame{ID: McuFrameID, DLC: 8, Extended: true}
	frame.Data[0] = p.SpeedKmh
	mileage := p.MileageKm
	if mileage > 0xFFFFFF {
		mileage = 0xFFFFFF
	}
	frame.Data[1] = byte(mileage >> 16)
	frame.Data[2] = byte(mileage >> 8)
	frame.Data[3] = byte(mileage)
	tripKm := math.Round(p.TripKm)
	if tripKm < 0 {
		tripKm = 0
	}
	if tripKm > 255 {
		tripKm = 255
	}
	frame.Data[4] = byte(tripKm)
	frame.Data[5] = byte(p.Gear)
	return frame
}

// DecodeMCU recovers speed, mileages and gear
func DecodeMCU(frame can.Frame) (speedKmh uint8, mileageKm uint32, tripKm uint8, gear trip.Gear) {
	speedKmh = frame.Data[0]
	mileageKm = uint32(frame.Data[1])<<16 | uint32(frame.Data[2])<<8 | uint32(frame.Data[3])
	tripKm = frame.Data[4]
	gear = trip.Gear(frame.Data[5])
	return
}
