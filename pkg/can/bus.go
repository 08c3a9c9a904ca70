// Package can defines the CAN frame model and the transport contract that
// hardware adapters implement.
package can

import (
	"errors"
	"fmt"
	"time"
)

const MaxStandardId uint32 = 0x7FF
const MaxExtendedId uint32 = 0x1FFFFFFF

// Transport level errors, shared by all adapters
var (
	ErrAdapterNotFound    = errors.New("can: adapter not found")
	ErrBitrateUnsupported = errors.New("can: bitrate not supported")
	ErrBusy               = errors.New("can: transport busy")
	ErrLinkDown           = errors.New("can: link down")
	ErrInvalidId          = errors.New("can: identifier out of range")
	ErrInvalidLength      = errors.New("can: payload longer than 8 bytes")
)

// DriverError carries a raw adapter status code
type DriverError struct {
	Code int
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("can: driver error (code %d)", e.Code)
}

// Supported bus bitrates, in bit/s
type Bitrate uint32

const (
	Bitrate125k Bitrate = 125_000
	Bitrate250k Bitrate = 250_000
	Bitrate500k Bitrate = 500_000
	Bitrate1M   Bitrate = 1_000_000
)

func (b Bitrate) Valid() bool {
	switch b {
	case Bitrate125k, Bitrate250k, Bitrate500k, Bitrate1M:
		return true
	}
	return false
}

func (b Bitrate) String() string {
	if b >= Bitrate1M {
		return fmt.Sprintf("%d Mbit/s", uint32(b)/1_000_000)
	}
	return fmt.Sprintf("%d kbit/s", uint32(b)/1000)
}

// A single CAN frame. Extended selects the 29 bit identifier format,
// otherwise the identifier is 11 bit.
type Frame struct {
	ID        uint32    `json:"id"`
	DLC       uint8     `json:"dlc"`
	Data      [8]byte   `json:"data"`
	Extended  bool      `json:"extended"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// New builds a validated frame from a variable length payload
func New(id uint32, extended bool, data []byte) (Frame, error) {
	frame := Frame{ID: id, Extended: extended}
	if len(data) > 8 {
		return frame, ErrInvalidLength
	}
	maxId := MaxStandardId
	if extended {
		maxId = MaxExtendedId
	}
	if id > maxId {
		return frame, fmt.Errorf("%w : %X (extended=%v)", ErrInvalidId, id, extended)
	}
	frame.DLC = uint8(len(data))
	copy(frame.Data[:], data)
	return frame, nil
}

// Payload returns the DLC-sized view of the frame data
func (f *Frame) Payload() []byte {
	if f.DLC > 8 {
		return f.Data[:]
	}
	return f.Data[:f.DLC]
}

// A Bus is a physical or virtual CAN transport.
// Read returns false without error when no frame arrived within timeout
// and ErrLinkDown when the adapter lost the link for good.
type Bus interface {
	Open(channel string, bitrate Bitrate) error
	Close() error
	Write(frame Frame) error
	Read(timeout time.Duration) (Frame, bool, error)
}
