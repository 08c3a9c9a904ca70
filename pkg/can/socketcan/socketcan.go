// Basic socketcan adapter, it uses the implementation
// that can be found here : https://github.com/brutella/can
package socketcan

import (
	"fmt"
	"sync/atomic"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/cantroller/cantroller/pkg/can"
	log "github.com/sirupsen/logrus"
)

const canEffFlag uint32 = 0x80000000
const rxQueueSize = 512

func init() {
	can.Register("socketcan", NewSocketcanBus)
}

type SocketcanBus struct {
	bus      *sockcan.Bus
	rx       chan can.Frame
	linkDown atomic.Bool
}

func NewSocketcanBus(channel string) (can.Bus, error) {
	return &SocketcanBus{rx: make(chan can.Frame, rxQueueSize)}, nil
}

// "Open" implementation of Bus interface.
// The socketcan bitrate is a property of the link (ip link set ... bitrate),
// it is validated here but not applied.
func (s *SocketcanBus) Open(channel string, bitrate can.Bitrate) error {
	if !bitrate.Valid() {
		return can.ErrBitrateUnsupported
	}
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return fmt.Errorf("%w : %v", can.ErrAdapterNotFound, err)
	}
	s.bus = bus
	s.linkDown.Store(false)
	// brutella/can defines a "Handle" interface for received CAN frames
	bus.Subscribe(s)
	go func() {
		// ConnectAndPublish blocks for the lifetime of the socket
		err := s.bus.ConnectAndPublish()
		if err != nil {
			log.Errorf("[SOCKETCAN] receive loop stopped : %v", err)
		}
		s.linkDown.Store(true)
	}()
	return nil
}

// "Close" implementation of Bus interface
func (s *SocketcanBus) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Disconnect()
}

// "Write" implementation of Bus interface
func (s *SocketcanBus) Write(frame can.Frame) error {
	if s.bus == nil || s.linkDown.Load() {
		return can.ErrLinkDown
	}
	id := frame.ID
	if frame.Extended {
		id |= canEffFlag
	}
	return s.bus.Publish(sockcan.Frame{
		ID:     id,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

// "Read" implementation of Bus interface
func (s *SocketcanBus) Read(timeout time.Duration) (can.Frame, bool, error) {
	if s.linkDown.Load() {
		return can.Frame{}, false, can.ErrLinkDown
	}
	select {
	case frame := <-s.rx:
		return frame, true, nil
	case <-time.After(timeout):
		return can.Frame{}, false, nil
	}
}

// brutella/can specific "Handle" implementation, converts and queues
// received frames
func (s *SocketcanBus) Handle(frame sockcan.Frame) {
	rxFrame := can.Frame{
		ID:        frame.ID &^ canEffFlag,
		DLC:       frame.Length,
		Data:      frame.Data,
		Extended:  frame.ID&canEffFlag != 0,
		Timestamp: time.Now(),
	}
	select {
	case s.rx <- rxFrame:
	default:
		log.Warnf("[SOCKETCAN] rx queue full, dropping frame x%X", rxFrame.ID)
	}
}
