// Lawicel SLCAN (serial line CAN) adapter for USB-serial CAN dongles
// such as CANable, CANtact or USBtin.
package slcan

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

func init() {
	can.Register("slcan", NewSlcanBus)
}

// SLCAN bitrate setup commands, Lawicel "Sn" codes
var bitrateCodes = map[can.Bitrate]string{
	can.Bitrate125k: "S4",
	can.Bitrate250k: "S5",
	can.Bitrate500k: "S6",
	can.Bitrate1M:   "S8",
}

const serialBaudRate = 115200

type SlcanBus struct {
	mu      sync.Mutex
	port    serial.Port
	channel string
	rxBuf   []byte
}

func NewSlcanBus(channel string) (can.Bus, error) {
	return &SlcanBus{channel: channel}, nil
}

// "Open" implementation of Bus interface
func (s *SlcanBus) Open(channel string, bitrate can.Bitrate) error {
	code, ok := bitrateCodes[bitrate]
	if !ok {
		return can.ErrBitrateUnsupported
	}
	if channel == "" {
		channel = s.channel
	}
	mode := &serial.Mode{BaudRate: serialBaudRate}
	port, err := serial.Open(channel, mode)
	if err != nil {
		return fmt.Errorf("%w : %v", can.ErrAdapterNotFound, err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	// Close a possibly open channel, set the bitrate, then open
	for _, cmd := range []string{"C", code, "O"} {
		if _, err := port.Write([]byte(cmd + "\r")); err != nil {
			port.Close()
			return &can.DriverError{Code: -1}
		}
	}
	log.Infof("[SLCAN] opened %v @ %v", channel, bitrate)
	return nil
}

// "Close" implementation of Bus interface
func (s *SlcanBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	s.port.Write([]byte("C\r"))
	err := s.port.Close()
	s.port = nil
	return err
}

// "Write" implementation of Bus interface.
// Frames are encoded as tiiiL.. (standard) or TiiiiiiiiL.. (extended).
func (s *SlcanBus) Write(frame can.Frame) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return can.ErrLinkDown
	}
	var sb strings.Builder
	if frame.Extended {
		fmt.Fprintf(&sb, "T%08X%d", frame.ID, frame.DLC)
	} else {
		fmt.Fprintf(&sb, "t%03X%d", frame.ID, frame.DLC)
	}
	for _, b := range frame.Payload() {
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte('\r')
	_, err := port.Write([]byte(sb.String()))
	if err != nil {
		return fmt.Errorf("can: transport error : %w", err)
	}
	return nil
}

// "Read" implementation of Bus interface
func (s *SlcanBus) Read(timeout time.Duration) (can.Frame, bool, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return can.Frame{}, false, can.ErrLinkDown
	}
	// Serve a line already buffered from a previous chunk before touching
	// the port, otherwise back-to-back frames in one chunk would drain at
	// one frame per read syscall.
	if frame, ok := s.nextFrame(); ok {
		return frame, true, nil
	}
	port.SetReadTimeout(timeout)
	buf := make([]byte, 64)
	n, err := port.Read(buf)
	if err != nil {
		return can.Frame{}, false, can.ErrLinkDown
	}
	if n == 0 {
		// Timeout
		return can.Frame{}, false, nil
	}
	s.rxBuf = append(s.rxBuf, buf[:n]...)
	frame, ok := s.nextFrame()
	return frame, ok, nil
}

// nextFrame pops complete lines from the receive buffer until one decodes
// to a frame, skipping malformed lines
func (s *SlcanBus) nextFrame() (can.Frame, bool) {
	for {
		idx := strings.IndexByte(string(s.rxBuf), '\r')
		if idx < 0 {
			return can.Frame{}, false
		}
		line := string(s.rxBuf[:idx])
		s.rxBuf = s.rxBuf[idx+1:]
		frame, err := decodeLine(line)
		if err != nil {
			log.Debugf("[SLCAN] skipping line %q : %v", line, err)
			continue
		}
		frame.Timestamp = time.Now()
		return frame, true
	}
}

func decodeLine(line string) (can.Frame, error) {
	if len(line) == 0 {
		return can.Frame{}, fmt.Errorf("empty line")
	}
	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
		extended = true
	default:
		return can.Frame{}, fmt.Errorf("not a frame line")
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("line too short")
	}
	var id uint32
	if _, err := fmt.Sscanf(line[1:1+idLen], "%X", &id); err != nil {
		return can.Frame{}, err
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 1+idLen+1+dlc*2 {
		return can.Frame{}, fmt.Errorf("bad dlc")
	}
	data := make([]byte, dlc)
	for i := 0; i < dlc; i++ {
		var b byte
		if _, err := fmt.Sscanf(line[1+idLen+1+i*2:1+idLen+3+i*2], "%02X", &b); err != nil {
			return can.Frame{}, err
		}
		data[i] = b
	}
	return can.New(id, extended, data)
}
