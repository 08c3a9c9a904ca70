// Virtual CAN bus used for hardware-free benches and testing.
// This uses TCP as transport, client implementation of the virtual can
// interface from windelbouwman/virtualcan.
package virtual

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
)

func init() {
	can.Register("virtualcan", NewVirtualCanBus)
}

const frameSize = 14
const extendedFlag uint8 = 0x01

type VirtualCanBus struct {
	mu      sync.Mutex
	channel string
	conn    net.Conn
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &VirtualCanBus{channel: channel}, nil
}

// "Open" implementation of Bus interface, channel is e.g. localhost:18888
func (v *VirtualCanBus) Open(channel string, bitrate can.Bitrate) error {
	if !bitrate.Valid() {
		return can.ErrBitrateUnsupported
	}
	if channel == "" {
		channel = v.channel
	}
	conn, err := net.Dial("tcp", channel)
	if err != nil {
		return fmt.Errorf("%w : %v", can.ErrAdapterNotFound, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	v.mu.Lock()
	v.conn = conn
	v.mu.Unlock()
	return nil
}

// "Close" implementation of Bus interface
func (v *VirtualCanBus) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	return err
}

// "Write" implementation of Bus interface
func (v *VirtualCanBus) Write(frame can.Frame) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return can.ErrLinkDown
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := conn.Write(serializeFrame(frame))
	if err != nil {
		return fmt.Errorf("can: transport error : %w", err)
	}
	return nil
}

// "Read" implementation of Bus interface
func (v *VirtualCanBus) Read(timeout time.Duration) (can.Frame, bool, error) {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return can.Frame{}, false, can.ErrLinkDown
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	headerBytes := make([]byte, 4)
	if _, err := readFull(conn, headerBytes); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return can.Frame{}, false, nil
		}
		return can.Frame{}, false, can.ErrLinkDown
	}
	length := binary.BigEndian.Uint32(headerBytes)
	if length != frameSize {
		return can.Frame{}, false, can.ErrLinkDown
	}
	frameBytes := make([]byte, length)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := readFull(conn, frameBytes); err != nil {
		return can.Frame{}, false, can.ErrLinkDown
	}
	frame := deserializeFrame(frameBytes)
	frame.Timestamp = time.Now()
	return frame, true, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

// Wire format : 4 byte big-endian length header followed by
// id (u32 BE), flags (u8, bit 0 = extended), dlc (u8), 8 data bytes
func serializeFrame(frame can.Frame) []byte {
	buf := make([]byte, 4+frameSize)
	binary.BigEndian.PutUint32(buf[0:4], frameSize)
	binary.BigEndian.PutUint32(buf[4:8], frame.ID)
	if frame.Extended {
		buf[8] = extendedFlag
	}
	buf[9] = frame.DLC
	copy(buf[10:], frame.Data[:])
	return buf
}

func deserializeFrame(buf []byte) can.Frame {
	frame := can.Frame{
		ID:       binary.BigEndian.Uint32(buf[0:4]),
		Extended: buf[4]&extendedFlag != 0,
		DLC:      buf[5],
	}
	copy(frame.Data[:], buf[6:])
	return frame
}
