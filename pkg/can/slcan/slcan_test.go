package slcan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial"
)

func TestDecodeLine(t *testing.T) {
	frame, err := decodeLine("T18F812808" + "02D0025850000000")
	assert.Nil(t, err)
	assert.Equal(t, uint32(0x18F81280), frame.ID)
	assert.True(t, frame.Extended)
	assert.Equal(t, uint8(8), frame.DLC)
	assert.Equal(t, []byte{0x02, 0xD0, 0x02, 0x58, 0x50, 0x00, 0x00, 0x00}, frame.Payload())

	frame, err = decodeLine("t1003AABBCC")
	assert.Nil(t, err)
	assert.Equal(t, uint32(0x100), frame.ID)
	assert.False(t, frame.Extended)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, frame.Payload())

	// Status / version answers are skipped, not errors for the caller
	_, err = decodeLine("z")
	assert.NotNil(t, err)
	_, err = decodeLine("t100")
	assert.NotNil(t, err)
	_, err = decodeLine("t1009")
	assert.NotNil(t, err)
}

// fakePort replays canned chunks, then behaves like a read timeout
type fakePort struct {
	chunks [][]byte
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, nil
	}
	n := copy(buf, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if len(p.chunks[0]) == 0 {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *fakePort) Write(buf []byte) (int, error)                 { return len(buf), nil }
func (p *fakePort) SetMode(mode *serial.Mode) error               { return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error          { return nil }
func (p *fakePort) Close() error                                  { return nil }
func (p *fakePort) Drain() error                                  { return nil }
func (p *fakePort) ResetInputBuffer() error                       { return nil }
func (p *fakePort) ResetOutputBuffer() error                      { return nil }
func (p *fakePort) SetDTR(dtr bool) error                         { return nil }
func (p *fakePort) SetRTS(rts bool) error                         { return nil }
func (p *fakePort) Break(d time.Duration) error                   { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func TestReadDrainsCoalescedFrames(t *testing.T) {
	bus := &SlcanBus{port: &fakePort{
		chunks: [][]byte{[]byte("t1001AA\rt2001BB\r")},
	}}

	frame, ok, err := bus.Read(10 * time.Millisecond)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x100), frame.ID)

	// The second frame arrived in the same chunk and must be served from
	// the buffer even though the port has gone quiet
	frame, ok, err = bus.Read(10 * time.Millisecond)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x200), frame.ID)
	assert.Equal(t, []byte{0xBB}, frame.Payload())

	_, ok, err = bus.Read(10 * time.Millisecond)
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestReadSkipsMalformedLineBeforeFrame(t *testing.T) {
	bus := &SlcanBus{port: &fakePort{
		chunks: [][]byte{[]byte("z\rt3002CCDD\r")},
	}}

	frame, ok, err := bus.Read(10 * time.Millisecond)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x300), frame.ID)
	assert.Equal(t, []byte{0xCC, 0xDD}, frame.Payload())
}
