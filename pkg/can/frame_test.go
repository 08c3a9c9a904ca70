package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFrame(t *testing.T) {
	frame, err := New(0x123, false, []byte{1, 2, 3})
	assert.Nil(t, err)
	assert.Equal(t, uint8(3), frame.DLC)
	assert.Equal(t, []byte{1, 2, 3}, frame.Payload())

	// 11 bit limit for standard ids
	_, err = New(0x800, false, nil)
	assert.ErrorIs(t, err, ErrInvalidId)
	_, err = New(0x800, true, nil)
	assert.Nil(t, err)

	// 29 bit limit for extended ids
	_, err = New(0x18F81280, true, make([]byte, 8))
	assert.Nil(t, err)
	_, err = New(0x20000000, true, nil)
	assert.ErrorIs(t, err, ErrInvalidId)

	_, err = New(0x123, false, make([]byte, 9))
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestBitrate(t *testing.T) {
	assert.True(t, Bitrate500k.Valid())
	assert.False(t, Bitrate(300_000).Valid())
	assert.Equal(t, "500 kbit/s", Bitrate500k.String())
	assert.Equal(t, "1 Mbit/s", Bitrate1M.String())
}

func TestRegistry(t *testing.T) {
	_, err := NewBus("does-not-exist", "can0")
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}
