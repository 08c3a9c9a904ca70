package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	"github.com/stretchr/testify/assert"
)

// In-memory transport for exercising the manager without hardware
type fakeBus struct {
	mu       sync.Mutex
	opened   bool
	openErr  error
	writeErr error
	readErr  error
	rx       chan can.Frame
	sent     []can.Frame
}

func newFakeBus() *fakeBus {
	return &fakeBus{rx: make(chan can.Frame, 64)}
}

func (f *fakeBus) Open(channel string, bitrate can.Bitrate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = false
	return nil
}

func (f *fakeBus) Write(frame can.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeBus) Read(timeout time.Duration) (can.Frame, bool, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return can.Frame{}, false, err
	}
	select {
	case frame := <-f.rx:
		return frame, true, nil
	case <-time.After(timeout):
		return can.Frame{}, false, nil
	}
}

func (f *fakeBus) sentFrames() []can.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Frame{}, f.sent...)
}

func (f *fakeBus) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func TestConnectDisconnect(t *testing.T) {
	fake := newFakeBus()
	manager := NewManager(fake)

	var states []State
	var statesMu sync.Mutex
	manager.OnConnectionChanged(func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	assert.Equal(t, Disconnected, manager.State())
	assert.Nil(t, manager.Connect("PCAN_USBBUS1", can.Bitrate500k))
	assert.Equal(t, Connected, manager.State())
	assert.Equal(t, Counters{}, manager.Counters())
	assert.ErrorIs(t, manager.Connect("PCAN_USBBUS1", can.Bitrate500k), ErrAlreadyConnected)

	manager.Disconnect()
	assert.Equal(t, Disconnected, manager.State())
	// Idempotent
	manager.Disconnect()
	assert.Equal(t, Disconnected, manager.State())

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)
}

func TestDisconnectRacingConnect(t *testing.T) {
	fake := newFakeBus()
	manager := NewManager(fake)
	manager.pollTimeout = time.Millisecond

	// A Disconnect landing right after Connect must always terminate the
	// receive loop; a leaked loop would hang the wg.Wait inside Disconnect
	for i := 0; i < 100; i++ {
		done := make(chan struct{})
		go func() {
			manager.Disconnect()
			close(done)
		}()
		manager.Connect("vcan0", can.Bitrate500k)
		<-done
		manager.Disconnect()
		assert.Equal(t, Disconnected, manager.State())
	}
}

func TestConnectFailures(t *testing.T) {
	fake := newFakeBus()
	fake.openErr = can.ErrAdapterNotFound
	manager := NewManager(fake)

	err := manager.Connect("PCAN_USBBUS2", can.Bitrate250k)
	assert.ErrorIs(t, err, can.ErrAdapterNotFound)
	assert.Equal(t, Faulted, manager.State())

	// Faulted until an explicit disconnect
	manager.Disconnect()
	assert.Equal(t, Disconnected, manager.State())

	err = manager.Connect("PCAN_USBBUS2", can.Bitrate(42))
	assert.ErrorIs(t, err, can.ErrBitrateUnsupported)
	assert.Equal(t, Faulted, manager.State())
}

func TestSend(t *testing.T) {
	fake := newFakeBus()
	manager := NewManager(fake)

	frame, _ := can.New(0x18F81280, true, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.ErrorIs(t, manager.Send(frame), ErrNotConnected)

	assert.Nil(t, manager.Connect("PCAN_USBBUS1", can.Bitrate500k))
	defer manager.Disconnect()

	var sent []can.Frame
	var sentMu sync.Mutex
	manager.OnMessageSent(func(f can.Frame) {
		sentMu.Lock()
		sent = append(sent, f)
		sentMu.Unlock()
	})

	assert.Nil(t, manager.Send(frame))
	assert.Equal(t, uint64(1), manager.Counters().Tx)
	assert.Len(t, fake.sentFrames(), 1)
	sentMu.Lock()
	assert.Len(t, sent, 1)
	assert.Equal(t, frame.ID, sent[0].ID)
	sentMu.Unlock()

	// Adapter rejection is counted, not fatal
	fake.mu.Lock()
	fake.writeErr = can.ErrBusy
	fake.mu.Unlock()
	assert.ErrorIs(t, manager.Send(frame), can.ErrBusy)
	assert.Equal(t, uint64(1), manager.Counters().Tx)
	assert.NotZero(t, manager.Counters().Errors)
}

func TestReceive(t *testing.T) {
	fake := newFakeBus()
	manager := NewManager(fake)

	received := make(chan can.Frame, 8)
	manager.OnMessageReceived(func(f can.Frame) { received <- f })

	assert.Nil(t, manager.Connect("PCAN_USBBUS1", can.Bitrate500k))
	defer manager.Disconnect()

	frame, _ := can.New(0x100, false, []byte{0xAA})
	fake.rx <- frame

	select {
	case got := <-received:
		assert.Equal(t, uint32(0x100), got.ID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("frame was not surfaced by the receive loop")
	}
	assert.Equal(t, uint64(1), manager.Counters().Rx)
}

func TestLinkDownFaults(t *testing.T) {
	fake := newFakeBus()
	manager := NewManager(fake)
	assert.Nil(t, manager.Connect("PCAN_USBBUS1", can.Bitrate500k))

	fake.setReadErr(can.ErrLinkDown)
	assert.Eventually(t, func() bool {
		return manager.State() == Faulted
	}, time.Second, 10*time.Millisecond)

	manager.Disconnect()
	assert.Equal(t, Disconnected, manager.State())
}
