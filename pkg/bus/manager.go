// Package bus owns the CAN transport handle : connection state machine,
// traffic counters and the single serialized send/receive gateway used by
// every producer in the system.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	log "github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("bus: not connected")
var ErrAlreadyConnected = errors.New("bus: already connected")

// Connection state machine. Faulted is terminal until an explicit
// Disconnect resets it.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Traffic counters for the lifetime of a connection
type Counters struct {
	Rx     uint64 `json:"rx"`
	Tx     uint64 `json:"tx"`
	Errors uint64 `json:"errors"`
}

const defaultPollTimeout = 100 * time.Millisecond

// Manager is the single gateway to the CAN transport.
// Send is safe to call concurrently from any producer, a transport write is
// never interleaved mid-write. Receiving happens on one dedicated loop.
type Manager struct {
	mu       sync.Mutex // guards state, counters, callbacks
	txMu     sync.Mutex // serializes transport writes and sent notifications
	bus      can.Bus
	state    State
	counters Counters
	channel  string
	bitrate  can.Bitrate
	stop     chan struct{}
	wg       sync.WaitGroup

	pollTimeout time.Duration

	onState []func(State)
	onRx    []func(can.Frame)
	onTx    []func(can.Frame)
}

func NewManager(bus can.Bus) *Manager {
	return &Manager{
		bus:         bus,
		state:       Disconnected,
		pollTimeout: defaultPollTimeout,
	}
}

// OnConnectionChanged registers a state change observer.
// Observers are invoked in registration order, in event order.
func (m *Manager) OnConnectionChanged(callback func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, callback)
}

// OnMessageReceived registers an inbound frame observer
func (m *Manager) OnMessageReceived(callback func(can.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRx = append(m.onRx, callback)
}

// OnMessageSent registers an outbound frame observer
func (m *Manager) OnMessageSent(callback func(can.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTx = append(m.onTx, callback)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Counters returns a snapshot of the traffic counters
func (m *Manager) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *Manager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Manager) Bitrate() can.Bitrate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitrate
}

// Connect opens the transport and starts the receive loop.
// On success counters are reset, on failure the manager is Faulted until
// the next Disconnect.
func (m *Manager) Connect(channel string, bitrate can.Bitrate) error {
	m.mu.Lock()
	if m.state == Connected || m.state == Connecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = Connecting
	m.mu.Unlock()
	m.notifyState(Connecting)

	if !bitrate.Valid() {
		m.setState(Faulted)
		return can.ErrBitrateUnsupported
	}
	if err := m.bus.Open(channel, bitrate); err != nil {
		m.setState(Faulted)
		log.Errorf("[BUS] connect to %v failed : %v", channel, err)
		return err
	}

	m.mu.Lock()
	m.channel = channel
	m.bitrate = bitrate
	m.counters = Counters{}
	m.state = Connected
	stop := make(chan struct{})
	m.stop = stop
	m.wg.Add(1)
	m.mu.Unlock()
	m.notifyState(Connected)
	log.Infof("[BUS] connected to %v @ %v", channel, bitrate)

	// The local keeps the loop bound to this connection even if a racing
	// Disconnect nils m.stop before the goroutine starts
	go m.receiveLoop(stop)
	return nil
}

// Disconnect stops the receive loop and closes the transport.
// It is idempotent and also clears a Faulted state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	alreadyDown := m.state == Disconnected
	m.mu.Unlock()
	m.wg.Wait()
	m.bus.Close()
	if alreadyDown {
		return
	}
	m.setState(Disconnected)
	log.Info("[BUS] disconnected")
}

// Send transmits a single frame.
// Transport writes are mutually exclusive so concurrent producers never
// interleave a frame mid-write.
func (m *Manager) Send(frame can.Frame) error {
	m.mu.Lock()
	if m.state != Connected {
		m.counters.Errors++
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	m.txMu.Lock()
	defer m.txMu.Unlock()
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if err := m.bus.Write(frame); err != nil {
		m.mu.Lock()
		m.counters.Errors++
		m.mu.Unlock()
		return fmt.Errorf("bus: send failed : %w", err)
	}
	m.mu.Lock()
	m.counters.Tx++
	callbacks := m.onTx
	m.mu.Unlock()
	// Still under txMu : sent notifications are delivered in send order
	for _, callback := range callbacks {
		callback(frame)
	}
	return nil
}

// receiveLoop is the dedicated receive task, it terminates on Disconnect
// or when the adapter reports link-down.
func (m *Manager) receiveLoop(stop chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !m.pollReceive() {
			return
		}
	}
}

// pollReceive blocks up to the poll timeout on the transport.
// Transient read errors are counted and recovered, link-down faults the
// connection. The returned flag reports whether the loop should continue.
func (m *Manager) pollReceive() bool {
	frame, ok, err := m.bus.Read(m.pollTimeout)
	if err != nil {
		if errors.Is(err, can.ErrLinkDown) {
			log.Error("[BUS] link down, faulting connection")
			m.bus.Close()
			m.setState(Faulted)
			return false
		}
		m.mu.Lock()
		m.counters.Errors++
		m.mu.Unlock()
		log.Warnf("[BUS] receive error : %v", err)
		return true
	}
	if !ok {
		// Timeout, nothing received
		return true
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.counters.Rx++
	callbacks := m.onRx
	m.mu.Unlock()
	for _, callback := range callbacks {
		callback(frame)
	}
	return true
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.notifyState(state)
}

func (m *Manager) notifyState(state State) {
	m.mu.Lock()
	callbacks := m.onState
	m.mu.Unlock()
	for _, callback := range callbacks {
		callback(state)
	}
}
