// Package transmit owns the periodic transmit message set and the tick loop
// that pushes due frames through the bus manager.
package transmit

import (
	"errors"
	"sync"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	log "github.com/sirupsen/logrus"
)

var ErrBadCycleTime = errors.New("transmit: cycle time must be > 0")
var ErrBadIncrementByte = errors.New("transmit: increment byte must be -1 or 0..7")
var ErrBadIndex = errors.New("transmit: no message at index")

const defaultResolution = 5 * time.Millisecond

// Message is a periodically transmitted frame definition.
// SendCount and FailCount are maintained by the scheduler.
type Message struct {
	ID            uint32  `json:"msg_id"`
	Data          [8]byte `json:"data"`
	Extended      bool    `json:"extended"`
	CycleTimeMs   uint32  `json:"cycle_time_ms"`
	Paused        bool    `json:"is_paused"`
	Comment       string  `json:"comment,omitempty"`
	IncrementByte int8    `json:"increment_byte"`
	SendCount     uint64  `json:"send_count"`
	FailCount     uint64  `json:"fail_count"`

	nextDue time.Time
}

func (m *Message) Validate() error {
	if m.CycleTimeMs == 0 {
		return ErrBadCycleTime
	}
	if m.IncrementByte < -1 || m.IncrementByte > 7 {
		return ErrBadIncrementByte
	}
	return nil
}

func (m *Message) cycle() time.Duration {
	return time.Duration(m.CycleTimeMs) * time.Millisecond
}

func (m *Message) frame() can.Frame {
	return can.Frame{ID: m.ID, DLC: 8, Data: m.Data, Extended: m.Extended}
}

// applyIncrement wraps the configured payload byte, mod 256.
// Called after every successful send.
func (m *Message) applyIncrement() {
	if m.IncrementByte >= 0 && m.IncrementByte < 8 {
		m.Data[m.IncrementByte]++
	}
}

// Sender is the send gateway, satisfied by *bus.Manager
type Sender interface {
	Send(frame can.Frame) error
}

// Scheduler drives the message set on a fixed tick grain.
// The message set is owned here : ticks snapshot due work under the same
// mutex that serializes user edits, so in-flight iteration never observes a
// half-applied mutation.
type Scheduler struct {
	mu         sync.Mutex
	sender     Sender
	messages   []*Message
	resolution time.Duration
	now        func() time.Time
	stop       chan struct{}
	wg         sync.WaitGroup
	running    bool
}

func NewScheduler(sender Sender) *Scheduler {
	return &Scheduler{
		sender:     sender,
		resolution: defaultResolution,
		now:        time.Now,
	}
}

// SetResolution adjusts the tick grain, only before Start
func (s *Scheduler) SetResolution(resolution time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resolution > 0 {
		s.resolution = resolution
	}
}

// Add validates and appends a message, returning its index.
// A new unpaused message is immediately due.
func (s *Scheduler) Add(msg Message) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, &msg)
	return len(s.messages) - 1, nil
}

// Remove destroys the message at index
func (s *Scheduler) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return ErrBadIndex
	}
	s.messages = append(s.messages[:index], s.messages[index+1:]...)
	return nil
}

// Update replaces the definition at index, counters restart with it
func (s *Scheduler) Update(index int, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return ErrBadIndex
	}
	s.messages[index] = &msg
	return nil
}

// SetPaused pauses or resumes a message.
// A resumed message becomes immediately due.
func (s *Scheduler) SetPaused(index int, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return ErrBadIndex
	}
	msg := s.messages[index]
	if msg.Paused && !paused {
		msg.nextDue = time.Time{}
	}
	msg.Paused = paused
	return nil
}

// SendOnce transmits the message at index immediately, outside its cycle
func (s *Scheduler) SendOnce(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.messages) {
		s.mu.Unlock()
		return ErrBadIndex
	}
	msg := s.messages[index]
	frame := msg.frame()
	s.mu.Unlock()

	err := s.sender.Send(frame)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		msg.FailCount++
		return err
	}
	msg.SendCount++
	msg.applyIncrement()
	return nil
}

// Snapshot returns value copies of the message set for display or
// persistence
func (s *Scheduler) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = *msg
	}
	return out
}

// Replace swaps the whole message set, used by project import
func (s *Scheduler) Replace(msgs []Message) error {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]*Message, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		s.messages[i] = &msg
	}
	return nil
}

// Start launches the tick loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.stop, s.resolution)
	log.Debugf("[TX] scheduler started, resolution %v", s.resolution)
}

// Stop halts the tick loop before returning
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
	log.Debug("[TX] scheduler stopped")
}

func (s *Scheduler) run(stop chan struct{}, resolution time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick transmits every due, unpaused message once.
// Due messages are snapshotted under the set mutex, sends happen outside it
// so a slow transport never stalls user edits, then results are folded back
// per message. Rescheduling is always now + cycle which avoids catch-up
// bursts after a stall.
func (s *Scheduler) Tick() {
	now := s.now()

	s.mu.Lock()
	var due []*Message
	var frames []can.Frame
	for _, msg := range s.messages {
		if msg.Paused || msg.nextDue.After(now) {
			continue
		}
		due = append(due, msg)
		frames = append(frames, msg.frame())
	}
	s.mu.Unlock()

	for i, msg := range due {
		err := s.sender.Send(frames[i])
		s.mu.Lock()
		msg.nextDue = now.Add(msg.cycle())
		if err != nil {
			// Skip, do not retry within the tick
			msg.FailCount++
		} else {
			msg.SendCount++
			msg.applyIncrement()
		}
		s.mu.Unlock()
	}
}
