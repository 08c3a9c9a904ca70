package transmit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []can.Frame
	err  error
}

func (f *fakeSender) Send(frame can.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// Scheduler with a manual clock, ticked directly by the tests
func newTestScheduler(sender Sender) (*Scheduler, *time.Time) {
	s := NewScheduler(sender)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestCycleTiming(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(sender)
	_, err := s.Add(Message{ID: 0x123, CycleTimeMs: 10, IncrementByte: -1})
	assert.Nil(t, err)

	// 1 ms grain against a 10 ms cycle : over 2 s of simulated time the
	// mean inter-send interval converges to the cycle time
	for i := 0; i < 2000; i++ {
		s.Tick()
		*now = now.Add(time.Millisecond)
	}
	sends := sender.count()
	assert.InDelta(t, 200, sends, 1)

	msgs := s.Snapshot()
	assert.Equal(t, uint64(sends), msgs[0].SendCount)
}

func TestIncrementByteWraps(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(sender)
	_, err := s.Add(Message{ID: 0x123, CycleTimeMs: 1, IncrementByte: 3})
	assert.Nil(t, err)

	// 300 successful sends starting from 0 leave byte 3 at 300 mod 256
	for i := 0; i < 300; i++ {
		s.Tick()
		*now = now.Add(time.Millisecond)
	}
	msgs := s.Snapshot()
	assert.Equal(t, uint64(300), msgs[0].SendCount)
	assert.Equal(t, uint8(44), msgs[0].Data[3])

	// The payload on the wire is the pre-increment value of each cycle
	sender.mu.Lock()
	assert.Equal(t, uint8(0), sender.sent[0].Data[3])
	assert.Equal(t, uint8(1), sender.sent[1].Data[3])
	sender.mu.Unlock()
}

func TestSendFailureSkips(t *testing.T) {
	sender := &fakeSender{err: errors.New("transport busy")}
	s, now := newTestScheduler(sender)
	_, err := s.Add(Message{ID: 0x123, CycleTimeMs: 10, IncrementByte: 0})
	assert.Nil(t, err)

	s.Tick()
	msgs := s.Snapshot()
	assert.Equal(t, uint64(1), msgs[0].FailCount)
	assert.Equal(t, uint64(0), msgs[0].SendCount)
	// No increment on failure
	assert.Equal(t, uint8(0), msgs[0].Data[0])

	// Rescheduled to now + cycle, not retried on the next grain
	*now = now.Add(time.Millisecond)
	s.Tick()
	assert.Equal(t, uint64(1), s.Snapshot()[0].FailCount)

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	*now = now.Add(10 * time.Millisecond)
	s.Tick()
	assert.Equal(t, uint64(1), s.Snapshot()[0].SendCount)
}

func TestPauseResume(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(sender)
	idx, _ := s.Add(Message{ID: 0x123, CycleTimeMs: 1000})

	s.Tick()
	assert.Equal(t, 1, sender.count())

	assert.Nil(t, s.SetPaused(idx, true))
	*now = now.Add(5 * time.Second)
	s.Tick()
	assert.Equal(t, 1, sender.count())

	// Resuming makes the message immediately due
	assert.Nil(t, s.SetPaused(idx, false))
	s.Tick()
	assert.Equal(t, 2, sender.count())
}

func TestSetValidation(t *testing.T) {
	s, _ := newTestScheduler(&fakeSender{})
	_, err := s.Add(Message{ID: 0x123, CycleTimeMs: 0})
	assert.ErrorIs(t, err, ErrBadCycleTime)
	_, err = s.Add(Message{ID: 0x123, CycleTimeMs: 10, IncrementByte: 8})
	assert.ErrorIs(t, err, ErrBadIncrementByte)

	assert.ErrorIs(t, s.Remove(0), ErrBadIndex)
	assert.ErrorIs(t, s.SetPaused(2, true), ErrBadIndex)

	idx, err := s.Add(Message{ID: 0x123, CycleTimeMs: 10})
	assert.Nil(t, err)
	assert.Nil(t, s.Update(idx, Message{ID: 0x456, CycleTimeMs: 20}))
	assert.Equal(t, uint32(0x456), s.Snapshot()[idx].ID)
	assert.Nil(t, s.Remove(idx))
	assert.Len(t, s.Snapshot(), 0)
}

func TestSendOnce(t *testing.T) {
	sender := &fakeSender{}
	s, _ := newTestScheduler(sender)
	idx, _ := s.Add(Message{ID: 0x123, CycleTimeMs: 1000, Paused: true, IncrementByte: 1})

	assert.Nil(t, s.SendOnce(idx))
	assert.Equal(t, 1, sender.count())
	msgs := s.Snapshot()
	assert.Equal(t, uint64(1), msgs[0].SendCount)
	assert.Equal(t, uint8(1), msgs[0].Data[1])
}

func TestRunLoop(t *testing.T) {
	sender := &fakeSender{}
	s := NewScheduler(sender)
	s.SetResolution(time.Millisecond)
	_, err := s.Add(Message{ID: 0x123, CycleTimeMs: 5})
	assert.Nil(t, err)

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	// ~20 sends expected over 100 ms, wide margins for scheduling jitter
	sends := sender.count()
	assert.Greater(t, sends, 5)
	assert.Less(t, sends, 40)

	// Stop halts the loop
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sends, sender.count())
}
