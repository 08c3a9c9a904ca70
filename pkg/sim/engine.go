// Package sim plays back a trip profile at a configurable rate, turning each
// reached sample into BMS and MCU frames on the bus.
package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	"github.com/cantroller/cantroller/pkg/trip"
	log "github.com/sirupsen/logrus"
)

var ErrEmptyProfile = errors.New("sim: profile has no points")
var ErrBadTransition = errors.New("sim: invalid state transition")

// Playback state machine
type State uint8

const (
	Idle State = iota
	Running
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Playback speed multiplier bounds
const (
	minSpeed = 0.5
	maxSpeed = 50.0
)

const defaultTickInterval = 50 * time.Millisecond

// Sender is the send gateway, satisfied by *bus.Manager
type Sender interface {
	Send(frame can.Frame) error
}

// Engine owns the active profile cursor. The playback clock is wall-clock
// elapsed time scaled by the speed multiplier; the cursor always sits on
// the last sample whose offset the scaled clock has reached.
type Engine struct {
	mu       sync.Mutex
	sender   Sender
	profile  *trip.Profile
	state    State
	cursor   int // index of the last emitted point, -1 before the first
	speed    float64
	baseline time.Time     // wall clock at the last rebase
	elapsed  time.Duration // scaled elapsed accumulated up to baseline
	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	wg       sync.WaitGroup

	onData []func(trip.Point)
}

func NewEngine(sender Sender) *Engine {
	return &Engine{
		sender:   sender,
		state:    Idle,
		speed:    1.0,
		interval: defaultTickInterval,
		now:      time.Now,
	}
}

// OnDataUpdated registers an observer for every newly reached sample
func (e *Engine) OnDataUpdated(callback func(trip.Point)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onData = append(e.onData, callback)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// Profile returns the loaded profile, nil when idle
func (e *Engine) Profile() *trip.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// Current returns the sample under the cursor, false before the first
// sample has been reached
func (e *Engine) Current() (trip.Point, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile == nil || e.cursor < 0 {
		return trip.Point{}, false
	}
	return e.profile.Point(e.cursor), true
}

// Progress reports playback completion in percent
func (e *Engine) Progress() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile == nil || e.profile.Len() == 0 {
		return 0
	}
	if e.state == Finished {
		return 100
	}
	return (e.cursor + 1) * 100 / e.profile.Len()
}

// SetSpeed changes the playback rate without a time jump : the scaled
// clock is accumulated at the old rate up to now, then scales at the new
// rate from here on
func (e *Engine) SetSpeed(multiplier float64) {
	if multiplier < minSpeed {
		multiplier = minSpeed
	}
	if multiplier > maxSpeed {
		multiplier = maxSpeed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		now := e.now()
		e.elapsed += scale(now.Sub(e.baseline), e.speed)
		e.baseline = now
	}
	e.speed = multiplier
}

// Start begins playback from the first point.
// Only valid from Idle or Finished.
func (e *Engine) Start(profile *trip.Profile) error {
	if profile == nil || profile.Len() == 0 {
		return ErrEmptyProfile
	}
	e.mu.Lock()
	if e.state != Idle && e.state != Finished {
		e.mu.Unlock()
		return ErrBadTransition
	}
	e.profile = profile
	e.cursor = -1
	e.elapsed = 0
	e.baseline = e.now()
	e.state = Running
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.run(e.stop)
	e.mu.Unlock()
	log.Infof("[SIM] started : %v", profile)
	return nil
}

// Pause freezes the cursor and the playback clock
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ErrBadTransition
	}
	now := e.now()
	e.elapsed += scale(now.Sub(e.baseline), e.speed)
	e.state = Paused
	log.Info("[SIM] paused")
	return nil
}

// Resume continues from where Pause left the clock
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Paused {
		return ErrBadTransition
	}
	e.baseline = e.now()
	e.state = Running
	log.Info("[SIM] resumed")
	return nil
}

// Stop discards the cursor and halts the tick loop before returning
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.state = Idle
	e.profile = nil
	e.cursor = -1
	e.elapsed = 0
	e.mu.Unlock()
	e.wg.Wait()
	log.Info("[SIM] stopped")
}

func (e *Engine) run(stop chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !e.Tick() {
				return
			}
		}
	}
}

// Tick advances the cursor to the last sample the scaled clock has
// reached, emits its frames and exactly one data notification, and reports
// whether playback continues. Reaching the last sample finishes playback.
func (e *Engine) Tick() bool {
	e.mu.Lock()
	if e.state != Running || e.profile == nil {
		alive := e.state == Running || e.state == Paused
		e.mu.Unlock()
		return alive
	}
	scaled := e.elapsed + scale(e.now().Sub(e.baseline), e.speed)
	target := e.cursor
	for target+1 < e.profile.Len() &&
		time.Duration(e.profile.Point(target+1).OffsetMs)*time.Millisecond <= scaled {
		target++
	}
	if target == e.cursor {
		e.mu.Unlock()
		return true
	}
	e.cursor = target
	point := e.profile.Point(target)
	last := target == e.profile.Len()-1
	if last {
		e.state = Finished
	}
	callbacks := e.onData
	e.mu.Unlock()

	// Send failures are counted by the bus manager, playback carries on
	if err := e.sender.Send(EncodeBMS(point)); err != nil {
		log.Debugf("[SIM] BMS frame dropped : %v", err)
	}
	if err := e.sender.Send(EncodeMCU(point)); err != nil {
		log.Debugf("[SIM] MCU frame dropped : %v", err)
	}
	for _, callback := range callbacks {
		callback(point)
	}
	if last {
		log.Info("[SIM] profile complete")
		return false
	}
	return true
}

func scale(d time.Duration, multiplier float64) time.Duration {
	return time.Duration(float64(d) * multiplier)
}
