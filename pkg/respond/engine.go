// Package respond matches inbound frames against the response rule set and
// emits the configured auto-responses through the bus manager.
package respond

import (
	"errors"
	"sync"
	"time"

	"github.com/cantroller/cantroller/pkg/can"
	log "github.com/sirupsen/logrus"
)

var ErrBadIncrementByte = errors.New("respond: increment byte must be -1 or 0..7")
var ErrBadIndex = errors.New("respond: no rule at index")

// Rule maps an observed inbound frame id to an automatic response.
// MatchCount is maintained by the engine.
type Rule struct {
	TriggerID     uint32  `json:"trigger_id"`
	ResponseID    uint32  `json:"response_id"`
	ResponseData  [8]byte `json:"response_data"`
	Extended      bool    `json:"extended"`
	DelayMs       uint32  `json:"delay_ms"`
	Comment       string  `json:"comment,omitempty"`
	Enabled       bool    `json:"enabled"`
	IncrementByte int8    `json:"increment_byte"`
	MatchCount    uint64  `json:"match_count"`
}

func (r *Rule) Validate() error {
	if r.IncrementByte < -1 || r.IncrementByte > 7 {
		return ErrBadIncrementByte
	}
	return nil
}

func (r *Rule) frame() can.Frame {
	return can.Frame{ID: r.ResponseID, DLC: 8, Data: r.ResponseData, Extended: r.Extended}
}

// Sender is the send gateway, satisfied by *bus.Manager
type Sender interface {
	Send(frame can.Frame) error
}

// Engine owns the rule set. Handle is meant to be registered as a bus
// manager receive observer; it never blocks the receive loop, delayed
// responses run as deferred timer tasks.
type Engine struct {
	mu      sync.Mutex
	sender  Sender
	rules   []*Rule
	enabled bool
	pending sync.WaitGroup
}

func NewEngine(sender Sender) *Engine {
	return &Engine{sender: sender, enabled: true}
}

// SetEnabled toggles the whole responder without touching the rules
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Add validates and appends a rule, returning its index.
// Rule order is match order.
func (e *Engine) Add(rule Rule) (int, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &rule)
	return len(e.rules) - 1, nil
}

// Remove destroys the rule at index
func (e *Engine) Remove(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.rules) {
		return ErrBadIndex
	}
	e.rules = append(e.rules[:index], e.rules[index+1:]...)
	return nil
}

// Update replaces the rule at index
func (e *Engine) Update(index int, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.rules) {
		return ErrBadIndex
	}
	e.rules[index] = &rule
	return nil
}

// SetRuleEnabled toggles a single rule without removing it.
// Disabling does not cancel an already scheduled delayed response.
func (e *Engine) SetRuleEnabled(index int, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.rules) {
		return ErrBadIndex
	}
	e.rules[index].Enabled = enabled
	return nil
}

// Snapshot returns value copies of the rule set for display or persistence
func (e *Engine) Snapshot() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	for i, rule := range e.rules {
		out[i] = *rule
	}
	return out
}

// Replace swaps the whole rule set, used by project import
func (e *Engine) Replace(rules []Rule) error {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make([]*Rule, len(rules))
	for i := range rules {
		rule := rules[i]
		e.rules[i] = &rule
	}
	return nil
}

// Handle inspects one inbound frame. The first enabled rule matching the
// frame id wins, exactly one response is emitted per trigger event.
func (e *Engine) Handle(frame can.Frame) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	var match *Rule
	for _, rule := range e.rules {
		if rule.Enabled && rule.TriggerID == frame.ID {
			match = rule
			break
		}
	}
	if match == nil {
		e.mu.Unlock()
		return
	}
	delay := time.Duration(match.DelayMs) * time.Millisecond
	e.mu.Unlock()

	if delay == 0 {
		e.fire(match)
		return
	}
	e.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer e.pending.Done()
		e.fire(match)
	})
}

// fire sends a response built from the rule's data as it stands after the
// delay, so overlapping triggers each consume their own increment-byte step.
// On success it applies the mutation and bumps the match count. Send
// failures are already counted by the bus manager and never disable the rule.
func (e *Engine) fire(rule *Rule) {
	e.mu.Lock()
	response := rule.frame()
	e.mu.Unlock()
	if err := e.sender.Send(response); err != nil {
		log.Debugf("[RESPOND] response x%X failed : %v", response.ID, err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rule.MatchCount++
	if rule.IncrementByte >= 0 && rule.IncrementByte < 8 {
		rule.ResponseData[rule.IncrementByte]++
	}
}

// Drain waits for in-flight delayed responses, used on shutdown so a
// disconnect lets them expire gracefully
func (e *Engine) Drain() {
	e.pending.Wait()
}
