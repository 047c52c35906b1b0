// Package clock supplies world time and the two update cadences the
// replication core runs on: a variable-rate presentation tick and a
// fixed-rate simulation tick.
package clock

import (
	"sync"
	"time"
)

// TickFunc receives the elapsed time for one tick, in seconds.
type TickFunc func(dt float64)

// Registration detaches a tick callback. Cancel is idempotent and takes
// effect immediately, even when called from inside a tick.
type Registration interface {
	Cancel()
}

// Clock is the time source consumed by the replication core.
type Clock interface {
	Now() time.Time
	OnTick(fn TickFunc) Registration
	OnFixedTick(fn TickFunc, step time.Duration) Registration
}

type entry struct {
	fn        TickFunc
	step      time.Duration
	acc       time.Duration
	cancelled bool
	owner     *scheduler
}

func (e *entry) Cancel() {
	if e == nil || e.owner == nil {
		return
	}
	e.owner.mu.Lock()
	e.cancelled = true
	e.owner.mu.Unlock()
}

// scheduler holds the callback lists shared by Loop and Manual.
type scheduler struct {
	mu         sync.Mutex
	variable   []*entry
	fixed      []*entry
	maxCatchup int
}

func (s *scheduler) onTick(fn TickFunc) Registration {
	e := &entry{fn: fn, owner: s}
	s.mu.Lock()
	s.variable = append(s.variable, e)
	s.mu.Unlock()
	return e
}

func (s *scheduler) onFixedTick(fn TickFunc, step time.Duration) Registration {
	if step <= 0 {
		step = time.Second / 30
	}
	e := &entry{fn: fn, step: step, owner: s}
	s.mu.Lock()
	s.fixed = append(s.fixed, e)
	s.mu.Unlock()
	return e
}

// active returns the number of live registrations.
func (s *scheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.variable {
		if !e.cancelled {
			n++
		}
	}
	for _, e := range s.fixed {
		if !e.cancelled {
			n++
		}
	}
	return n
}

func (s *scheduler) isCancelled(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.cancelled
}

// frame runs every fixed callback whose accumulator covers its step, then
// every variable callback once.
func (s *scheduler) frame(elapsed time.Duration) {
	s.mu.Lock()
	fixed := append([]*entry(nil), s.fixed...)
	variable := append([]*entry(nil), s.variable...)
	s.mu.Unlock()

	for _, e := range fixed {
		if s.isCancelled(e) {
			continue
		}
		e.acc += elapsed
		steps := 0
		for e.acc >= e.step {
			if s.maxCatchup > 0 && steps >= s.maxCatchup {
				e.acc = 0
				break
			}
			e.fn(e.step.Seconds())
			e.acc -= e.step
			steps++
			if s.isCancelled(e) {
				break
			}
		}
	}

	dt := elapsed.Seconds()
	for _, e := range variable {
		if s.isCancelled(e) {
			continue
		}
		e.fn(dt)
	}

	s.compact()
}

func (s *scheduler) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variable = keepLive(s.variable)
	s.fixed = keepLive(s.fixed)
}

func keepLive(entries []*entry) []*entry {
	out := entries[:0]
	for _, e := range entries {
		if !e.cancelled {
			out = append(out, e)
		}
	}
	for i := len(out); i < len(entries); i++ {
		entries[i] = nil
	}
	return out
}
