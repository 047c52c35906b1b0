package clock

import "time"

// Manual is a deterministic clock advanced explicitly by tests and tools.
type Manual struct {
	sched   scheduler
	base    time.Time
	elapsed time.Duration
}

// NewManual starts a manual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{base: start}
}

func (m *Manual) Now() time.Time {
	return m.base.Add(m.elapsed)
}

func (m *Manual) OnTick(fn TickFunc) Registration {
	return m.sched.onTick(fn)
}

func (m *Manual) OnFixedTick(fn TickFunc, step time.Duration) Registration {
	return m.sched.onFixedTick(fn, step)
}

// Advance moves time forward by d and runs one presentation frame, plus as
// many fixed ticks as d covers.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.elapsed += d
	m.sched.frame(d)
}

// AdvanceFrames runs n frames of length frame each.
func (m *Manual) AdvanceFrames(n int, frame time.Duration) {
	for i := 0; i < n; i++ {
		m.Advance(frame)
	}
}

// Active reports the number of live tick registrations.
func (m *Manual) Active() int {
	return m.sched.active()
}
