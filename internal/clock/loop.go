package clock

import (
	"context"
	"time"
)

// LoopConfig tunes the real-time loop.
type LoopConfig struct {
	// FrameRate is the presentation cadence in frames per second.
	FrameRate int
	// CatchupMaxTicks bounds how many fixed ticks one frame may run after a
	// stall; the remaining backlog is discarded.
	CatchupMaxTicks int
}

// Loop drives a scheduler from a wall-clock ticker. All callbacks run on the
// goroutine that called Run.
type Loop struct {
	sched  scheduler
	config LoopConfig
	now    func() time.Time
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 60
	}
	l := &Loop{config: cfg, now: time.Now}
	l.sched.maxCatchup = cfg.CatchupMaxTicks
	return l
}

func (l *Loop) Now() time.Time {
	return l.now()
}

func (l *Loop) OnTick(fn TickFunc) Registration {
	return l.sched.onTick(fn)
}

func (l *Loop) OnFixedTick(fn TickFunc, step time.Duration) Registration {
	return l.sched.onFixedTick(fn, step)
}

// Active reports the number of live tick registrations.
func (l *Loop) Active() int {
	return l.sched.active()
}

// Run blocks, running frames until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	budget := time.Second / time.Duration(l.config.FrameRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	maxDelta := budget * 8
	last := l.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := l.now()
			dt := now.Sub(last)
			if dt <= 0 {
				dt = budget
			} else if dt > maxDelta {
				dt = maxDelta
			}
			last = now
			l.sched.frame(dt)
		}
	}
}
