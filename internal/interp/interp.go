// Package interp smooths remote entity motion between sparse updates with an
// exponential approach toward the latest received target.
package interp

import (
	"time"

	"replicore/internal/mathx"
)

// Config tunes one interpolation buffer.
type Config struct {
	// ApproachRate is the fraction of the remaining distance closed per
	// second, before clamping to 1 per step.
	ApproachRate float64
	// JitterFloor is the minimum update age that counts as real latency.
	// Younger updates are treated as simultaneous.
	JitterFloor time.Duration
	// MaxCatchup bounds how much latency a single update may compensate for.
	MaxCatchup time.Duration
}

// DefaultConfig smooths followers updated a few times per second.
func DefaultConfig() Config {
	return Config{
		ApproachRate: 10,
		JitterFloor:  5 * time.Millisecond,
		MaxCatchup:   250 * time.Millisecond,
	}
}

func (c Config) factor(dt float64) float64 {
	if dt <= 0 || c.ApproachRate <= 0 {
		return 0
	}
	f := dt * c.ApproachRate
	if f > 1 {
		return 1
	}
	return f
}

// catchup converts the age of an authoritative update into seconds of
// compensation, applying the jitter floor and the upper bound.
func (c Config) catchup(age time.Duration) float64 {
	if age < c.JitterFloor || age <= 0 {
		return 0
	}
	if c.MaxCatchup > 0 && age > c.MaxCatchup {
		age = c.MaxCatchup
	}
	return age.Seconds()
}

// Vec3 interpolates a position.
type Vec3 struct {
	cfg     Config
	current mathx.Vec3
	target  mathx.Vec3
	primed  bool
}

func NewVec3(cfg Config) *Vec3 {
	return &Vec3{cfg: cfg}
}

// PushTarget sets a new blend target without discarding the current value.
// The first target ever pushed snaps.
func (b *Vec3) PushTarget(v mathx.Vec3) {
	if !b.primed {
		b.Snap(v)
		return
	}
	b.target = v
}

// PushTargetAged sets a target that was produced age ago on the authority
// and advances toward it by the compensated latency.
func (b *Vec3) PushTargetAged(v mathx.Vec3, age time.Duration) {
	if !b.primed {
		b.Snap(v)
		return
	}
	b.target = v
	if dt := b.cfg.catchup(age); dt > 0 {
		b.Advance(dt)
	}
}

// Snap discards smoothing history and jumps straight to v.
func (b *Vec3) Snap(v mathx.Vec3) {
	b.current = v
	b.target = v
	b.primed = true
}

// Advance moves current toward target by the exponential-approach law.
func (b *Vec3) Advance(dt float64) mathx.Vec3 {
	if !b.primed {
		return b.current
	}
	b.current = b.current.Add(b.target.Sub(b.current).Scale(b.cfg.factor(dt)))
	return b.current
}

func (b *Vec3) Current() mathx.Vec3 { return b.current }
func (b *Vec3) Target() mathx.Vec3  { return b.target }
func (b *Vec3) Primed() bool        { return b.primed }

// Settled reports whether current has reached target.
func (b *Vec3) Settled() bool {
	return b.current == b.target
}

// Reset forgets all history; the next target snaps.
func (b *Vec3) Reset() {
	*b = Vec3{cfg: b.cfg}
}

// Quat interpolates an orientation along the shortest arc.
type Quat struct {
	cfg     Config
	current mathx.Quat
	target  mathx.Quat
	primed  bool
}

func NewQuat(cfg Config) *Quat {
	return &Quat{cfg: cfg, current: mathx.Identity(), target: mathx.Identity()}
}

func (b *Quat) PushTarget(q mathx.Quat) {
	if !b.primed {
		b.Snap(q)
		return
	}
	b.target = q
}

func (b *Quat) PushTargetAged(q mathx.Quat, age time.Duration) {
	if !b.primed {
		b.Snap(q)
		return
	}
	b.target = q
	if dt := b.cfg.catchup(age); dt > 0 {
		b.Advance(dt)
	}
}

func (b *Quat) Snap(q mathx.Quat) {
	b.current = q
	b.target = q
	b.primed = true
}

func (b *Quat) Advance(dt float64) mathx.Quat {
	if !b.primed {
		return b.current
	}
	f := b.cfg.factor(dt)
	if f >= 1 {
		b.current = b.target
		return b.current
	}
	b.current = b.current.Slerp(b.target, f)
	return b.current
}

func (b *Quat) Current() mathx.Quat { return b.current }
func (b *Quat) Target() mathx.Quat  { return b.target }
func (b *Quat) Primed() bool        { return b.primed }

func (b *Quat) Settled() bool {
	return b.current == b.target
}

func (b *Quat) Reset() {
	*b = Quat{cfg: b.cfg, current: mathx.Identity(), target: mathx.Identity()}
}
