package entity

import (
	"time"

	"replicore/internal/mathx"
	"replicore/internal/net/proto"
	"replicore/internal/state"
)

// Host is the scene object an entity drives. The core reads and writes only
// its transform.
type Host interface {
	Position() mathx.Vec3
	Orientation() mathx.Quat
	SetPosition(mathx.Vec3)
	SetOrientation(mathx.Quat)
}

// Body is an in-memory Host for headless servers and tests.
type Body struct {
	position    mathx.Vec3
	orientation mathx.Quat
}

// NewBody places a body at position with identity orientation.
func NewBody(position mathx.Vec3) *Body {
	return &Body{position: position, orientation: mathx.Identity()}
}

func (b *Body) Position() mathx.Vec3        { return b.position }
func (b *Body) Orientation() mathx.Quat     { return b.orientation }
func (b *Body) SetPosition(p mathx.Vec3)    { b.position = p }
func (b *Body) SetOrientation(q mathx.Quat) { b.orientation = q }

// Step is handed to a Simulation once per fixed tick while this side holds
// authority over the entity.
type Step struct {
	Entity proto.EntityID
	Class  string
	Store  *state.Store
	Host   Host
	DT     float64
	Now    time.Time
	Tick   uint64
}

// Simulation advances an entity's authoritative state. Implementations write
// replicated fields to Store and move Host; the runtime copies the host
// transform into the store after every step.
type Simulation interface {
	Simulate(step Step)
}

// SimulationFunc adapts a function to Simulation.
type SimulationFunc func(step Step)

func (f SimulationFunc) Simulate(step Step) {
	if f != nil {
		f(step)
	}
}
