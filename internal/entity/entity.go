package entity

import (
	"replicore/internal/clock"
	"replicore/internal/interp"
	"replicore/internal/mathx"
	"replicore/internal/net/proto"
	"replicore/internal/state"
)

// Entity is one replicated object as seen from this side. All fields are
// owned by the runtime's tick goroutine.
type Entity struct {
	id    proto.EntityID
	class Class
	store *state.Store
	host  Host
	sim   Simulation

	role  Role
	owner proto.ParticipantID
	epoch uint64

	position *interp.Vec3
	rotation *interp.Quat
	// snapNext makes the next received transform snap instead of blend.
	snapNext bool
	// resyncing is set while a requested full snapshot is outstanding.
	resyncing bool

	hooks []clock.Registration
}

func newEntity(id proto.EntityID, class Class, host Host, sim Simulation, validator state.Validator) *Entity {
	return &Entity{
		id:       id,
		class:    class,
		store:    state.NewStore(validator),
		host:     host,
		sim:      sim,
		position: interp.NewVec3(class.Position),
		rotation: interp.NewQuat(class.Rotation),
	}
}

func (e *Entity) ID() proto.EntityID         { return e.id }
func (e *Entity) Class() Class               { return e.class }
func (e *Entity) Store() *state.Store        { return e.store }
func (e *Entity) Host() Host                 { return e.host }
func (e *Entity) Role() Role                 { return e.role }
func (e *Entity) Owner() proto.ParticipantID { return e.owner }
func (e *Entity) Epoch() uint64              { return e.epoch }

// Interpolators exposes the smoothing buffers driven while observing.
func (e *Entity) Interpolators() (*interp.Vec3, *interp.Quat) {
	return e.position, e.rotation
}

// Hooks reports how many tick callbacks the entity currently holds.
func (e *Entity) Hooks() int {
	return len(e.hooks)
}

func (e *Entity) detach() {
	for _, h := range e.hooks {
		h.Cancel()
	}
	e.hooks = nil
}

// captureTransform writes the host transform into the store.
func (e *Entity) captureTransform() {
	_ = e.store.Set(FieldPosition, e.host.Position())
	_ = e.store.Set(FieldOrientation, e.host.Orientation())
}

// applyTransform moves the host straight to the stored transform.
func (e *Entity) applyTransform() {
	if p, ok := e.store.Vec3(FieldPosition); ok {
		e.host.SetPosition(p)
	}
	if q, ok := e.store.Quat(FieldOrientation); ok {
		e.host.SetOrientation(q)
	}
}

// snap discards smoothing history and moves the host to the last
// authoritative transform held in the store.
func (e *Entity) snap() {
	p, ok := e.store.Vec3(FieldPosition)
	if !ok {
		p = e.host.Position()
	}
	q, ok := e.store.Quat(FieldOrientation)
	if !ok {
		q = e.host.Orientation()
	}
	e.position.Snap(p)
	e.rotation.Snap(q)
	e.host.SetPosition(p)
	e.host.SetOrientation(q)
}

// present advances the interpolators one presentation frame and moves the
// host to the smoothed transform.
func (e *Entity) present(dt float64) {
	if e.position.Primed() {
		e.host.SetPosition(e.position.Advance(dt))
	}
	if e.rotation.Primed() {
		e.host.SetOrientation(e.rotation.Advance(dt))
	}
}

func initialPosition(fields state.Fields) (mathx.Vec3, bool) {
	raw, ok := fields[FieldPosition]
	if !ok {
		return mathx.Vec3{}, false
	}
	var v mathx.Vec3
	if err := v.UnmarshalJSON(raw); err != nil {
		return mathx.Vec3{}, false
	}
	return v, true
}
