package app

import (
	"fmt"

	"github.com/rotisserie/eris"

	"replicore/internal/behavior"
	"replicore/internal/clock"
	"replicore/internal/config"
	"replicore/internal/entity"
	"replicore/internal/mathx"
	"replicore/internal/net/proto"
	"replicore/internal/spatial"
	"replicore/internal/state"
	"replicore/internal/telemetry"
	"replicore/logging"
)

// TagParticipant marks bodies currently driven by a connected participant.
// Enemies pursue only these.
const TagParticipant = "participant"

const (
	enemyClass = "enemy"
	crateCount = 3
)

// World is the server's seeded scene: one behavior-driven enemy guarding a
// handful of claimable crates. It mirrors every entity into a spatial index
// once per fixed tick so simulations can query proximity.
type World struct {
	runtime  *entity.Runtime
	index    *spatial.Index
	machines map[proto.EntityID]*behavior.Machine
	known    map[string]bool
}

// Seed spawns the starting entities and registers the index refresh on the
// runtime's fixed cadence. Must run before the clock starts.
func Seed(runtime *entity.Runtime, clk clock.Clock, settings config.Config, publisher logging.Publisher, logger telemetry.Logger) (*World, error) {
	w := &World{
		runtime:  runtime,
		index:    spatial.NewIndex(),
		machines: make(map[proto.EntityID]*behavior.Machine),
		known:    make(map[string]bool),
	}

	anchor := mathx.V3(0, 0, 0)
	enemyID := proto.EntityID("enemy-1")
	machine := behavior.New(string(enemyID), anchor, settings.Behavior, behavior.Options{
		World:     w.index,
		Publisher: publisher,
		Logger:    logger,
	})
	if _, err := runtime.Spawn(enemyID, enemyClass, entity.SpawnOptions{
		Host:       entity.NewBody(anchor),
		Simulation: machine,
	}); err != nil {
		return nil, eris.Wrap(err, "seed enemy")
	}
	w.machines[enemyID] = machine

	for i := 1; i <= crateCount; i++ {
		id := proto.EntityID(fmt.Sprintf("crate-%d", i))
		position := mathx.V3(float64(3*i), 0, 5)
		if _, err := runtime.Spawn(id, entity.DefaultClassName, entity.SpawnOptions{
			Host:   entity.NewBody(position),
			Fields: map[string]any{"label": fmt.Sprintf("Crate %d", i)},
		}); err != nil {
			return nil, eris.Wrapf(err, "seed %s", id)
		}
	}

	clk.OnFixedTick(func(float64) { w.refresh() }, settings.SimStep())
	w.refresh()
	return w, nil
}

// Index exposes the proximity index the simulations query.
func (w *World) Index() *spatial.Index { return w.index }

// Machine returns the behavior machine driving id, if any.
func (w *World) Machine(id proto.EntityID) (*behavior.Machine, bool) {
	m, ok := w.machines[id]
	return m, ok
}

// refresh mirrors entity transforms into the index and drops entities that
// have been removed since the last tick.
func (w *World) refresh() {
	seen := make(map[string]bool, len(w.known))
	for _, e := range w.runtime.Entities() {
		id := string(e.ID())
		tag := e.Class().Name
		if e.Role() == entity.RemoteAuthority {
			tag = TagParticipant
		}
		w.index.Upsert(id, tag, e.Host().Position(), 0.5)
		seen[id] = true
	}
	for id := range w.known {
		if !seen[id] {
			w.index.Remove(id)
		}
	}
	w.known = seen
}

// limitFieldSize rejects inbound fields whose encoding exceeds limit bytes.
func limitFieldSize(limit int) state.Validator {
	return func(key string, raw []byte) error {
		if len(raw) > limit {
			return eris.Errorf("field %s is %d bytes, limit %d", key, len(raw), limit)
		}
		return nil
	}
}
