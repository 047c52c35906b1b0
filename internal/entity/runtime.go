// Package entity composes ownership, the state store, replication and
// interpolation into per-entity roles. A Runtime runs on one side of the
// connection: the authoritative server or a client participant.
package entity

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"replicore/internal/clock"
	"replicore/internal/mathx"
	rnet "replicore/internal/net"
	"replicore/internal/net/proto"
	"replicore/internal/ownership"
	"replicore/internal/replication"
	"replicore/internal/state"
	"replicore/internal/telemetry"
	"replicore/logging"
	replog "replicore/logging/replication"
)

var (
	// ErrNotAuthority is returned when this side may not mutate the entity.
	ErrNotAuthority = eris.New("entity: not the authority")
	// ErrDuplicateEntity is returned when spawning an id that already exists.
	ErrDuplicateEntity = eris.New("entity: duplicate id")
	// ErrUnknownEntity is returned for ids this side does not know.
	ErrUnknownEntity = eris.New("entity: unknown id")
	// ErrWrongSide is returned for server-only calls on a client and the
	// other way around.
	ErrWrongSide = eris.New("entity: operation not available on this side")
)

const (
	// DefaultFixedStep is the simulation cadence when none is configured.
	DefaultFixedStep = 50 * time.Millisecond

	metricEntities = "entities"
)

// Spawner builds the host object and simulation for an entity first seen
// over the wire.
type Spawner func(id proto.EntityID, class Class, position mathx.Vec3) (Host, Simulation)

// Config wires a Runtime.
type Config struct {
	Transport rnet.Transport
	Clock     clock.Clock
	FixedStep time.Duration
	// Classes maps class names to their configuration. Unknown names fall
	// back to DefaultClass.
	Classes   map[string]Class
	Validator state.Validator
	Spawner   Spawner
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger

	// OnDenied observes ownership denials addressed to this participant.
	OnDenied func(proto.OwnershipDenied)
	// OnRoleChange observes every role transition of a local entity.
	OnRoleChange func(id proto.EntityID, from, to Role)
}

// SpawnOptions describes a locally created entity.
type SpawnOptions struct {
	Host       Host
	Simulation Simulation
	// Fields seeds the state store before the first publish.
	Fields map[string]any
}

// Info is a read-only summary of one entity, safe to hand to other
// goroutines.
type Info struct {
	ID       proto.EntityID      `json:"id"`
	Class    string              `json:"class"`
	Role     string              `json:"role"`
	Owner    proto.ParticipantID `json:"owner,omitempty"`
	Epoch    uint64              `json:"epoch"`
	Version  uint64              `json:"version"`
	Position mathx.Vec3          `json:"position"`
}

// Runtime owns every entity on one side and dispatches their hooks.
type Runtime struct {
	cfg     Config
	local   proto.ParticipantID
	server  bool
	channel *replication.Channel

	manager  *ownership.Manager
	view     *ownership.View
	presence map[proto.ParticipantID]bool

	entities map[proto.EntityID]*Entity
	awaiting map[proto.EntityID]bool
	subs     []rnet.Subscription
	tickReg  clock.Registration
	tick     uint64
	info     atomic.Value
	closed   bool
}

// New builds a runtime on top of a transport and clock and registers its
// fixed tick. The runtime's tick drains inbound traffic before any entity
// simulates.
func New(cfg Config) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, eris.New("entity: transport is required")
	}
	if cfg.Clock == nil {
		return nil, eris.New("entity: clock is required")
	}
	if cfg.FixedStep <= 0 {
		cfg.FixedStep = DefaultFixedStep
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}

	r := &Runtime{
		cfg:      cfg,
		local:    cfg.Transport.Local(),
		entities: make(map[proto.EntityID]*Entity),
		awaiting: make(map[proto.EntityID]bool),
	}
	r.server = r.local == proto.ServerID

	owner := r.clientOwner
	if r.server {
		r.presence = make(map[proto.ParticipantID]bool)
		r.manager = ownership.NewManager(ownership.Config{
			Publisher: cfg.Publisher,
			Metrics:   cfg.Metrics,
			Now:       cfg.Clock.Now,
			Tick:      r.Tick,
			Connected: func(id proto.ParticipantID) bool { return r.presence[id] },
		})
		owner = r.manager.Owner
	} else {
		r.view = ownership.NewView(r.local, cfg.Publisher, r.Tick)
	}

	channel, err := replication.New(replication.Config{
		Transport: cfg.Transport,
		Owner:     owner,
		Now:       cfg.Clock.Now,
		Tick:      r.Tick,
		Publisher: cfg.Publisher,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, eris.Wrap(err, "entity: replication channel")
	}
	r.channel = channel

	if r.server {
		r.subscribeServer()
	} else {
		r.subscribeClient()
	}
	r.info.Store([]Info{})
	r.tickReg = cfg.Clock.OnFixedTick(r.fixedTick, cfg.FixedStep)
	return r, nil
}

func (r *Runtime) clientOwner(id proto.EntityID) (proto.ParticipantID, uint64) {
	return r.view.Owner(id)
}

// Local is this side's participant id.
func (r *Runtime) Local() proto.ParticipantID { return r.local }

// IsServer reports whether this runtime is the authoritative server.
func (r *Runtime) IsServer() bool { return r.server }

// Tick is the number of fixed ticks run so far.
func (r *Runtime) Tick() uint64 { return r.tick }

// Channel exposes the replication channel, mainly for inspection.
func (r *Runtime) Channel() *replication.Channel { return r.channel }

// Ownership returns the server's arbiter, or nil on a client.
func (r *Runtime) Ownership() *ownership.Manager { return r.manager }

func (r *Runtime) fixedTick(float64) {
	r.tick++
	r.cfg.Transport.Drain()
	r.channel.Flush()
	r.refreshInfo()
}

// Entity looks up an entity by id.
func (r *Runtime) Entity(id proto.EntityID) (*Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Entities returns every entity in id order.
func (r *Runtime) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Class resolves a class name against the configured classes.
func (r *Runtime) Class(name string) Class {
	if name == "" {
		name = DefaultClassName
	}
	if c, ok := r.cfg.Classes[name]; ok {
		if c.Name == "" {
			c.Name = name
		}
		return c
	}
	return DefaultClass(name)
}

// Spawn creates an entity on this side. On the server the entity starts
// unowned and is announced to every participant. On a client it registers
// the local representation of a server entity and asks for its state.
func (r *Runtime) Spawn(id proto.EntityID, className string, opts SpawnOptions) (*Entity, error) {
	if id == "" {
		return nil, eris.Wrap(ErrUnknownEntity, "spawn with empty id")
	}
	if _, ok := r.entities[id]; ok {
		return nil, eris.Wrapf(ErrDuplicateEntity, "spawn %s", id)
	}
	host := opts.Host
	if host == nil {
		host = NewBody(mathx.Vec3{})
	}
	e := newEntity(id, r.Class(className), host, opts.Simulation, r.cfg.Validator)
	for key, value := range opts.Fields {
		if err := e.store.Set(key, value); err != nil {
			return nil, eris.Wrapf(err, "spawn %s", id)
		}
	}
	r.register(e)

	if r.server {
		e.captureTransform()
		r.manager.Track(id, e.class.Claimable)
		e.store.ComputeDiff()
		if err := r.channel.SendFull(id, "", "spawn"); err != nil {
			r.cfg.Logger.Printf("entity: announce %s: %v", id, err)
		}
	} else {
		e.resyncing = true
		if err := rnet.SendMessage(r.cfg.Transport, proto.ServerID, id, proto.ResyncRequest{Entity: id}); err != nil {
			r.cfg.Logger.Printf("entity: resync %s: %v", id, err)
		}
	}
	r.attach(e)
	return e, nil
}

func (r *Runtime) register(e *Entity) {
	r.entities[e.id] = e
	r.channel.Open(e.id, e.store, replication.StreamConfig{
		Class:       e.class.Name,
		MinInterval: e.class.PublishInterval,
		Heartbeat:   e.class.Heartbeat,
	})
	r.cfg.Metrics.Store(metricEntities, uint64(len(r.entities)))
}

// Remove destroys an entity. Every hook and buffer it holds is released
// before Remove returns. Only the server removes entities; participants
// learn of it through an entity-removed broadcast.
func (r *Runtime) Remove(id proto.EntityID) error {
	if !r.server {
		return eris.Wrapf(ErrWrongSide, "remove %s", id)
	}
	if _, ok := r.entities[id]; !ok {
		return eris.Wrapf(ErrUnknownEntity, "remove %s", id)
	}
	r.manager.Forget(id)
	r.teardown(id)
	return rnet.BroadcastMessage(r.cfg.Transport, id, proto.EntityRemoved{Entity: id})
}

func (r *Runtime) teardown(id proto.EntityID) {
	e, ok := r.entities[id]
	if !ok {
		return
	}
	e.detach()
	e.position.Reset()
	e.rotation.Reset()
	r.channel.Close(id)
	delete(r.entities, id)
	delete(r.awaiting, id)
	if r.view != nil {
		r.view.Forget(id)
	}
	r.cfg.Metrics.Store(metricEntities, uint64(len(r.entities)))
}

// Set writes a replicated field. Only the current authority may write.
func (r *Runtime) Set(id proto.EntityID, key string, value any) error {
	e, ok := r.entities[id]
	if !ok {
		return eris.Wrapf(ErrUnknownEntity, "set %s", id)
	}
	if !r.channel.CanPublish(id) {
		return eris.Wrapf(ErrNotAuthority, "set %s.%s", id, key)
	}
	return e.store.Set(key, value)
}

// Publish queues the entity's pending changes for replication.
func (r *Runtime) Publish(id proto.EntityID) error {
	if _, ok := r.entities[id]; !ok {
		return eris.Wrapf(ErrUnknownEntity, "publish %s", id)
	}
	if !r.channel.CanPublish(id) {
		return eris.Wrapf(ErrNotAuthority, "publish %s", id)
	}
	return r.channel.Publish(id)
}

// RequestOwnership asks the server for the entity. On the server it takes
// the entity back from whoever holds it.
func (r *Runtime) RequestOwnership(id proto.EntityID) error {
	if _, ok := r.entities[id]; !ok {
		return eris.Wrapf(ErrUnknownEntity, "request %s", id)
	}
	if r.server {
		return r.OverrideOwner(id, proto.NoOwner)
	}
	return rnet.SendMessage(r.cfg.Transport, proto.ServerID, id, proto.OwnershipRequest{Entity: id})
}

// ReleaseOwnership gives a held entity back. The role changes once the
// server's ownership-changed broadcast arrives.
func (r *Runtime) ReleaseOwnership(id proto.EntityID) error {
	if _, ok := r.entities[id]; !ok {
		return eris.Wrapf(ErrUnknownEntity, "release %s", id)
	}
	if r.server {
		if change, ok := r.manager.Release(id, proto.ServerID); ok {
			r.commit(change)
		}
		return nil
	}
	if !r.view.IsLocal(id) {
		return eris.Wrapf(ErrNotAuthority, "release %s", id)
	}
	return rnet.SendMessage(r.cfg.Transport, proto.ServerID, id, proto.OwnershipRelease{Entity: id})
}

// OverrideOwner revokes the current owner and hands the entity to another
// participant, or back to the server when to is NoOwner.
func (r *Runtime) OverrideOwner(id proto.EntityID, to proto.ParticipantID) error {
	if !r.server {
		return eris.Wrapf(ErrWrongSide, "override %s", id)
	}
	if _, ok := r.entities[id]; !ok {
		return eris.Wrapf(ErrUnknownEntity, "override %s", id)
	}
	if change, ok := r.manager.Override(id, to); ok {
		r.commit(change)
	}
	return nil
}

// Resync asks the server for a full snapshot of one entity, or of every
// entity when id is empty.
func (r *Runtime) Resync(id proto.EntityID) error {
	if r.server {
		return eris.Wrap(ErrWrongSide, "resync")
	}
	if id == "" {
		for _, e := range r.entities {
			e.resyncing = true
			r.channel.ResetInbound(e.id)
		}
	} else if e, ok := r.entities[id]; ok {
		e.resyncing = true
		r.channel.ResetInbound(e.id)
	}
	return rnet.SendMessage(r.cfg.Transport, proto.ServerID, id, proto.ResyncRequest{Entity: id})
}

// Describe returns the summary captured at the end of the last runtime tick.
// It is safe to call from any goroutine.
func (r *Runtime) Describe() []Info {
	infos, _ := r.info.Load().([]Info)
	return infos
}

func (r *Runtime) refreshInfo() {
	infos := make([]Info, 0, len(r.entities))
	for _, e := range r.Entities() {
		infos = append(infos, Info{
			ID:       e.id,
			Class:    e.class.Name,
			Role:     e.role.String(),
			Owner:    e.owner,
			Epoch:    e.epoch,
			Version:  e.store.Version(),
			Position: e.host.Position(),
		})
	}
	r.info.Store(infos)
}

// Close detaches every hook and subscription. The transport stays open.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.tickReg.Cancel()
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
	for _, e := range r.Entities() {
		e.detach()
	}
	return nil
}

func (r *Runtime) subscribe(channel proto.Channel, handler rnet.Handler) {
	r.subs = append(r.subs, r.cfg.Transport.Subscribe(channel, handler))
}

// roleFor maps an owner to this side's role.
func (r *Runtime) roleFor(owner proto.ParticipantID) Role {
	switch {
	case owner == proto.NoOwner:
		return Unowned
	case owner == r.local:
		return LocalAuthority
	default:
		return RemoteAuthority
	}
}

// attach registers the hooks for the entity's current role. The authority
// simulates and publishes on the fixed tick; a client observer smooths on
// the presentation tick; the server's mirror of a participant-owned entity
// is written directly from accepted deltas and needs no hook.
func (r *Runtime) attach(e *Entity) {
	switch {
	case r.channel.CanPublish(e.id):
		e.hooks = append(e.hooks, r.cfg.Clock.OnFixedTick(func(dt float64) {
			r.simulate(e, dt)
		}, r.cfg.FixedStep))
	case !r.server:
		e.hooks = append(e.hooks, r.cfg.Clock.OnTick(e.present))
	}
}

func (r *Runtime) simulate(e *Entity, dt float64) {
	if e.sim != nil {
		e.sim.Simulate(Step{
			Entity: e.id,
			Class:  e.class.Name,
			Store:  e.store,
			Host:   e.host,
			DT:     dt,
			Now:    r.cfg.Clock.Now(),
			Tick:   r.tick,
		})
	}
	e.captureTransform()
	if !e.store.Dirty() {
		return
	}
	if err := r.channel.Publish(e.id); err != nil {
		r.cfg.Logger.Printf("entity: publish %s: %v", e.id, err)
	}
}

// setRole moves an entity to a new owner and epoch and rebuilds its hooks.
// Observers snap so the new owner's motion never blends with the old one's.
func (r *Runtime) setRole(e *Entity, owner proto.ParticipantID, epoch uint64) {
	from := e.role
	e.owner = owner
	e.epoch = epoch
	e.role = r.roleFor(owner)
	r.channel.Rebase(e.id, epoch)

	e.detach()
	e.snap()
	e.snapNext = true
	r.attach(e)

	if from != e.role && r.cfg.OnRoleChange != nil {
		r.cfg.OnRoleChange(e.id, from, e.role)
	}
}

func (r *Runtime) dropped(e *Entity, from proto.ParticipantID, drops []state.Drop) {
	for _, d := range drops {
		replog.FieldDropped(context.Background(), r.cfg.Publisher, r.tick, string(e.id), string(from), replog.FieldPayload{
			Key:    d.Key,
			Reason: d.Reason,
		})
	}
}
