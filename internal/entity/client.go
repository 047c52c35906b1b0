package entity

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/wI2L/jsondiff"

	rnet "replicore/internal/net"
	"replicore/internal/net/proto"
	"replicore/internal/ownership"
	"replicore/internal/state"
	replog "replicore/logging/replication"
)

func (r *Runtime) subscribeClient() {
	r.subscribe(proto.ChannelOwnershipChanged, r.onOwnershipChanged)
	r.subscribe(proto.ChannelOwnershipDenied, r.onDenied)
	r.subscribe(proto.ChannelDelta, r.onState)
	r.subscribe(proto.ChannelFull, r.onState)
	r.subscribe(proto.ChannelEntityRemoved, r.onRemoved)
}

func (r *Runtime) onOwnershipChanged(env rnet.Envelope) {
	msg, err := proto.Decode[proto.OwnershipChanged](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: ownership change: %v", err)
		return
	}
	_, moved := r.view.Apply(msg)
	e, ok := r.entities[msg.Entity]
	if !ok {
		return
	}
	owner, epoch := r.view.Owner(msg.Entity)
	if !moved {
		if epoch > e.epoch {
			e.epoch = epoch
			r.channel.Rebase(e.id, epoch)
		}
		return
	}
	r.setRole(e, owner, epoch)
}

func (r *Runtime) onDenied(env rnet.Envelope) {
	msg, err := proto.Decode[proto.OwnershipDenied](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: ownership denial: %v", err)
		return
	}
	if r.cfg.OnDenied != nil {
		r.cfg.OnDenied(msg)
	}
}

func (r *Runtime) onRemoved(env rnet.Envelope) {
	msg, err := proto.Decode[proto.EntityRemoved](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: removal: %v", err)
		return
	}
	r.teardown(msg.Entity)
}

// onState applies a delta or snapshot from the server. Entities first seen
// in a snapshot are created on the spot; a delta for an unknown entity asks
// the server for a snapshot instead.
func (r *Runtime) onState(env rnet.Envelope) {
	msg, err := proto.Decode[proto.StateMessage](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: state: %v", err)
		return
	}
	e, ok := r.entities[msg.Entity]
	if !ok {
		if !msg.Full {
			r.requestMissing(msg.Entity)
			return
		}
		e = r.spawnRemote(msg)
	}
	if msg.Full {
		delete(r.awaiting, msg.Entity)
	}
	r.adoptOwner(e, msg)

	if e.role == LocalAuthority {
		return
	}
	if err := r.channel.Receive(env.From, msg); err != nil {
		return
	}
	if msg.Full && e.resyncing {
		e.resyncing = false
		r.reportDivergence(e, msg.Fields)
	}
	result := e.store.ApplyDelta(msg.Fields)
	r.dropped(e, env.From, result.Dropped)
	r.retarget(e, e.store.ConsumeExternal(), msg.SentAt)
}

// adoptOwner folds the owner stamped on a state message into the view when
// it is newer than anything announced so far.
func (r *Runtime) adoptOwner(e *Entity, msg proto.StateMessage) {
	moved := false
	if _, epoch := r.view.Owner(msg.Entity); msg.Epoch > epoch {
		_, moved = r.view.Apply(proto.OwnershipChanged{
			Entity: msg.Entity,
			New:    msg.Owner,
			Epoch:  msg.Epoch,
			Reason: string(ownership.ReasonSnapshot),
		})
	}
	owner, epoch := r.view.Owner(msg.Entity)
	if moved || epoch > e.epoch {
		r.setRole(e, owner, epoch)
	}
}

func (r *Runtime) requestMissing(id proto.EntityID) {
	if r.awaiting[id] {
		return
	}
	r.awaiting[id] = true
	if err := rnet.SendMessage(r.cfg.Transport, proto.ServerID, id, proto.ResyncRequest{Entity: id}); err != nil {
		r.cfg.Logger.Printf("entity: request snapshot of %s: %v", id, err)
	}
}

func (r *Runtime) spawnRemote(msg proto.StateMessage) *Entity {
	class := r.Class(msg.Class)
	position, _ := initialPosition(msg.Fields)
	var host Host
	var sim Simulation
	if r.cfg.Spawner != nil {
		host, sim = r.cfg.Spawner(msg.Entity, class, position)
	}
	if host == nil {
		host = NewBody(position)
	}
	e := newEntity(msg.Entity, class, host, sim, r.cfg.Validator)
	r.register(e)
	r.attach(e)
	return e
}

// retarget feeds changed transform fields to the interpolators. The first
// transform after an ownership change snaps.
func (r *Runtime) retarget(e *Entity, changed []string, sentAt int64) {
	var age time.Duration
	if sentAt > 0 {
		age = r.cfg.Clock.Now().Sub(time.UnixMilli(sentAt))
	}
	moved := false
	for _, key := range changed {
		switch key {
		case FieldPosition:
			p, ok := e.store.Vec3(key)
			if !ok {
				continue
			}
			moved = true
			if e.snapNext {
				e.position.Snap(p)
			} else {
				e.position.PushTargetAged(p, age)
			}
		case FieldOrientation:
			q, ok := e.store.Quat(key)
			if !ok {
				continue
			}
			moved = true
			if e.snapNext {
				e.rotation.Snap(q)
			} else {
				e.rotation.PushTargetAged(q, age)
			}
		}
	}
	if moved {
		e.snapNext = false
	}
}

// reportDivergence logs how far the local store drifted from a requested
// snapshot.
func (r *Runtime) reportDivergence(e *Entity, authoritative state.Fields) {
	local := e.store.Snapshot()
	if len(local) == 0 {
		return
	}
	before, err := json.Marshal(local)
	if err != nil {
		return
	}
	after, err := json.Marshal(authoritative)
	if err != nil {
		return
	}
	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		r.cfg.Logger.Printf("entity: compare snapshot of %s: %v", e.id, err)
		return
	}
	if len(patch) == 0 {
		return
	}
	replog.ResyncDivergence(context.Background(), r.cfg.Publisher, r.tick, string(e.id), replog.DivergencePayload{
		Operations: len(patch),
		Patch:      patch.String(),
	})
}
