package entity

import (
	rnet "replicore/internal/net"
	"replicore/internal/net/proto"
	"replicore/internal/ownership"
	"replicore/internal/state"
)

func (r *Runtime) subscribeServer() {
	r.subscribe(proto.ChannelJoin, r.onJoin)
	r.subscribe(proto.ChannelLeave, r.onLeave)
	r.subscribe(proto.ChannelOwnershipRequest, r.onRequest)
	r.subscribe(proto.ChannelOwnershipRelease, r.onRelease)
	r.subscribe(proto.ChannelDelta, r.onOwnerDelta)
	r.subscribe(proto.ChannelResync, r.onResync)
}

// onJoin brings a new participant up to date: one full snapshot per entity,
// each carrying the entity's current owner and epoch.
func (r *Runtime) onJoin(env rnet.Envelope) {
	r.presence[env.From] = true
	for _, e := range r.Entities() {
		if err := r.channel.SendFull(e.id, env.From, "join"); err != nil {
			r.cfg.Logger.Printf("entity: join snapshot %s for %s: %v", e.id, env.From, err)
		}
	}
}

// onLeave releases everything the participant held. The entities keep their
// last accepted transform and the server resumes driving them from there.
func (r *Runtime) onLeave(env rnet.Envelope) {
	delete(r.presence, env.From)
	for _, change := range r.manager.ReleaseAll(env.From) {
		r.commit(change)
	}
}

func (r *Runtime) onRequest(env rnet.Envelope) {
	req, err := proto.Decode[proto.OwnershipRequest](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: ownership request from %s: %v", env.From, err)
		return
	}
	decision := r.manager.Request(req.Entity, env.From)
	if decision.Released != nil {
		r.commit(*decision.Released)
	}
	switch {
	case decision.Change != nil:
		r.commit(*decision.Change)
	case decision.Granted:
		// Repeated request from the owner: restate the grant to the requester.
		msg := proto.OwnershipChanged{
			Entity: req.Entity,
			New:    decision.Owner,
			Epoch:  decision.Epoch,
			Reason: string(ownership.ReasonRequest),
		}
		if rec, ok := r.manager.Lookup(req.Entity); ok && !rec.GrantedAt.IsZero() {
			msg.GrantedAt = rec.GrantedAt.UnixNano()
		}
		r.sendTo(env.From, req.Entity, msg)
	default:
		r.sendTo(env.From, req.Entity, decision.Denial(req.Entity))
	}
}

func (r *Runtime) onRelease(env rnet.Envelope) {
	rel, err := proto.Decode[proto.OwnershipRelease](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: ownership release from %s: %v", env.From, err)
		return
	}
	if change, ok := r.manager.Release(rel.Entity, env.From); ok {
		r.commit(change)
	}
}

// onOwnerDelta validates an owner's delta, applies it to the server's mirror
// and relays the accepted fields to every other participant.
func (r *Runtime) onOwnerDelta(env rnet.Envelope) {
	msg, err := proto.Decode[proto.StateMessage](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: delta from %s: %v", env.From, err)
		return
	}
	e, ok := r.entities[msg.Entity]
	if !ok {
		return
	}
	if err := r.channel.Receive(env.From, msg); err != nil {
		return
	}
	result := e.store.ApplyDelta(msg.Fields)
	r.dropped(e, env.From, result.Dropped)
	e.store.ConsumeExternal()
	e.applyTransform()

	accepted := state.Fields(msg.Fields)
	if len(result.Dropped) > 0 {
		accepted = accepted.Clone()
		for _, d := range result.Dropped {
			delete(accepted, d.Key)
		}
	}
	r.channel.Forward(env.From, msg, accepted)
}

func (r *Runtime) onResync(env rnet.Envelope) {
	req, err := proto.Decode[proto.ResyncRequest](env.Payload)
	if err != nil {
		r.cfg.Logger.Printf("entity: resync from %s: %v", env.From, err)
		return
	}
	if req.Entity == "" {
		for _, e := range r.Entities() {
			_ = r.channel.SendFull(e.id, env.From, "resync")
		}
		return
	}
	if _, ok := r.entities[req.Entity]; !ok {
		r.sendTo(env.From, req.Entity, proto.EntityRemoved{Entity: req.Entity})
		return
	}
	_ = r.channel.SendFull(req.Entity, env.From, "resync")
}

// commit announces an ownership transition to every participant and applies
// it to the server's own entity.
func (r *Runtime) commit(change ownership.Change) {
	if err := rnet.BroadcastMessage(r.cfg.Transport, change.Entity, change.Message()); err != nil {
		r.cfg.Logger.Printf("entity: broadcast ownership of %s: %v", change.Entity, err)
	}
	if e, ok := r.entities[change.Entity]; ok {
		r.setRole(e, change.New, change.Epoch)
	}
}

func (r *Runtime) sendTo(to proto.ParticipantID, entity proto.EntityID, msg proto.Message) {
	if err := rnet.SendMessage(r.cfg.Transport, to, entity, msg); err != nil {
		r.cfg.Logger.Printf("entity: send %s to %s: %v", msg.Channel(), to, err)
	}
}
