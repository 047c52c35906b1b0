package ownership

import (
	"context"
	"fmt"
	"sync"

	"replicore/internal/net/proto"
	"replicore/logging"
	replog "replicore/logging/replication"
)

// Entry is a participant's belief about one entity's owner.
type Entry struct {
	Owner     proto.ParticipantID
	Epoch     uint64
	GrantedAt int64
}

// View mirrors the server's ownership decisions on a participant. Updates are
// ordered by epoch; two different owners announced for the same epoch is an
// invariant violation.
type View struct {
	mu      sync.Mutex
	local   proto.ParticipantID
	entries map[proto.EntityID]Entry
	pub     logging.Publisher
	tick    func() uint64
}

// NewView creates a view for the local participant.
func NewView(local proto.ParticipantID, pub logging.Publisher, tick func() uint64) *View {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if tick == nil {
		tick = func() uint64 { return 0 }
	}
	return &View{local: local, entries: make(map[proto.EntityID]Entry), pub: pub, tick: tick}
}

// Local is the participant this view belongs to.
func (v *View) Local() proto.ParticipantID { return v.local }

// Apply folds an ownership-changed message into the view. It reports the
// resulting change and whether the owner actually moved.
func (v *View) Apply(msg proto.OwnershipChanged) (Change, bool) {
	v.mu.Lock()
	prev, known := v.entries[msg.Entity]
	next := Entry{Owner: msg.New, Epoch: msg.Epoch, GrantedAt: msg.GrantedAt}

	switch {
	case !known:
	case msg.Epoch < prev.Epoch:
		v.mu.Unlock()
		return Change{}, false
	case msg.Epoch == prev.Epoch:
		if msg.New == prev.Owner {
			v.mu.Unlock()
			return Change{}, false
		}
		kept := resolveConflict(prev, next)
		v.mu.Unlock()
		v.conflict(msg.Entity, prev, next, kept)
		if kept.Owner == prev.Owner {
			return Change{}, false
		}
		v.mu.Lock()
	}
	v.entries[msg.Entity] = next
	v.mu.Unlock()

	if known && prev.Owner == next.Owner {
		return Change{}, false
	}
	return Change{
		Entity: msg.Entity,
		Old:    prev.Owner,
		New:    next.Owner,
		Epoch:  next.Epoch,
		Reason: Reason(msg.Reason),
	}, true
}

// Owner returns the believed owner and epoch.
func (v *View) Owner(entity proto.EntityID) (proto.ParticipantID, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e := v.entries[entity]
	return e.Owner, e.Epoch
}

// IsLocal reports whether the local participant owns the entity.
func (v *View) IsLocal(entity proto.EntityID) bool {
	owner, _ := v.Owner(entity)
	return owner != proto.NoOwner && owner == v.local
}

// Forget drops an entity from the view.
func (v *View) Forget(entity proto.EntityID) {
	v.mu.Lock()
	delete(v.entries, entity)
	v.mu.Unlock()
}

// resolveConflict prefers the most recently granted owner. Equal grant times
// fall back to the greater id so every observer picks the same winner.
func resolveConflict(a, b Entry) Entry {
	if a.GrantedAt != b.GrantedAt {
		if a.GrantedAt > b.GrantedAt {
			return a
		}
		return b
	}
	if a.Owner > b.Owner {
		return a
	}
	return b
}

func (v *View) conflict(entity proto.EntityID, prev, next, kept Entry) {
	rejected := prev
	if kept == prev {
		rejected = next
	}
	invariant(fmt.Sprintf("entity %s resolved owners %q and %q at epoch %d", entity, prev.Owner, next.Owner, prev.Epoch))
	replog.OwnershipConflict(context.Background(), v.pub, v.tick(), string(entity), replog.ConflictPayload{
		Epoch:    prev.Epoch,
		Kept:     string(kept.Owner),
		Rejected: string(rejected.Owner),
	})
}
