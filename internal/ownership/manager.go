// Package ownership arbitrates which participant may drive each entity. The
// server runs a Manager; every participant mirrors the server's decisions in
// a View.
package ownership

import (
	"context"
	"sort"
	"sync"
	"time"

	"replicore/internal/net/proto"
	"replicore/internal/telemetry"
	"replicore/logging"
	replog "replicore/logging/replication"
)

// Reason explains an ownership transition.
type Reason string

const (
	ReasonRequest    Reason = "request"
	ReasonRelease    Reason = "release"
	ReasonDisconnect Reason = "disconnect"
	ReasonOverride   Reason = "override"
	ReasonRemoved    Reason = "removed"
	ReasonSnapshot   Reason = "snapshot"
)

const (
	metricGranted = "ownership.granted"
	metricDenied  = "ownership.denied"
)

// Denial reasons carried in ownership.denied events.
const (
	denyOwned            = "owned"
	denyUnknown          = "unknown_entity"
	denyNotClaimable     = "not_claimable"
	denyInvalidRequester = "invalid_requester"
)

// Change is one ownership transition. Every transition bumps the entity's
// epoch.
type Change struct {
	Entity    proto.EntityID
	Old       proto.ParticipantID
	New       proto.ParticipantID
	Epoch     uint64
	Reason    Reason
	GrantedAt time.Time
}

// Message renders the change for broadcast.
func (c Change) Message() proto.OwnershipChanged {
	msg := proto.OwnershipChanged{
		Entity: c.Entity,
		Old:    c.Old,
		New:    c.New,
		Epoch:  c.Epoch,
		Reason: string(c.Reason),
	}
	if !c.GrantedAt.IsZero() {
		msg.GrantedAt = c.GrantedAt.UnixNano()
	}
	return msg
}

// Decision is the server's answer to a request. Owner is the entity's owner
// after the decision; on denial it names who holds the entity. Released is
// set when a departed owner had to be cleared before the grant.
type Decision struct {
	Granted  bool
	Owner    proto.ParticipantID
	Epoch    uint64
	Change   *Change
	Released *Change
}

// Denial renders a denied decision for the requester.
func (d Decision) Denial(entity proto.EntityID) proto.OwnershipDenied {
	return proto.OwnershipDenied{Entity: entity, Owner: d.Owner, Epoch: d.Epoch}
}

// Record is the server's view of one entity.
type Record struct {
	Owner     proto.ParticipantID
	Epoch     uint64
	GrantedAt time.Time
	Claimable bool
}

// Config wires a Manager's collaborators. Every field is optional.
type Config struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Now       func() time.Time
	Tick      func() uint64
	// Connected reports whether a participant is still present. Owners that
	// are no longer present are treated as no owner.
	Connected func(proto.ParticipantID) bool
}

// Manager is the server-side arbiter.
type Manager struct {
	mu      sync.Mutex
	records map[proto.EntityID]*Record
	cfg     Config
}

// NewManager constructs an empty arbiter.
func NewManager(cfg Config) *Manager {
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tick == nil {
		cfg.Tick = func() uint64 { return 0 }
	}
	return &Manager{records: make(map[proto.EntityID]*Record), cfg: cfg}
}

// Track registers an entity as unowned. Tracking an existing entity only
// updates whether it may be claimed.
func (m *Manager) Track(entity proto.EntityID, claimable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[entity]; ok {
		rec.Claimable = claimable
		return
	}
	m.records[entity] = &Record{Claimable: claimable}
}

// Forget drops an entity. A held ownership is revoked with ReasonRemoved.
func (m *Manager) Forget(entity proto.EntityID) (Change, bool) {
	m.mu.Lock()
	rec, ok := m.records[entity]
	delete(m.records, entity)
	m.mu.Unlock()
	if !ok || rec.Owner == proto.NoOwner {
		return Change{}, false
	}
	change := Change{Entity: entity, Old: rec.Owner, Epoch: rec.Epoch + 1, Reason: ReasonRemoved}
	replog.OwnershipForced(context.Background(), m.cfg.Publisher, m.cfg.Tick(), string(entity), payloadOf(change))
	return change, true
}

// Lookup returns a copy of an entity's record.
func (m *Manager) Lookup(entity proto.EntityID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entity]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Owner returns the entity's owner and epoch.
func (m *Manager) Owner(entity proto.EntityID) (proto.ParticipantID, uint64) {
	rec, _ := m.Lookup(entity)
	return rec.Owner, rec.Epoch
}

// Owned lists the entities a participant holds, in id order.
func (m *Manager) Owned(participant proto.ParticipantID) []proto.EntityID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proto.EntityID
	for id, rec := range m.records {
		if rec.Owner == participant && participant != proto.NoOwner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Request grants the entity to participant iff it has no owner. A repeated
// request from the current owner is granted without a transition.
func (m *Manager) Request(entity proto.EntityID, participant proto.ParticipantID) Decision {
	ctx := context.Background()
	tick := m.cfg.Tick()

	m.mu.Lock()
	rec, ok := m.records[entity]
	if !ok || participant == proto.NoOwner || participant == proto.ServerID || !rec.Claimable {
		var epoch uint64
		reason := denyUnknown
		if ok {
			epoch = rec.Epoch
			reason = denyNotClaimable
			if rec.Claimable {
				reason = denyInvalidRequester
			}
		}
		m.mu.Unlock()
		decision := Decision{Owner: proto.ServerID, Epoch: epoch}
		m.deny(ctx, tick, entity, participant, decision, reason)
		return decision
	}

	var stale *Change
	if rec.Owner != proto.NoOwner && rec.Owner != participant && !m.connected(rec.Owner) {
		released := m.transitionLocked(entity, rec, proto.NoOwner, ReasonDisconnect)
		stale = &released
	}

	switch rec.Owner {
	case participant:
		decision := Decision{Granted: true, Owner: participant, Epoch: rec.Epoch}
		m.mu.Unlock()
		return decision
	case proto.NoOwner:
	default:
		decision := Decision{Owner: rec.Owner, Epoch: rec.Epoch}
		m.mu.Unlock()
		m.deny(ctx, tick, entity, participant, decision, denyOwned)
		return decision
	}

	change := m.transitionLocked(entity, rec, participant, ReasonRequest)
	m.mu.Unlock()

	if stale != nil {
		replog.OwnershipForced(ctx, m.cfg.Publisher, tick, string(entity), payloadOf(*stale))
	}
	m.cfg.Metrics.Add(metricGranted, 1)
	replog.OwnershipGranted(ctx, m.cfg.Publisher, tick, string(entity), payloadOf(change))
	return Decision{Granted: true, Owner: participant, Epoch: change.Epoch, Change: &change, Released: stale}
}

// Release returns the entity to the server. Only the current owner or the
// server itself may release; anything else is ignored.
func (m *Manager) Release(entity proto.EntityID, by proto.ParticipantID) (Change, bool) {
	m.mu.Lock()
	rec, ok := m.records[entity]
	if !ok || rec.Owner == proto.NoOwner || (by != rec.Owner && by != proto.ServerID) {
		m.mu.Unlock()
		return Change{}, false
	}
	reason := ReasonRelease
	if by == proto.ServerID {
		reason = ReasonOverride
	}
	change := m.transitionLocked(entity, rec, proto.NoOwner, reason)
	m.mu.Unlock()

	if reason == ReasonRelease {
		replog.OwnershipReleased(context.Background(), m.cfg.Publisher, m.cfg.Tick(), string(entity), payloadOf(change))
	} else {
		replog.OwnershipForced(context.Background(), m.cfg.Publisher, m.cfg.Tick(), string(entity), payloadOf(change))
	}
	return change, true
}

// ReleaseAll force-releases everything a departing participant holds.
func (m *Manager) ReleaseAll(participant proto.ParticipantID) []Change {
	if participant == proto.NoOwner {
		return nil
	}
	m.mu.Lock()
	var changes []Change
	ids := make([]proto.EntityID, 0)
	for id, rec := range m.records {
		if rec.Owner == participant {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		changes = append(changes, m.transitionLocked(id, m.records[id], proto.NoOwner, ReasonDisconnect))
	}
	m.mu.Unlock()

	tick := m.cfg.Tick()
	for _, change := range changes {
		replog.OwnershipForced(context.Background(), m.cfg.Publisher, tick, string(change.Entity), payloadOf(change))
	}
	return changes
}

// Override hands the entity to another participant, or back to the server
// when to is NoOwner, regardless of the current owner.
func (m *Manager) Override(entity proto.EntityID, to proto.ParticipantID) (Change, bool) {
	if to == proto.ServerID {
		to = proto.NoOwner
	}
	m.mu.Lock()
	rec, ok := m.records[entity]
	if !ok || rec.Owner == to {
		m.mu.Unlock()
		return Change{}, false
	}
	change := m.transitionLocked(entity, rec, to, ReasonOverride)
	m.mu.Unlock()

	replog.OwnershipForced(context.Background(), m.cfg.Publisher, m.cfg.Tick(), string(entity), payloadOf(change))
	if to != proto.NoOwner {
		m.cfg.Metrics.Add(metricGranted, 1)
	}
	return change, true
}

func (m *Manager) transitionLocked(entity proto.EntityID, rec *Record, to proto.ParticipantID, reason Reason) Change {
	change := Change{Entity: entity, Old: rec.Owner, New: to, Reason: reason}
	rec.Epoch++
	rec.Owner = to
	if to != proto.NoOwner {
		rec.GrantedAt = m.cfg.Now()
	} else {
		rec.GrantedAt = time.Time{}
	}
	change.Epoch = rec.Epoch
	change.GrantedAt = rec.GrantedAt
	return change
}

func (m *Manager) deny(ctx context.Context, tick uint64, entity proto.EntityID, requester proto.ParticipantID, d Decision, reason string) {
	m.cfg.Metrics.Add(metricDenied, 1)
	replog.OwnershipDenied(ctx, m.cfg.Publisher, tick, string(entity), string(requester), replog.OwnershipPayload{
		Old:    string(d.Owner),
		Epoch:  d.Epoch,
		Reason: reason,
	})
}

func (m *Manager) connected(id proto.ParticipantID) bool {
	if m.cfg.Connected == nil {
		return true
	}
	return m.cfg.Connected(id)
}

func payloadOf(c Change) replog.OwnershipPayload {
	return replog.OwnershipPayload{
		Old:    string(c.Old),
		New:    string(c.New),
		Epoch:  c.Epoch,
		Reason: string(c.Reason),
	}
}
