package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicore/internal/clock"
	"replicore/internal/mathx"
	rnet "replicore/internal/net"
	"replicore/internal/net/memnet"
	"replicore/internal/net/proto"
	"replicore/internal/state"
	"replicore/logging/sinks"
	replog "replicore/logging/replication"
)

const step = 50 * time.Millisecond

type world struct {
	t       *testing.T
	clock   *clock.Manual
	network *memnet.Network
	server  *Runtime
	clients map[proto.ParticipantID]*Runtime
	links   map[proto.ParticipantID]*memnet.Endpoint
	memory  *sinks.MemorySink
	denials []proto.OwnershipDenied
}

func testClasses() map[string]Class {
	enemy := DefaultClass("enemy")
	enemy.Claimable = false
	return map[string]Class{
		DefaultClassName: DefaultClass(DefaultClassName),
		"enemy":          enemy,
	}
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		t:       t,
		clock:   clock.NewManual(time.Unix(1700000000, 0)),
		network: memnet.NewNetwork(),
		clients: make(map[proto.ParticipantID]*Runtime),
		links:   make(map[proto.ParticipantID]*memnet.Endpoint),
		memory:  sinks.NewMemorySink(),
	}
	server, err := New(Config{
		Transport: w.network.Server(),
		Clock:     w.clock,
		FixedStep: step,
		Classes:   testClasses(),
		Publisher: w.memory,
	})
	require.NoError(t, err)
	require.True(t, server.IsServer())
	w.server = server
	t.Cleanup(func() { _ = server.Close() })
	return w
}

func (w *world) join(id proto.ParticipantID, opts ...func(*Config)) *Runtime {
	w.t.Helper()
	link, err := w.network.Connect(id)
	require.NoError(w.t, err)
	cfg := Config{
		Transport: link,
		Clock:     w.clock,
		FixedStep: step,
		Classes:   testClasses(),
		Publisher: w.memory,
		OnDenied:  func(d proto.OwnershipDenied) { w.denials = append(w.denials, d) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	rt, err := New(cfg)
	require.NoError(w.t, err)
	w.clients[id] = rt
	w.links[id] = link
	return rt
}

func (w *world) leave(id proto.ParticipantID) {
	require.NoError(w.t, w.clients[id].Close())
	require.NoError(w.t, w.links[id].Close())
	delete(w.clients, id)
	delete(w.links, id)
}

func (w *world) frames(n int) {
	w.clock.AdvanceFrames(n, step)
}

func mustEntity(t *testing.T, rt *Runtime, id proto.EntityID) *Entity {
	t.Helper()
	e, ok := rt.Entity(id)
	require.True(t, ok, "%s has no entity %s", rt.Local(), id)
	return e
}

// owned sets up e1 owned by alice with bob observing.
func owned(t *testing.T) (*world, *Runtime, *Runtime) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{})
	require.NoError(t, err)
	alice := w.join("alice")
	bob := w.join("bob")
	w.frames(1)
	require.NoError(t, alice.RequestOwnership("e1"))
	w.frames(1)
	require.Equal(t, LocalAuthority, mustEntity(t, alice, "e1").Role())
	return w, alice, bob
}

func TestRequestGrantedThenSecondRequesterDeniedNamingOwner(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{})
	require.NoError(t, err)
	alice := w.join("alice")
	bob := w.join("bob")
	w.frames(1)

	require.NoError(t, alice.RequestOwnership("e1"))
	require.NoError(t, bob.RequestOwnership("e1"))
	w.frames(1)

	owner, epoch := w.server.Ownership().Owner("e1")
	assert.Equal(t, proto.ParticipantID("alice"), owner)
	assert.Equal(t, uint64(1), epoch)

	ea := mustEntity(t, alice, "e1")
	eb := mustEntity(t, bob, "e1")
	es := mustEntity(t, w.server, "e1")
	assert.Equal(t, LocalAuthority, ea.Role())
	assert.Equal(t, RemoteAuthority, eb.Role())
	assert.Equal(t, proto.ParticipantID("alice"), eb.Owner())
	assert.Equal(t, RemoteAuthority, es.Role())

	require.Len(t, w.denials, 1)
	assert.Equal(t, proto.ParticipantID("alice"), w.denials[0].Owner)
	assert.Equal(t, proto.EntityID("e1"), w.denials[0].Entity)

	// The owner simulates on the fixed tick, the observer smooths on the
	// presentation tick, and the server mirror holds no hook.
	assert.Equal(t, 1, ea.Hooks())
	assert.Equal(t, 1, eb.Hooks())
	assert.Equal(t, 0, es.Hooks())
	assert.Equal(t, 5, w.clock.Active())
}

func TestOwnerDiffSentOnceAndEmptyDiffSuppressed(t *testing.T) {
	w, alice, bob := owned(t)
	deltas := 0
	w.network.SetDropFunc(func(from, _ proto.ParticipantID, channel proto.Channel) bool {
		if from == "alice" && channel == proto.ChannelDelta {
			deltas++
		}
		return false
	})

	mustEntity(t, alice, "e1").Host().SetPosition(mathx.V3(1, 0, 0))
	w.frames(1)
	assert.Equal(t, 1, deltas)

	w.frames(10)
	assert.Equal(t, 1, deltas, "unchanged transform is never resent")
	require.NoError(t, alice.Publish("e1"))
	assert.Equal(t, 1, deltas, "explicit publish of an empty diff is suppressed")

	assert.Equal(t, mathx.V3(1, 0, 0), mustEntity(t, w.server, "e1").Host().Position())
	assert.Equal(t, mathx.V3(1, 0, 0), mustEntity(t, bob, "e1").Host().Position())
}

func TestDisconnectReleasesAndNextRequestGranted(t *testing.T) {
	w, alice, bob := owned(t)
	mustEntity(t, alice, "e1").Host().SetPosition(mathx.V3(2, 0, 0))
	w.frames(3)

	w.leave("alice")
	w.frames(1)

	es := mustEntity(t, w.server, "e1")
	owner, epoch := w.server.Ownership().Owner("e1")
	assert.Equal(t, proto.NoOwner, owner)
	assert.Equal(t, uint64(2), epoch)
	assert.Equal(t, Unowned, es.Role())
	assert.Equal(t, mathx.V3(2, 0, 0), es.Host().Position(), "entity freezes at its last transform")
	assert.Equal(t, Unowned, mustEntity(t, bob, "e1").Role())
	assert.Len(t, w.memory.OfType(replog.EventOwnershipForced), 1)

	carol := w.join("carol")
	w.frames(1)
	require.NoError(t, carol.RequestOwnership("e1"))
	w.frames(1)

	owner, epoch = w.server.Ownership().Owner("e1")
	assert.Equal(t, proto.ParticipantID("carol"), owner)
	assert.Equal(t, uint64(3), epoch)
	ec := mustEntity(t, carol, "e1")
	assert.Equal(t, LocalAuthority, ec.Role())
	assert.Equal(t, mathx.V3(2, 0, 0), ec.Host().Position())
	assert.Empty(t, w.denials)
}

func TestOwnershipChangeSnapsObserverOnNextTick(t *testing.T) {
	w, alice, bob := owned(t)
	ea := mustEntity(t, alice, "e1")
	eb := mustEntity(t, bob, "e1")

	ea.Host().SetPosition(mathx.V3(1, 0, 0))
	w.frames(3)
	ea.Host().SetPosition(mathx.V3(10, 0, 0))

	pos, _ := eb.Interpolators()
	target := mathx.V3(10, 0, 0)
	for i := 0; i < 20 && pos.Target() != target; i++ {
		w.frames(1)
	}
	require.Equal(t, target, pos.Target())
	require.False(t, pos.Settled(), "observer blends toward a new target")

	require.NoError(t, alice.ReleaseOwnership("e1"))
	w.frames(1)

	assert.Equal(t, Unowned, eb.Role())
	assert.True(t, pos.Settled())
	assert.Equal(t, target, pos.Current())
	assert.Equal(t, target, eb.Host().Position())

	w.frames(1)
	assert.True(t, pos.Settled())
	assert.Equal(t, Unowned, ea.Role())
	assert.Equal(t, 1, ea.Hooks(), "former owner swapped its simulation hook for a presentation hook")
}

func TestLateJoinerReceivesSnapshotWithOwner(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{
		Host:   NewBody(mathx.V3(3, 0, 0)),
		Fields: map[string]any{"label": "crate"},
	})
	require.NoError(t, err)
	alice := w.join("alice")
	w.frames(1)
	require.NoError(t, alice.RequestOwnership("e1"))
	w.frames(1)

	dave := w.join("dave")
	w.frames(1)

	ed := mustEntity(t, dave, "e1")
	assert.Equal(t, RemoteAuthority, ed.Role())
	assert.Equal(t, proto.ParticipantID("alice"), ed.Owner())
	assert.Equal(t, uint64(1), ed.Epoch())
	label, ok := ed.Store().String("label")
	require.True(t, ok)
	assert.Equal(t, "crate", label)
	assert.Equal(t, mathx.V3(3, 0, 0), ed.Host().Position())
	assert.NotEmpty(t, w.memory.OfType(replog.EventResyncServed))
}

func TestUnauthorizedDeltaIgnored(t *testing.T) {
	w, alice, _ := owned(t)
	forged := proto.StateMessage{
		Entity: "e1",
		Sender: "bob",
		Epoch:  1,
		Seq:    99,
		Fields: state.Fields{FieldPosition: []byte(`[9,9,9]`)},
	}
	require.NoError(t, rnet.SendMessage(w.links["bob"], proto.ServerID, "e1", forged))
	w.frames(1)

	assert.Equal(t, mathx.Vec3{}, mustEntity(t, w.server, "e1").Host().Position())
	assert.Equal(t, mathx.Vec3{}, mustEntity(t, alice, "e1").Host().Position())
	assert.Len(t, w.memory.OfType(replog.EventUnauthorizedDelta), 1)
}

func TestNonClaimableClassDeniedNamingServer(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("orc", "enemy", SpawnOptions{})
	require.NoError(t, err)
	alice := w.join("alice")
	w.frames(1)

	assert.Equal(t, "enemy", mustEntity(t, alice, "orc").Class().Name)
	require.NoError(t, alice.RequestOwnership("orc"))
	w.frames(1)

	require.Len(t, w.denials, 1)
	assert.Equal(t, proto.ServerID, w.denials[0].Owner)
	owner, _ := w.server.Ownership().Owner("orc")
	assert.Equal(t, proto.NoOwner, owner)
	assert.Equal(t, Unowned, mustEntity(t, alice, "orc").Role())
}

func TestServerOverrideMovesOwnership(t *testing.T) {
	w, alice, bob := owned(t)
	require.NoError(t, w.server.OverrideOwner("e1", "bob"))
	w.frames(1)

	assert.Equal(t, RemoteAuthority, mustEntity(t, alice, "e1").Role())
	assert.Equal(t, LocalAuthority, mustEntity(t, bob, "e1").Role())
	assert.Equal(t, uint64(2), mustEntity(t, bob, "e1").Epoch())

	require.NoError(t, w.server.RequestOwnership("e1"))
	w.frames(1)
	assert.Equal(t, Unowned, mustEntity(t, bob, "e1").Role())
	assert.Equal(t, Unowned, mustEntity(t, w.server, "e1").Role())
}

func TestRemoveDetachesEveryHook(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{})
	require.NoError(t, err)
	alice := w.join("alice")
	w.join("bob")
	w.frames(1)
	require.Equal(t, 6, w.clock.Active())

	assert.ErrorIs(t, alice.Remove("e1"), ErrWrongSide)
	require.NoError(t, w.server.Remove("e1"))
	_, ok := w.server.Entity("e1")
	assert.False(t, ok)
	assert.Equal(t, 5, w.clock.Active(), "server hook detached synchronously")

	w.frames(1)
	_, ok = alice.Entity("e1")
	assert.False(t, ok)
	assert.Equal(t, 3, w.clock.Active())
	assert.Equal(t, 0, alice.Channel().Len())
	assert.ErrorIs(t, w.server.Remove("e1"), ErrUnknownEntity)
}

func TestResyncReportsDivergence(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{})
	require.NoError(t, err)
	bob := w.join("bob")
	w.frames(1)

	eb := mustEntity(t, bob, "e1")
	require.NoError(t, eb.Store().Set(FieldPosition, mathx.V3(4, 0, 0)))
	require.NoError(t, bob.Resync("e1"))
	w.frames(1)

	events := w.memory.OfType(replog.EventResyncDivergence)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(replog.DivergencePayload)
	require.True(t, ok)
	assert.GreaterOrEqual(t, payload.Operations, 1)
	pos, ok := eb.Store().Vec3(FieldPosition)
	require.True(t, ok)
	assert.Equal(t, mathx.Vec3{}, pos)
}

func TestResyncAcceptsSnapshotBehindOrderingGuard(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{})
	require.NoError(t, err)
	bob := w.join("bob")
	w.frames(1)

	eb := mustEntity(t, bob, "e1")
	bob.Channel().Rebase("e1", 5)
	require.NoError(t, eb.Store().Set(FieldPosition, mathx.V3(4, 0, 0)))
	require.NoError(t, bob.Resync("e1"))
	w.frames(1)

	assert.Len(t, w.memory.OfType(replog.EventResyncDivergence), 1)
	pos, ok := eb.Store().Vec3(FieldPosition)
	require.True(t, ok)
	assert.Equal(t, mathx.Vec3{}, pos)
}

func TestSimulationRunsOnlyWhileAuthoritative(t *testing.T) {
	w := newWorld(t)
	calls := 0
	_, err := w.server.Spawn("drone", "", SpawnOptions{
		Simulation: SimulationFunc(func(s Step) {
			calls++
			s.Host.SetPosition(s.Host.Position().Add(mathx.V3(1, 0, 0)))
		}),
	})
	require.NoError(t, err)
	alice := w.join("alice")
	w.frames(4)
	assert.Equal(t, 4, calls)

	require.NoError(t, alice.RequestOwnership("drone"))
	w.frames(3)
	assert.Equal(t, 4, calls)
	assert.Equal(t, LocalAuthority, mustEntity(t, alice, "drone").Role())

	infos := w.server.Describe()
	require.Len(t, infos, 1)
	assert.Equal(t, "remote", infos[0].Role)
	assert.Equal(t, proto.ParticipantID("alice"), infos[0].Owner)
}

func TestSpawnerBuildsRemoteEntities(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "enemy", SpawnOptions{Host: NewBody(mathx.V3(0, 0, 5))})
	require.NoError(t, err)

	var gotClass string
	var gotPosition mathx.Vec3
	host := NewBody(mathx.Vec3{})
	alice := w.join("alice", func(cfg *Config) {
		cfg.Spawner = func(id proto.EntityID, class Class, position mathx.Vec3) (Host, Simulation) {
			gotClass = class.Name
			gotPosition = position
			return host, nil
		}
	})
	w.frames(2)

	assert.Equal(t, "enemy", gotClass)
	assert.Equal(t, mathx.V3(0, 0, 5), gotPosition)
	assert.Same(t, host, mustEntity(t, alice, "e1").Host())
	assert.Equal(t, mathx.V3(0, 0, 5), host.Position())
}

func TestAuthorityGuards(t *testing.T) {
	w := newWorld(t)
	_, err := w.server.Spawn("e1", "", SpawnOptions{})
	require.NoError(t, err)
	alice := w.join("alice")
	w.frames(1)

	assert.ErrorIs(t, alice.Set("e1", "hp", 3), ErrNotAuthority)
	assert.ErrorIs(t, alice.Publish("e1"), ErrNotAuthority)
	assert.ErrorIs(t, alice.ReleaseOwnership("e1"), ErrNotAuthority)
	assert.ErrorIs(t, alice.OverrideOwner("e1", "alice"), ErrWrongSide)
	assert.ErrorIs(t, alice.RequestOwnership("nope"), ErrUnknownEntity)
	assert.ErrorIs(t, w.server.Resync(""), ErrWrongSide)

	assert.NoError(t, w.server.Set("e1", "hp", 3))
	assert.ErrorIs(t, w.server.Set("nope", "hp", 3), ErrUnknownEntity)
	_, err = w.server.Spawn("e1", "", SpawnOptions{})
	assert.ErrorIs(t, err, ErrDuplicateEntity)

	_, err = New(Config{Clock: w.clock})
	assert.Error(t, err)
}
