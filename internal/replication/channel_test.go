package replication

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
	"replicore/internal/telemetry"
	"replicore/logging/sinks"
	replog "replicore/logging/replication"
)

type ownerRecord struct {
	owner proto.ParticipantID
	epoch uint64
}

type owners map[proto.EntityID]ownerRecord

func (o owners) lookup(entity proto.EntityID) (proto.ParticipantID, uint64) {
	rec := o[entity]
	return rec.owner, rec.epoch
}

func (o owners) set(entity proto.EntityID, owner proto.ParticipantID, epoch uint64) {
	o[entity] = ownerRecord{owner: owner, epoch: epoch}
}

type harness struct {
	clock    *clock.Manual
	network  *memnet.Network
	server   *memnet.Endpoint
	alice    *memnet.Endpoint
	bob      *memnet.Endpoint
	owners   owners
	counters *telemetry.Counters
	memory   *sinks.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	network := memnet.NewNetwork()
	h := &harness{
		clock:    clock.NewManual(time.Unix(1000, 0)),
		network:  network,
		server:   network.Server(),
		owners:   owners{},
		counters: telemetry.NewCounters(),
		memory:   sinks.NewMemorySink(),
	}
	var err error
	h.alice, err = network.Connect("alice")
	require.NoError(t, err)
	h.bob, err = network.Connect("bob")
	require.NoError(t, err)
	return h
}

func (h *harness) channel(t *testing.T, transport rnet.Transport) *Channel {
	t.Helper()
	ch, err := New(Config{
		Transport: transport,
		Owner:     h.owners.lookup,
		Now:       h.clock.Now,
		Publisher: h.memory,
		Metrics:   h.counters,
	})
	require.NoError(t, err)
	return ch
}

func collect(ep *memnet.Endpoint, channels ...proto.Channel) *[]proto.StateMessage {
	var out []proto.StateMessage
	for _, ch := range channels {
		ep.Subscribe(ch, func(env rnet.Envelope) {
			msg, err := proto.Decode[proto.StateMessage](env.Payload)
			if err == nil {
				out = append(out, msg)
			}
		})
	}
	return &out
}

func TestPublishSendsOnceAndSuppressesEmptyDiff(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "alice", 1)
	ch := h.channel(t, h.alice)
	store := state.NewStore(nil)
	ch.Open("e1", store, StreamConfig{Class: "pet", MinInterval: 125 * time.Millisecond})
	received := collect(h.server, proto.ChannelDelta)

	require.NoError(t, store.Set("position", mathx.V3(1, 0, 0)))
	require.NoError(t, ch.Publish("e1"))
	h.network.Drain()
	require.Len(t, *received, 1)
	assert.Equal(t, uint64(1), (*received)[0].Epoch)
	assert.Equal(t, uint64(1), (*received)[0].Seq)
	assert.JSONEq(t, `[1,0,0]`, string((*received)[0].Fields["position"]))

	h.clock.Advance(time.Second)
	require.NoError(t, store.Set("position", mathx.V3(1, 0, 0)))
	require.NoError(t, ch.Publish("e1"))
	h.network.Drain()
	assert.Len(t, *received, 1, "unchanged value must not be resent")
	assert.Equal(t, uint64(1), h.counters.Get("replication.published"))
}

func TestPublishCoalescesWithinInterval(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "alice", 1)
	ch := h.channel(t, h.alice)
	store := state.NewStore(nil)
	ch.Open("e1", store, StreamConfig{MinInterval: 200 * time.Millisecond})
	received := collect(h.server, proto.ChannelDelta)

	store.Set("hp", 10)
	ch.Publish("e1")
	for i := 1; i <= 3; i++ {
		h.clock.Advance(50 * time.Millisecond)
		store.Set("hp", 10-i)
		require.NoError(t, ch.Publish("e1"))
		ch.Flush()
	}
	assert.True(t, ch.Pending("e1"))
	h.network.Drain()
	assert.Len(t, *received, 1)

	h.clock.Advance(50 * time.Millisecond)
	ch.Flush()
	h.network.Drain()
	require.Len(t, *received, 2)
	assert.JSONEq(t, `7`, string((*received)[1].Fields["hp"]), "coalesced publish carries the latest value")
	assert.Equal(t, uint64(2), (*received)[1].Seq)
	assert.Equal(t, uint64(3), h.counters.Get("replication.coalesced"))
	assert.False(t, ch.Pending("e1"))
}

func TestPublishRequiresAuthority(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "bob", 1)
	ch := h.channel(t, h.alice)
	ch.Open("e1", state.NewStore(nil), StreamConfig{})
	assert.ErrorIs(t, ch.Publish("e1"), ErrNotOwner)
	assert.ErrorIs(t, ch.Publish("nope"), ErrUnknownStream)

	server := h.channel(t, h.server)
	server.Open("e1", state.NewStore(nil), StreamConfig{})
	assert.ErrorIs(t, server.Publish("e1"), ErrNotOwner, "server defers to an owning participant")
	h.owners.set("e1", proto.NoOwner, 2)
	assert.NoError(t, server.Publish("e1"))
}

func TestServerRejectsUnauthorizedDelta(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "alice", 2)
	server := h.channel(t, h.server)
	server.Open("e1", state.NewStore(nil), StreamConfig{})

	err := server.Receive("bob", proto.StateMessage{Entity: "e1", Epoch: 2, Seq: 1})
	assert.ErrorIs(t, err, ErrNotOwner)
	err = server.Receive("alice", proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 5})
	assert.ErrorIs(t, err, ErrNotOwner, "delta from a previous epoch")
	assert.Len(t, h.memory.OfType(replog.EventUnauthorizedDelta), 2)

	assert.NoError(t, server.Receive("alice", proto.StateMessage{Entity: "e1", Epoch: 2, Seq: 1}))
}

func TestReceiveDropsStaleAndAcceptsFullSnapshots(t *testing.T) {
	h := newHarness(t)
	ch := h.channel(t, h.bob)
	ch.Open("e1", state.NewStore(nil), StreamConfig{})

	require.NoError(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 2}))
	assert.ErrorIs(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 1}), ErrStale)
	assert.ErrorIs(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 2}), ErrStale)
	assert.NoError(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 2, Full: true}))
	assert.NoError(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 3}))
	assert.NoError(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 2, Seq: 1}))
	assert.ErrorIs(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 1, Seq: 9, Full: true}), ErrStale)

	ch.Rebase("e1", 3)
	assert.ErrorIs(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 2, Seq: 7}), ErrStale)
	assert.NoError(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 3, Seq: 1}))

	ch.ResetInbound("e1")
	assert.NoError(t, ch.Receive(proto.ServerID, proto.StateMessage{Entity: "e1", Epoch: 2, Seq: 1, Full: true}))

	assert.Equal(t, uint64(4), h.counters.Get("replication.dropped_stale"))
	assert.Len(t, h.memory.OfType(replog.EventStaleMessage), 4)
}

func TestForwardRelaysToOthersWithOwnerPosition(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "alice", 4)
	server := h.channel(t, h.server)
	server.Open("e1", state.NewStore(nil), StreamConfig{})
	atAlice := collect(h.alice, proto.ChannelDelta)
	atBob := collect(h.bob, proto.ChannelDelta)

	msg := proto.StateMessage{Entity: "e1", Sender: "alice", Epoch: 4, Seq: 9}
	server.Forward("alice", msg, state.Fields{"mood": []byte(`"calm"`)})
	h.network.Drain()

	assert.Empty(t, *atAlice)
	require.Len(t, *atBob, 1)
	assert.Equal(t, proto.ParticipantID("alice"), (*atBob)[0].Owner)
	assert.Equal(t, uint64(9), (*atBob)[0].Seq)
	epoch, seq := server.Position("e1")
	assert.Equal(t, uint64(4), epoch)
	assert.Equal(t, uint64(9), seq)
}

func TestHeartbeatOnlyForUnownedEntities(t *testing.T) {
	h := newHarness(t)
	server := h.channel(t, h.server)
	store := state.NewStore(nil)
	store.Set("phase", "idle")
	server.Open("npc", store, StreamConfig{Class: "enemy", MinInterval: 200 * time.Millisecond, Heartbeat: time.Second})
	atBob := collect(h.bob, proto.ChannelFull)

	server.Flush()
	h.network.Drain()
	require.Len(t, *atBob, 1)
	assert.True(t, (*atBob)[0].Full)
	assert.Equal(t, "enemy", (*atBob)[0].Class)

	h.clock.Advance(500 * time.Millisecond)
	server.Flush()
	h.network.Drain()
	assert.Len(t, *atBob, 1)

	h.clock.Advance(500 * time.Millisecond)
	server.Flush()
	h.network.Drain()
	assert.Len(t, *atBob, 2)

	h.owners.set("npc", "alice", 1)
	h.clock.Advance(2 * time.Second)
	server.Flush()
	h.network.Drain()
	assert.Len(t, *atBob, 2, "owned entities are kept fresh by their owner")
}

func TestSendFullTargetsOneParticipant(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "alice", 3)
	server := h.channel(t, h.server)
	store := state.NewStore(nil)
	store.Set("position", mathx.V3(2, 0, 0))
	server.Open("e1", store, StreamConfig{})
	atAlice := collect(h.alice, proto.ChannelFull)
	atBob := collect(h.bob, proto.ChannelFull)

	require.NoError(t, server.SendFull("e1", "bob", "join"))
	h.network.Drain()
	assert.Empty(t, *atAlice)
	require.Len(t, *atBob, 1)
	assert.Equal(t, proto.ParticipantID("alice"), (*atBob)[0].Owner)
	assert.Equal(t, uint64(3), (*atBob)[0].Epoch)
	assert.Len(t, h.memory.OfType(replog.EventResyncServed), 1)
	assert.ErrorIs(t, server.SendFull("zzz", "bob", "join"), ErrUnknownStream)
}

func TestCloseDropsPendingPublish(t *testing.T) {
	h := newHarness(t)
	h.owners.set("e1", "alice", 1)
	ch := h.channel(t, h.alice)
	store := state.NewStore(nil)
	ch.Open("e1", store, StreamConfig{MinInterval: time.Second})
	received := collect(h.server, proto.ChannelDelta)

	store.Set("a", 1)
	ch.Publish("e1")
	store.Set("a", 2)
	ch.Publish("e1")
	ch.Close("e1")
	h.clock.Advance(2 * time.Second)
	ch.Flush()
	h.network.Drain()
	assert.Len(t, *received, 1)
	assert.Zero(t, ch.Len())
}
