package ownership

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicore/internal/net/proto"
	"replicore/internal/telemetry"
	"replicore/logging/sinks"
	replog "replicore/logging/replication"
)

func newTestManager(t *testing.T) (*Manager, *sinks.MemorySink, *telemetry.Counters) {
	t.Helper()
	memory := sinks.NewMemorySink()
	counters := telemetry.NewCounters()
	now := time.Unix(100, 0)
	mgr := NewManager(Config{
		Publisher: memory,
		Metrics:   counters,
		Now: func() time.Time {
			now = now.Add(time.Millisecond)
			return now
		},
	})
	return mgr, memory, counters
}

func TestRequestGrantsThenDeniesNamingOwner(t *testing.T) {
	mgr, memory, counters := newTestManager(t)
	mgr.Track("e1", true)

	first := mgr.Request("e1", "A")
	require.True(t, first.Granted)
	require.NotNil(t, first.Change)
	assert.Equal(t, proto.NoOwner, first.Change.Old)
	assert.Equal(t, proto.ParticipantID("A"), first.Change.New)
	assert.Equal(t, uint64(1), first.Epoch)

	second := mgr.Request("e1", "B")
	assert.False(t, second.Granted)
	assert.Equal(t, proto.ParticipantID("A"), second.Owner)
	assert.Nil(t, second.Change)
	assert.Equal(t, proto.OwnershipDenied{Entity: "e1", Owner: "A", Epoch: 1}, second.Denial("e1"))

	assert.Len(t, memory.OfType(replog.EventOwnershipGranted), 1)
	assert.Len(t, memory.OfType(replog.EventOwnershipDenied), 1)
	assert.Equal(t, uint64(1), counters.Get("ownership.granted"))
	assert.Equal(t, uint64(1), counters.Get("ownership.denied"))
}

func TestRepeatedRequestByOwnerIsIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.Track("e1", true)
	mgr.Request("e1", "A")

	again := mgr.Request("e1", "A")
	assert.True(t, again.Granted)
	assert.Nil(t, again.Change)
	assert.Equal(t, uint64(1), again.Epoch)
}

func TestReleaseHonoredOnlyForOwnerOrServer(t *testing.T) {
	mgr, memory, _ := newTestManager(t)
	mgr.Track("e1", true)
	mgr.Request("e1", "A")

	_, ok := mgr.Release("e1", "B")
	assert.False(t, ok, "non-owner release must be ignored")
	owner, _ := mgr.Owner("e1")
	assert.Equal(t, proto.ParticipantID("A"), owner)

	change, ok := mgr.Release("e1", "A")
	require.True(t, ok)
	assert.Equal(t, ReasonRelease, change.Reason)
	assert.Equal(t, proto.NoOwner, change.New)
	assert.Equal(t, uint64(2), change.Epoch)
	assert.Len(t, memory.OfType(replog.EventOwnershipReleased), 1)

	_, ok = mgr.Release("e1", "A")
	assert.False(t, ok, "releasing an unowned entity is ignored")

	mgr.Request("e1", "B")
	change, ok = mgr.Release("e1", proto.ServerID)
	require.True(t, ok)
	assert.Equal(t, ReasonOverride, change.Reason)
	assert.Len(t, memory.OfType(replog.EventOwnershipForced), 1)
}

func TestDisconnectForcesReleaseThenNextRequestGranted(t *testing.T) {
	mgr, memory, _ := newTestManager(t)
	mgr.Track("e1", true)
	mgr.Track("e2", true)
	mgr.Track("e3", true)
	mgr.Request("e2", "A")
	mgr.Request("e1", "A")
	mgr.Request("e3", "B")
	assert.Equal(t, []proto.EntityID{"e1", "e2"}, mgr.Owned("A"))

	changes := mgr.ReleaseAll("A")
	require.Len(t, changes, 2)
	assert.Equal(t, proto.EntityID("e1"), changes[0].Entity)
	assert.Equal(t, proto.EntityID("e2"), changes[1].Entity)
	for _, c := range changes {
		assert.Equal(t, ReasonDisconnect, c.Reason)
		assert.Equal(t, proto.NoOwner, c.New)
	}
	assert.Len(t, memory.OfType(replog.EventOwnershipForced), 2)

	decision := mgr.Request("e1", "C")
	assert.True(t, decision.Granted)
	owner, epoch := mgr.Owner("e1")
	assert.Equal(t, proto.ParticipantID("C"), owner)
	assert.Equal(t, uint64(3), epoch)
	assert.Empty(t, mgr.Owned("A"))
}

func TestDepartedOwnerTreatedAsNoOwner(t *testing.T) {
	present := map[proto.ParticipantID]bool{"A": true, "B": true}
	mgr := NewManager(Config{Connected: func(id proto.ParticipantID) bool { return present[id] }})
	mgr.Track("e1", true)
	mgr.Request("e1", "A")

	delete(present, "A")
	decision := mgr.Request("e1", "B")
	require.True(t, decision.Granted)
	require.NotNil(t, decision.Released)
	assert.Equal(t, proto.ParticipantID("A"), decision.Released.Old)
	assert.Equal(t, ReasonDisconnect, decision.Released.Reason)
	assert.Equal(t, uint64(2), decision.Released.Epoch)
	assert.Equal(t, uint64(3), decision.Epoch)
}

func TestNonClaimableAndUnknownDeniedNamingServer(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.Track("boss", false)

	decision := mgr.Request("boss", "A")
	assert.False(t, decision.Granted)
	assert.Equal(t, proto.ServerID, decision.Owner)

	decision = mgr.Request("ghost", "A")
	assert.False(t, decision.Granted)
	assert.Equal(t, proto.ServerID, decision.Owner)
}

func TestDenialReasons(t *testing.T) {
	mgr, memory, _ := newTestManager(t)
	mgr.Track("boss", false)
	mgr.Track("crate", true)

	mgr.Request("boss", "A")
	mgr.Request("ghost", "A")
	mgr.Request("crate", proto.ServerID)
	mgr.Request("crate", "A")
	mgr.Request("crate", "B")

	denied := memory.OfType(replog.EventOwnershipDenied)
	require.Len(t, denied, 4)
	reasons := make([]string, 0, len(denied))
	for _, event := range denied {
		payload, ok := event.Payload.(replog.OwnershipPayload)
		require.True(t, ok)
		reasons = append(reasons, payload.Reason)
	}
	assert.Equal(t, []string{"not_claimable", "unknown_entity", "invalid_requester", "owned"}, reasons)
}

func TestOverride(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.Track("e1", true)
	mgr.Request("e1", "A")

	change, ok := mgr.Override("e1", "B")
	require.True(t, ok)
	assert.Equal(t, proto.ParticipantID("A"), change.Old)
	assert.Equal(t, proto.ParticipantID("B"), change.New)
	assert.Equal(t, ReasonOverride, change.Reason)

	_, ok = mgr.Override("e1", "B")
	assert.False(t, ok)

	change, ok = mgr.Override("e1", proto.ServerID)
	require.True(t, ok)
	assert.Equal(t, proto.NoOwner, change.New)
}

func TestForgetRevokesOwnership(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.Track("e1", true)
	mgr.Request("e1", "A")
	change, ok := mgr.Forget("e1")
	require.True(t, ok)
	assert.Equal(t, ReasonRemoved, change.Reason)
	_, tracked := mgr.Lookup("e1")
	assert.False(t, tracked)
}

func TestExclusivityUnderRandomRequestSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	participants := []proto.ParticipantID{"A", "B", "C", "D"}

	for round := 0; round < 50; round++ {
		mgr := NewManager(Config{})
		mgr.Track("e1", true)
		for step := 0; step < 40; step++ {
			p := participants[rng.Intn(len(participants))]
			before, _ := mgr.Owner("e1")
			if rng.Intn(4) == 0 {
				mgr.Release("e1", p)
				continue
			}
			d := mgr.Request("e1", p)
			switch {
			case before == proto.NoOwner || before == p:
				assert.True(t, d.Granted, fmt.Sprintf("round %d step %d", round, step))
			default:
				assert.False(t, d.Granted)
				assert.Equal(t, before, d.Owner, "denial must name the current owner")
			}
			after, _ := mgr.Owner("e1")
			assert.NotEqual(t, proto.NoOwner, after)
		}
	}
}

func TestChangeMessage(t *testing.T) {
	at := time.Unix(5, 0)
	msg := Change{Entity: "e", Old: "A", New: "B", Epoch: 4, Reason: ReasonOverride, GrantedAt: at}.Message()
	assert.Equal(t, proto.OwnershipChanged{Entity: "e", Old: "A", New: "B", Epoch: 4, Reason: "override", GrantedAt: at.UnixNano()}, msg)
	assert.Zero(t, Change{Entity: "e"}.Message().GrantedAt)
}
