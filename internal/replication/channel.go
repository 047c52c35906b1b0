// Package replication moves entity state between the authoritative side and
// observers. Outgoing diffs are rate limited per entity class and coalesced;
// incoming messages are ordered per entity stream by (epoch, seq).
package replication

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	rnet "replicore/internal/net"
	"replicore/internal/net/proto"
	"replicore/internal/state"
	"replicore/internal/telemetry"
	"replicore/logging"
	replog "replicore/logging/replication"
)

var (
	// ErrNotOwner is returned when publishing or relaying without authority.
	ErrNotOwner = eris.New("replication: sender does not own entity")
	// ErrUnknownStream is returned for entities that were never opened.
	ErrUnknownStream = eris.New("replication: unknown entity stream")
	// ErrStale is returned for messages older than the stream position.
	ErrStale = eris.New("replication: stale message")
)

const (
	metricPublished    = "replication.published"
	metricCoalesced    = "replication.coalesced"
	metricBytes        = "replication.bytes"
	metricDroppedStale = "replication.dropped_stale"
	metricHeartbeats   = "replication.heartbeats"
)

// OwnerFunc reports an entity's owner and ownership epoch as this side
// currently believes them.
type OwnerFunc func(entity proto.EntityID) (proto.ParticipantID, uint64)

// Config wires a Channel.
type Config struct {
	Transport rnet.Transport
	Owner     OwnerFunc
	Now       func() time.Time
	Tick      func() uint64
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
}

// StreamConfig is captured when a stream opens.
type StreamConfig struct {
	Class string
	// MinInterval bounds how often diffs leave this side.
	MinInterval time.Duration
	// Heartbeat is how often the server rebroadcasts a full snapshot of an
	// unowned entity. Zero disables it.
	Heartbeat time.Duration
}

type stream struct {
	entity proto.EntityID
	store  *state.Store
	cfg    StreamConfig

	epoch         uint64
	seq           uint64
	lastSent      time.Time
	lastHeartbeat time.Time
	pending       bool

	inSeen  bool
	inEpoch uint64
	inSeq   uint64
}

// Channel owns one stream per replicated entity on this side.
type Channel struct {
	cfg     Config
	local   proto.ParticipantID
	streams map[proto.EntityID]*stream
}

// New constructs a channel on top of a transport.
func New(cfg Config) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, eris.New("replication: transport is required")
	}
	if cfg.Owner == nil {
		return nil, eris.New("replication: owner lookup is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tick == nil {
		cfg.Tick = func() uint64 { return 0 }
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
	return &Channel{
		cfg:     cfg,
		local:   cfg.Transport.Local(),
		streams: make(map[proto.EntityID]*stream),
	}, nil
}

// IsServer reports whether this channel runs on the authoritative server.
func (c *Channel) IsServer() bool {
	return c.local == proto.ServerID
}

// Open starts a stream for an entity's store.
func (c *Channel) Open(entity proto.EntityID, store *state.Store, cfg StreamConfig) {
	c.streams[entity] = &stream{entity: entity, store: store, cfg: cfg}
}

// Close drops an entity's stream, including any pending publish.
func (c *Channel) Close(entity proto.EntityID) {
	delete(c.streams, entity)
}

// Len reports the number of open streams.
func (c *Channel) Len() int {
	return len(c.streams)
}

// Position returns the stream's outbound epoch and sequence.
func (c *Channel) Position(entity proto.EntityID) (epoch, seq uint64) {
	s, ok := c.streams[entity]
	if !ok {
		return 0, 0
	}
	return s.epoch, s.seq
}

// CanPublish reports whether this side holds authority over the entity: the
// owning participant, or the server while nobody owns it.
func (c *Channel) CanPublish(entity proto.EntityID) bool {
	owner, _ := c.cfg.Owner(entity)
	if owner == proto.NoOwner {
		return c.IsServer()
	}
	return owner == c.local
}

// Publish sends the entity's diff now if its interval has elapsed and
// otherwise coalesces it into one send when the interval ends.
func (c *Channel) Publish(entity proto.EntityID) error {
	s, ok := c.streams[entity]
	if !ok {
		return eris.Wrapf(ErrUnknownStream, "publish %s", entity)
	}
	if !c.CanPublish(entity) {
		return eris.Wrapf(ErrNotOwner, "publish %s", entity)
	}
	now := c.cfg.Now()
	if !s.lastSent.IsZero() && now.Sub(s.lastSent) < s.cfg.MinInterval {
		c.cfg.Metrics.Add(metricCoalesced, 1)
		s.pending = true
		return nil
	}
	c.flushStream(s, now)
	return nil
}

// Pending reports whether a coalesced publish waits for its interval.
func (c *Channel) Pending(entity proto.EntityID) bool {
	s, ok := c.streams[entity]
	return ok && s.pending
}

// Flush sends coalesced publishes whose interval has elapsed and, on the
// server, heartbeats for unowned entities. Runs on the fixed tick.
func (c *Channel) Flush() {
	now := c.cfg.Now()
	for _, s := range c.ordered() {
		if s.pending && now.Sub(s.lastSent) >= s.cfg.MinInterval {
			if c.CanPublish(s.entity) {
				c.flushStream(s, now)
			} else {
				s.pending = false
			}
		}
		if c.IsServer() && s.cfg.Heartbeat > 0 {
			owner, _ := c.cfg.Owner(s.entity)
			if owner == proto.NoOwner && now.Sub(s.lastHeartbeat) >= s.cfg.Heartbeat {
				c.heartbeat(s, now)
			}
		}
	}
}

func (c *Channel) flushStream(s *stream, now time.Time) {
	s.pending = false
	diff := s.store.ComputeDiff()
	if len(diff) == 0 {
		return
	}
	c.advance(s)
	s.seq++
	s.lastSent = now
	msg := c.message(s, now, diff, false)
	c.send(s.entity, msg, "")
}

func (c *Channel) heartbeat(s *stream, now time.Time) {
	c.advance(s)
	s.store.ComputeDiff()
	s.lastHeartbeat = now
	s.lastSent = now
	s.pending = false
	msg := c.message(s, now, s.store.Snapshot(), true)
	c.cfg.Metrics.Add(metricHeartbeats, 1)
	c.send(s.entity, msg, "")
}

// SendFull sends a full snapshot to one participant, for late joins and
// resync requests. The snapshot carries the stream's current position so the
// receiver's ordering guard lines up with subsequent deltas.
func (c *Channel) SendFull(entity proto.EntityID, to proto.ParticipantID, reason string) error {
	s, ok := c.streams[entity]
	if !ok {
		return eris.Wrapf(ErrUnknownStream, "full snapshot of %s", entity)
	}
	c.advance(s)
	snapshot := s.store.Snapshot()
	msg := c.message(s, c.cfg.Now(), snapshot, true)
	c.send(entity, msg, to)
	replog.ResyncServed(context.Background(), c.cfg.Publisher, c.cfg.Tick(), string(entity), string(to), replog.ResyncPayload{
		Fields: len(snapshot),
		Reason: reason,
	})
	return nil
}

// advance starts a new sequence whenever ownership moved to a new epoch.
func (c *Channel) advance(s *stream) {
	_, epoch := c.cfg.Owner(s.entity)
	if epoch != s.epoch {
		s.epoch = epoch
		s.seq = 0
	}
}

func (c *Channel) message(s *stream, now time.Time, fields state.Fields, full bool) proto.StateMessage {
	owner, _ := c.cfg.Owner(s.entity)
	return proto.StateMessage{
		Entity: s.entity,
		Class:  s.cfg.Class,
		Sender: c.local,
		Owner:  owner,
		Epoch:  s.epoch,
		Seq:    s.seq,
		SentAt: now.UnixMilli(),
		Full:   full,
		Fields: fields,
	}
}

// send broadcasts from the server, or hands the message to the server from a
// client. A non-empty to addresses one participant.
func (c *Channel) send(entity proto.EntityID, msg proto.StateMessage, to proto.ParticipantID) {
	payload, err := proto.Encode(msg)
	if err != nil {
		c.cfg.Logger.Printf("replication: encode %s: %v", entity, err)
		return
	}
	switch {
	case to != "":
		err = c.cfg.Transport.Send(to, msg.Channel(), entity, payload)
	case c.IsServer():
		err = c.cfg.Transport.Broadcast(msg.Channel(), entity, payload)
	default:
		err = c.cfg.Transport.Send(proto.ServerID, msg.Channel(), entity, payload)
	}
	if err != nil {
		c.cfg.Logger.Printf("replication: send %s for %s: %v", msg.Channel(), entity, err)
		return
	}
	c.cfg.Metrics.Add(metricPublished, 1)
	c.cfg.Metrics.Add(metricBytes, uint64(len(payload)))
}

// Receive admits an inbound state message. On the server only the entity's
// current owner may send deltas, stamped with the current epoch. On every
// side, a message not newer than the stream position is stale; a full
// snapshot is accepted at an equal or newer epoch.
func (c *Channel) Receive(from proto.ParticipantID, msg proto.StateMessage) error {
	s, ok := c.streams[msg.Entity]
	if !ok {
		return eris.Wrapf(ErrUnknownStream, "receive %s", msg.Entity)
	}
	ctx := context.Background()
	tick := c.cfg.Tick()

	if c.IsServer() {
		owner, epoch := c.cfg.Owner(msg.Entity)
		if owner == proto.NoOwner || from != owner || msg.Epoch != epoch || msg.Full {
			replog.UnauthorizedDelta(ctx, c.cfg.Publisher, tick, string(msg.Entity), replog.StreamPayload{
				Epoch:        msg.Epoch,
				Seq:          msg.Seq,
				LastEpoch:    epoch,
				LastSeq:      s.seq,
				Sender:       string(from),
				CurrentOwner: string(owner),
			})
			return eris.Wrapf(ErrNotOwner, "%s from %s", msg.Entity, from)
		}
	}

	stale := s.inSeen && (msg.Epoch < s.inEpoch || (msg.Epoch == s.inEpoch && !msg.Full && msg.Seq <= s.inSeq))
	if stale {
		c.cfg.Metrics.Add(metricDroppedStale, 1)
		replog.StaleMessage(ctx, c.cfg.Publisher, tick, string(msg.Entity), replog.StreamPayload{
			Epoch:     msg.Epoch,
			Seq:       msg.Seq,
			LastEpoch: s.inEpoch,
			LastSeq:   s.inSeq,
			Sender:    string(from),
		})
		return eris.Wrapf(ErrStale, "%s epoch %d seq %d", msg.Entity, msg.Epoch, msg.Seq)
	}

	if !s.inSeen || msg.Epoch > s.inEpoch || msg.Seq > s.inSeq {
		s.inSeq = msg.Seq
	}
	s.inSeen = true
	s.inEpoch = msg.Epoch
	return nil
}

// Forward rebroadcasts an owner's accepted delta to every other participant
// with the owner's epoch and sequence. Only the server forwards.
func (c *Channel) Forward(from proto.ParticipantID, msg proto.StateMessage, accepted state.Fields) {
	if !c.IsServer() || len(accepted) == 0 {
		return
	}
	s, ok := c.streams[msg.Entity]
	if !ok {
		return
	}
	s.epoch = msg.Epoch
	s.seq = msg.Seq
	out := msg
	out.Sender = from
	out.Owner = from
	out.Fields = accepted
	payload, err := proto.Encode(out)
	if err != nil {
		c.cfg.Logger.Printf("replication: encode relay %s: %v", msg.Entity, err)
		return
	}
	if err := c.cfg.Transport.Broadcast(out.Channel(), msg.Entity, payload, from); err != nil {
		c.cfg.Logger.Printf("replication: relay %s: %v", msg.Entity, err)
		return
	}
	c.cfg.Metrics.Add(metricPublished, 1)
	c.cfg.Metrics.Add(metricBytes, uint64(len(payload)))
}

// Rebase moves the ordering guard to the start of a new ownership epoch so
// late messages from a previous owner are discarded.
func (c *Channel) Rebase(entity proto.EntityID, epoch uint64) {
	s, ok := c.streams[entity]
	if !ok || (s.inSeen && epoch <= s.inEpoch) {
		return
	}
	s.inSeen = true
	s.inEpoch = epoch
	s.inSeq = 0
}

// ResetInbound clears the ordering guard, e.g. after this side re-requested
// a full resync.
func (c *Channel) ResetInbound(entity proto.EntityID) {
	if s, ok := c.streams[entity]; ok {
		s.inSeen = false
		s.inEpoch = 0
		s.inSeq = 0
	}
}

func (c *Channel) ordered() []*stream {
	out := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entity < out[j].entity })
	return out
}
