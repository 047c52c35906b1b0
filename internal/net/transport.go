// Package net carries replication frames between participants. Inbound
// traffic is queued and dispatched on the simulation tick so handlers never
// race the entities they mutate.
package net

import (
	"replicore/internal/net/proto"
)

// Envelope is one inbound message after the transport has stamped the
// sender's identity.
type Envelope struct {
	Channel proto.Channel
	Entity  proto.EntityID
	From    proto.ParticipantID
	Payload []byte
}

// Handler consumes envelopes for one channel.
type Handler func(Envelope)

// Subscription detaches a handler.
type Subscription interface {
	Unsubscribe()
}

// Transport is the bidirectional channel the replication core runs on. For a
// client the only peer is the server.
type Transport interface {
	// Local is this endpoint's identity.
	Local() proto.ParticipantID
	// Send delivers a payload to a single peer.
	Send(to proto.ParticipantID, channel proto.Channel, entity proto.EntityID, payload []byte) error
	// Broadcast delivers a payload to every peer except the listed ones.
	Broadcast(channel proto.Channel, entity proto.EntityID, payload []byte, except ...proto.ParticipantID) error
	// Subscribe registers a handler for a channel.
	Subscribe(channel proto.Channel, handler Handler) Subscription
	// Drain dispatches queued inbound envelopes on the caller's goroutine.
	Drain() int
	Close() error
}

// Peers is implemented by transports that can enumerate connected peers.
type Peers interface {
	Peers() []proto.ParticipantID
}

// SendMessage encodes msg and sends it to a single peer.
func SendMessage(t Transport, to proto.ParticipantID, entity proto.EntityID, msg proto.Message) error {
	payload, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return t.Send(to, msg.Channel(), entity, payload)
}

// BroadcastMessage encodes msg and broadcasts it.
func BroadcastMessage(t Transport, entity proto.EntityID, msg proto.Message, except ...proto.ParticipantID) error {
	payload, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return t.Broadcast(msg.Channel(), entity, payload, except...)
}
