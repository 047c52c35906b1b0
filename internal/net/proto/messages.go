// Package proto defines the replication wire protocol: identifiers, channel
// names and the tagged message variants carried on each channel.
package proto

import (
	stdjson "encoding/json"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Version tracks the wire-protocol revision.
const Version = 1

// EntityID is stable across replication.
type EntityID string

// ParticipantID is a network identity. The empty value means "no owner", in
// which case the server is the default authority.
type ParticipantID string

// NoOwner marks an entity driven by the server.
const NoOwner ParticipantID = ""

// ServerID is the identity the server uses as a message sender.
const ServerID ParticipantID = "server"

// Channel names a message kind; each channel carries exactly one payload type.
type Channel string

const (
	ChannelDelta            Channel = "state.delta"
	ChannelFull             Channel = "state.full"
	ChannelResync           Channel = "state.resync"
	ChannelOwnershipRequest Channel = "ownership.request"
	ChannelOwnershipRelease Channel = "ownership.release"
	ChannelOwnershipChanged Channel = "ownership.changed"
	ChannelOwnershipDenied  Channel = "ownership.denied"
	ChannelEntityRemoved    Channel = "entity.removed"

	// Welcome is the first frame a server sends to a new connection.
	ChannelWelcome Channel = "presence.welcome"

	// Join and leave are synthesized locally by transports and never travel
	// on the wire.
	ChannelJoin  Channel = "presence.join"
	ChannelLeave Channel = "presence.leave"
)

// Message is implemented by every payload type.
type Message interface {
	Channel() Channel
}

// StateMessage carries changed (or, when Full, all) fields of one entity.
type StateMessage struct {
	Entity EntityID                      `json:"entity"`
	Class  string                        `json:"class,omitempty"`
	Sender ParticipantID                 `json:"sender"`
	Owner  ParticipantID                 `json:"owner,omitempty"`
	Epoch  uint64                        `json:"epoch"`
	Seq    uint64                        `json:"seq"`
	SentAt int64                         `json:"sentAt"`
	Full   bool                          `json:"full,omitempty"`
	Fields map[string]stdjson.RawMessage `json:"fields"`
}

func (m StateMessage) Channel() Channel {
	if m.Full {
		return ChannelFull
	}
	return ChannelDelta
}

// OwnershipRequest asks the server for authority over an entity.
type OwnershipRequest struct {
	Entity EntityID `json:"entity"`
}

func (OwnershipRequest) Channel() Channel { return ChannelOwnershipRequest }

// OwnershipRelease gives authority back to the server.
type OwnershipRelease struct {
	Entity EntityID `json:"entity"`
}

func (OwnershipRelease) Channel() Channel { return ChannelOwnershipRelease }

// OwnershipChanged is broadcast for every granted or revoked ownership.
type OwnershipChanged struct {
	Entity    EntityID      `json:"entity"`
	Old       ParticipantID `json:"old,omitempty"`
	New       ParticipantID `json:"new,omitempty"`
	Epoch     uint64        `json:"epoch"`
	Reason    string        `json:"reason,omitempty"`
	GrantedAt int64         `json:"grantedAt,omitempty"`
}

func (OwnershipChanged) Channel() Channel { return ChannelOwnershipChanged }

// OwnershipDenied tells a requester who already owns the entity.
type OwnershipDenied struct {
	Entity EntityID      `json:"entity"`
	Owner  ParticipantID `json:"owner"`
	Epoch  uint64        `json:"epoch"`
}

func (OwnershipDenied) Channel() Channel { return ChannelOwnershipDenied }

// ResyncRequest asks for full snapshots. An empty Entity means every entity.
type ResyncRequest struct {
	Entity EntityID `json:"entity,omitempty"`
}

func (ResyncRequest) Channel() Channel { return ChannelResync }

// EntityRemoved tells observers to tear an entity down.
type EntityRemoved struct {
	Entity EntityID `json:"entity"`
}

func (EntityRemoved) Channel() Channel { return ChannelEntityRemoved }

// Welcome assigns a connection its participant identity.
type Welcome struct {
	Participant ParticipantID `json:"participant"`
	ServerTime  int64         `json:"serverTime"`
}

func (Welcome) Channel() Channel { return ChannelWelcome }

// Encode renders a message payload.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, eris.New("proto: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, eris.Wrapf(err, "proto: encode %s", msg.Channel())
	}
	return data, nil
}

// Decode parses a payload into its message type.
func Decode[T Message](payload []byte) (T, error) {
	var out T
	if len(payload) == 0 {
		return out, eris.Errorf("proto: empty payload for %s", out.Channel())
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, eris.Wrapf(err, "proto: decode %s", out.Channel())
	}
	return out, nil
}
