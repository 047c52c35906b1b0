package proto

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// Catalog lists one sample value per wire channel.
func Catalog() map[Channel]Message {
	return map[Channel]Message{
		ChannelDelta:            StateMessage{},
		ChannelFull:             StateMessage{Full: true},
		ChannelResync:           ResyncRequest{},
		ChannelOwnershipRequest: OwnershipRequest{},
		ChannelOwnershipRelease: OwnershipRelease{},
		ChannelOwnershipChanged: OwnershipChanged{},
		ChannelOwnershipDenied:  OwnershipDenied{},
		ChannelEntityRemoved:    EntityRemoved{},
		ChannelWelcome:          Welcome{},
	}
}

// Schema reflects the JSON schema for the payload carried on channel.
func Schema(channel Channel) (*jsonschema.Schema, error) {
	msg, ok := Catalog()[channel]
	if !ok {
		return nil, fmt.Errorf("proto: no schema for channel %q", channel)
	}
	reflector := jsonschema.Reflector{}
	schema := reflector.Reflect(msg)
	schema.Title = string(channel)
	schema.Description = fmt.Sprintf("Payload carried on the %s channel (protocol v%d)", channel, Version)
	return schema, nil
}
