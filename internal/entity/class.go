package entity

import (
	"time"

	"replicore/internal/interp"
)

// Replicated transform keys. Every entity carries both.
const (
	FieldPosition    = "position"
	FieldOrientation = "orientation"
)

// DefaultClassName is used when a spawn or an inbound snapshot names no class.
const DefaultClassName = "default"

// Class is the immutable per-kind configuration captured when an entity is
// constructed.
type Class struct {
	Name string
	// PublishInterval is the minimum spacing between two outgoing diffs.
	PublishInterval time.Duration
	// Heartbeat is how often the server rebroadcasts an unowned entity in
	// full.
	Heartbeat time.Duration
	Position  interp.Config
	Rotation  interp.Config
	// Claimable entities may be requested by participants. Server-driven
	// kinds such as enemies are not.
	Claimable bool
}

// DefaultClass returns the baseline class: five diffs per second, a one
// second heartbeat and default smoothing.
func DefaultClass(name string) Class {
	if name == "" {
		name = DefaultClassName
	}
	return Class{
		Name:            name,
		PublishInterval: 200 * time.Millisecond,
		Heartbeat:       time.Second,
		Position:        interp.DefaultConfig(),
		Rotation:        interp.DefaultConfig(),
		Claimable:       true,
	}
}

// Role is how this side relates to an entity's authority.
type Role int

const (
	// Unowned entities are driven by the server.
	Unowned Role = iota
	// LocalAuthority means this participant owns the entity and simulates it.
	LocalAuthority
	// RemoteAuthority means another participant owns the entity.
	RemoteAuthority
)

func (r Role) String() string {
	switch r {
	case Unowned:
		return "unowned"
	case LocalAuthority:
		return "local"
	case RemoteAuthority:
		return "remote"
	default:
		return "unknown"
	}
}
