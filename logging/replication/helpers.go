// Package replication publishes the structured events emitted by the entity
// replication core.
package replication

import (
	"context"

	"replicore/logging"
)

const (
	// EventOwnershipGranted is emitted when the server grants an entity to a participant.
	EventOwnershipGranted logging.EventType = "ownership.granted"
	// EventOwnershipDenied is emitted when a request targets an already-owned entity.
	EventOwnershipDenied logging.EventType = "ownership.denied"
	// EventOwnershipReleased is emitted when the owner gives an entity back.
	EventOwnershipReleased logging.EventType = "ownership.released"
	// EventOwnershipForced is emitted when the server revokes ownership (disconnect or override).
	EventOwnershipForced logging.EventType = "ownership.forced_release"
	// EventOwnershipConflict is emitted when two owners resolve for one entity.
	EventOwnershipConflict logging.EventType = "ownership.conflict"
	// EventFieldDropped is emitted when an incoming field fails validation.
	EventFieldDropped logging.EventType = "replication.field_dropped"
	// EventStaleMessage is emitted when an out-of-order or duplicate state message is discarded.
	EventStaleMessage logging.EventType = "replication.stale_message"
	// EventUnauthorizedDelta is emitted when a non-owner tries to publish authoritative state.
	EventUnauthorizedDelta logging.EventType = "replication.unauthorized_delta"
	// EventResyncServed is emitted when the server answers a late join or resync request.
	EventResyncServed logging.EventType = "replication.resync_served"
	// EventResyncDivergence is emitted when a resync snapshot differs from an observer's local state.
	EventResyncDivergence logging.EventType = "replication.resync_divergence"
	// EventPhaseChanged is emitted when a behavior machine changes phase.
	EventPhaseChanged logging.EventType = "behavior.phase_changed"
)

// OwnershipPayload describes an ownership transition or decision.
type OwnershipPayload struct {
	Old    string `json:"old,omitempty"`
	New    string `json:"new,omitempty"`
	Epoch  uint64 `json:"epoch"`
	Reason string `json:"reason,omitempty"`
}

// ConflictPayload captures the two owners that resolved for the same epoch.
type ConflictPayload struct {
	Epoch    uint64 `json:"epoch"`
	Kept     string `json:"kept"`
	Rejected string `json:"rejected"`
}

// FieldPayload names a state field and why it was discarded.
type FieldPayload struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// StreamPayload describes a message position within an entity stream.
type StreamPayload struct {
	Epoch        uint64 `json:"epoch"`
	Seq          uint64 `json:"seq"`
	LastEpoch    uint64 `json:"lastEpoch"`
	LastSeq      uint64 `json:"lastSeq"`
	Sender       string `json:"sender,omitempty"`
	CurrentOwner string `json:"currentOwner,omitempty"`
}

// ResyncPayload summarises a full-state reply.
type ResyncPayload struct {
	Fields int    `json:"fields"`
	Reason string `json:"reason"`
}

// DivergencePayload summarises how far an observer drifted from authority.
type DivergencePayload struct {
	Operations int    `json:"operations"`
	Patch      string `json:"patch,omitempty"`
}

// PhasePayload describes a behavior transition.
type PhasePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Target string `json:"target,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, event)
}

// OwnershipGranted publishes an info event for a granted request.
func OwnershipGranted(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload OwnershipPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventOwnershipGranted,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(payload.New)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// OwnershipDenied publishes a debug event; denial is normal protocol flow.
func OwnershipDenied(ctx context.Context, pub logging.Publisher, tick uint64, entity, requester string, payload OwnershipPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventOwnershipDenied,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(requester)},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// OwnershipReleased publishes an info event for a voluntary release.
func OwnershipReleased(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload OwnershipPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventOwnershipReleased,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(payload.Old)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// OwnershipForced publishes a warning when the server revokes ownership.
func OwnershipForced(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload OwnershipPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventOwnershipForced,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(payload.Old)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// OwnershipConflict publishes an error event for an invariant violation.
func OwnershipConflict(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload ConflictPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventOwnershipConflict,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Severity: logging.SeverityError,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// FieldDropped publishes a warning for a discarded incoming field.
func FieldDropped(ctx context.Context, pub logging.Publisher, tick uint64, entity, sender string, payload FieldPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventFieldDropped,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(sender)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// StaleMessage publishes a debug event; reordering within tolerance is expected.
func StaleMessage(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload StreamPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventStaleMessage,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// UnauthorizedDelta publishes a warning for state sent by a non-owner.
func UnauthorizedDelta(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload StreamPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventUnauthorizedDelta,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(payload.Sender)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// ResyncServed publishes a debug event for a full-state reply.
func ResyncServed(ctx context.Context, pub logging.Publisher, tick uint64, entity, participant string, payload ResyncPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventResyncServed,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Targets:  []logging.EntityRef{logging.ParticipantOf(participant)},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// ResyncDivergence publishes a warning when a resync corrected local drift.
func ResyncDivergence(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload DivergencePayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventResyncDivergence,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// PhaseChanged publishes an info event for a behavior transition.
func PhaseChanged(ctx context.Context, pub logging.Publisher, tick uint64, entity string, payload PhasePayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventPhaseChanged,
		Tick:     tick,
		Actor:    logging.EntityOf(entity),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryBehavior,
		Payload:  payload,
	})
}
