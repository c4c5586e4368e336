// Package store provides persistent storage for the broadcast orchestrator's
// externally-held state: broadcast events, room transitions, the channel
// registry, and harvested recordings. Every sync pass reads desired state
// from here and holds nothing in memory between passes, which is what makes
// repeated, overlapping, or resumed-after-crash invocations safe.
//
// The package uses a single-table DynamoDB design. Room-scoped records share
// a partition key (ROOM#{roomId}) with sort keys distinguishing record types:
// CHANNEL, TRANSITION#, and RECORDING#. Broadcast events live in a dedicated
// EVENTS partition sorted by start time so that time-window queries are a
// single Query call. A reverse-lookup record (CHANNEL#{channelId} -> ROOM)
// lets notification handlers resolve the room owning a remote channel.
package store

import (
	"context"
	"time"

	"github.com/clowdr-app/clowdr-broadcast/internal/model"
)

// Store defines the persistence operations the orchestrator consumes.
// Each method is safe for concurrent use. Implementations must handle
// context cancellation and propagate errors with sufficient detail for
// debugging.
//
// Get-style methods return (nil, nil) when the requested record does not
// exist. Put methods perform full-item replacement (upsert semantics).
type Store interface {
	// --- Events ---

	// PutEvent creates or replaces a broadcast event record.
	PutEvent(ctx context.Context, ev *model.Event) error

	// RoomsWithEventsBetween returns the distinct rooms with an event
	// starting in [from, to], in event-start order.
	RoomsWithEventsBetween(ctx context.Context, from, to time.Time) ([]string, error)

	// RoomsWithoutEventsBetween returns the rooms that have at least one
	// broadcast event overall but none starting in [from, to].
	RoomsWithoutEventsBetween(ctx context.Context, from, to time.Time) ([]string, error)

	// BroadcastRooms returns the distinct rooms with any broadcast event,
	// past or future. This is the room set a full schedule sync covers.
	BroadcastRooms(ctx context.Context) ([]string, error)

	// --- Transitions ---

	// PutTransition creates or replaces a transition record. Transitions are
	// written by upstream scheduling logic; the reconciler only reads them.
	PutTransition(ctx context.Context, t *model.Transition) error

	// DeleteTransition removes a transition record.
	DeleteTransition(ctx context.Context, roomID, transitionID string, at time.Time) error

	// TransitionsForRoom returns the room's transitions ordered by time.
	TransitionsForRoom(ctx context.Context, roomID string) ([]*model.Transition, error)

	// --- Channel registry ---

	// PutChannel persists a channel registry entry and its reverse-lookup
	// record, linking the room to its channel.
	PutChannel(ctx context.Context, ch *model.Channel) error

	// ChannelForRoom retrieves a room's channel registry entry.
	// Returns nil, nil if the room has no channel.
	ChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error)

	// RoomForChannelID resolves the room owning the given remote channel ID.
	// Returns "" with no error if no room is linked to it.
	RoomForChannelID(ctx context.Context, channelID string) (string, error)

	// DeleteChannel removes a channel registry entry and its reverse-lookup
	// record. Called when the remote channel is found broken.
	DeleteChannel(ctx context.Context, ch *model.Channel) error

	// --- Recordings ---

	// PutRecording persists a harvested recording reference.
	PutRecording(ctx context.Context, rec *model.Recording) error
}
