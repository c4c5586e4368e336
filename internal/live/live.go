// Package live defines the abstract live-channel service the orchestrator
// drives — channel state, inputs, and the input-switch schedule — plus the
// AWS MediaLive implementation. The rest of the system depends only on the
// ChannelService interface so tests can substitute fakes and the reconciler
// stays independent of the AWS wire protocol.
package live

import (
	"context"
	"time"

	"github.com/clowdr-app/clowdr-broadcast/internal/model"
)

// InputKind selects the flavor of channel input to create.
type InputKind string

const (
	// InputFile is a pull-style file input with a dynamic URL, used for
	// pre-recorded playback. The object key is supplied per schedule action.
	InputFile InputKind = "file"

	// InputPush is a persistent push-style (RTMP) input carrying the room's
	// live feed.
	InputPush InputKind = "push"
)

// ActionType distinguishes the two kinds of schedule actions the
// orchestrator creates.
type ActionType string

const (
	// ActionSwitch switches the channel's active input at the action time.
	ActionSwitch ActionType = "switch"

	// ActionPrepare primes an input ahead of a switch so the switch itself
	// is seamless.
	ActionPrepare ActionType = "prepare"
)

// RemoteAction is the wire-neutral shape of a scheduled action on the remote
// channel. URLPath carries the object key for file inputs and is empty for
// live switches. Immediate marks actions that fire as soon as they are
// created rather than at a fixed time; such actions carry a zero At.
type RemoteAction struct {
	Name           string
	Type           ActionType
	AttachmentName string
	URLPath        string
	At             time.Time
	Immediate      bool
}

// CreatedInput is the result of provisioning a channel input.
type CreatedInput struct {
	ID string

	// DestinationURI is the ingest endpoint for push inputs; empty for
	// file inputs.
	DestinationURI string
}

// CreatedChannel is the result of provisioning a live channel. The
// attachment names are what schedule actions reference to select an input.
type CreatedChannel struct {
	ID                 string
	FileAttachmentName string
	LiveAttachmentName string
}

// ChannelService is the live-channel capability set the orchestrator
// consumes. Implementations must translate not-found conditions on
// DescribeChannelState into model.StateMissing rather than an error, since
// a vanished channel is an expected recovery case.
type ChannelService interface {
	// DescribeChannelState reports the channel's current lifecycle state,
	// or model.StateMissing if the remote resource no longer exists.
	DescribeChannelState(ctx context.Context, channelID string) (model.ChannelState, error)

	// CreateInput provisions a channel input of the given kind for a room.
	CreateInput(ctx context.Context, kind InputKind, roomID, securityGroupID string) (*CreatedInput, error)

	// CreateChannel provisions the live channel wired to both inputs,
	// delivering to the given packaging channel.
	CreateChannel(ctx context.Context, roomID, fileInputID, liveInputID, packagingChannelID string) (*CreatedChannel, error)

	// StartChannel asynchronously starts the channel.
	StartChannel(ctx context.Context, channelID string) error

	// StopChannel asynchronously stops the channel.
	StopChannel(ctx context.Context, channelID string) error

	// DescribeSchedule lists the channel's scheduled actions.
	DescribeSchedule(ctx context.Context, channelID string) ([]RemoteAction, error)

	// BatchUpdateSchedule deletes the named actions and creates the given
	// ones in a single call. Either slice may be empty.
	BatchUpdateSchedule(ctx context.Context, channelID string, deleteNames []string, creates []RemoteAction) error
}

// FileAttachmentName returns the input attachment name for a room's file
// input. The "-file" suffix is what schedule normalization classifies on.
func FileAttachmentName(roomID string) string {
	return roomID + "-file"
}

// LiveAttachmentName returns the input attachment name for a room's live
// input. The "-live" suffix is what schedule normalization classifies on.
func LiveAttachmentName(roomID string) string {
	return roomID + "-live"
}
