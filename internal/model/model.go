// Package model defines the domain types shared across the broadcast
// orchestrator: room transitions (desired input switches), broadcast events,
// channel registry entries, and the remote channel state machine.
package model

import "time"

// ChannelState is the lifecycle state of a remote live channel as reported
// by the channel service. StateMissing is synthesized locally when the remote
// resource cannot be found; for recovery purposes it is equivalent to DELETED.
type ChannelState string

const (
	StateCreating     ChannelState = "CREATING"
	StateCreateFailed ChannelState = "CREATE_FAILED"
	StateIdle         ChannelState = "IDLE"
	StateStarting     ChannelState = "STARTING"
	StateRunning      ChannelState = "RUNNING"
	StateRecovering   ChannelState = "RECOVERING"
	StateStopping     ChannelState = "STOPPING"
	StateDeleting     ChannelState = "DELETING"
	StateDeleted      ChannelState = "DELETED"
	StateUpdating     ChannelState = "UPDATING"
	StateUpdateFailed ChannelState = "UPDATE_FAILED"
	StateMissing      ChannelState = "MISSING"
)

// Broken reports whether the channel is unusable and must be deregistered
// and recreated before the room can broadcast again.
func (s ChannelState) Broken() bool {
	switch s {
	case StateCreateFailed, StateDeleted, StateDeleting, StateUpdateFailed, StateMissing:
		return true
	}
	return false
}

// Transitional reports whether the channel is mid-operation and should be
// left alone until a later pass.
func (s ChannelState) Transitional() bool {
	switch s {
	case StateCreating, StateStarting, StateUpdating:
		return true
	}
	return false
}

// TransitionInput is the tagged union of broadcast input targets.
// Exactly two shapes exist: a pre-recorded file or the room's live feed.
type TransitionInput interface {
	isTransitionInput()
}

// FileInput targets a pre-recorded asset. Locator is the object-storage key
// of the file, resolvable by the channel's dynamic file input.
type FileInput struct {
	Locator string
}

// LiveInput targets the room's persistent live feed.
type LiveInput struct{}

func (FileInput) isTransitionInput() {}
func (LiveInput) isTransitionInput() {}

// Transition is a desired point-in-time switch of a room's broadcast input.
// Transitions are owned by upstream scheduling logic; the reconciler treats
// them as read-only desired state.
type Transition struct {
	ID     string
	RoomID string
	Time   time.Time
	Input  TransitionInput
}

// Event is a scheduled broadcast event in a room. The lifecycle manager uses
// event start times to decide which rooms need a running channel.
type Event struct {
	ID     string
	RoomID string
	Start  time.Time
	End    time.Time
}

// Channel is the registry entry for one room's provisioned live-ingest,
// packaging, and distribution infrastructure. A room has at most one channel
// at a time; entries are never mutated after creation, only deleted when the
// remote channel is found broken.
type Channel struct {
	RoomID             string `dynamodbav:"-"`
	ChannelID          string `dynamodbav:"channelId"`
	DistributionID     string `dynamodbav:"distributionId"`
	FileInputID        string `dynamodbav:"fileInputId"`
	LiveInputID        string `dynamodbav:"liveInputId"`
	FileAttachmentName string `dynamodbav:"fileAttachmentName"`
	LiveAttachmentName string `dynamodbav:"liveAttachmentName"`
	PackagingChannelID string `dynamodbav:"packagingChannelId"`
	OriginEndpointURI  string `dynamodbav:"originEndpointUri"`
	DistributionDomain string `dynamodbav:"distributionDomain"`
	CreatedAt          int64  `dynamodbav:"createdAt"`
}

// Recording is a harvested broadcast recording stored in object storage.
type Recording struct {
	ID          string `dynamodbav:"-"`
	RoomID      string `dynamodbav:"-"`
	Bucket      string `dynamodbav:"bucket"`
	Key         string `dynamodbav:"key"`
	CompletedAt int64  `dynamodbav:"completedAt"`
}
