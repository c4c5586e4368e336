// Package lifecycle guarantees that rooms with imminent or ongoing events
// have a healthy, running channel, and that rooms without any are not left
// running. It never assumes the previous pass succeeded: every pass
// re-derives what to do from the store and the remote channel state, so the
// operations are safe to call repeatedly on a fixed interval.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/cdn"
	"github.com/clowdr-app/clowdr-broadcast/internal/live"
	"github.com/clowdr-app/clowdr-broadcast/internal/metrics"
	"github.com/clowdr-app/clowdr-broadcast/internal/model"
	"github.com/clowdr-app/clowdr-broadcast/internal/packaging"
	"github.com/clowdr-app/clowdr-broadcast/internal/store"
)

const (
	// UpcomingWindow is how far ahead of an event's start its room's
	// channel is provisioned and started.
	UpcomingWindow = 30 * time.Minute

	// IdleWindow is the symmetric window around now within which a room
	// must have an event start for its channel to be kept running. The
	// 2-hour reach into the past tolerates long events without a precise
	// end-time feed.
	IdleWindow = 2 * time.Hour
)

// Store is the slice of persistence the lifecycle manager uses.
type Store interface {
	RoomsWithEventsBetween(ctx context.Context, from, to time.Time) ([]string, error)
	RoomsWithoutEventsBetween(ctx context.Context, from, to time.Time) ([]string, error)
	ChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error)
	PutChannel(ctx context.Context, ch *model.Channel) error
	DeleteChannel(ctx context.Context, ch *model.Channel) error
}

// Compile-time check that the DynamoDB store satisfies this slice.
var _ Store = (*store.DynamoStore)(nil)

// Manager provisions, starts, and stops room channels.
type Manager struct {
	store     Store
	live      live.ChannelService
	packaging packaging.Service
	cdn       cdn.DistributionService
	met       *metrics.Metrics

	// securityGroupID is the input security group new inputs attach to.
	securityGroupID string

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a Manager. met may be nil.
func New(st Store, channels live.ChannelService, pkg packaging.Service, dist cdn.DistributionService, securityGroupID string, met *metrics.Metrics) *Manager {
	return &Manager{
		store:           st,
		live:            channels,
		packaging:       pkg,
		cdn:             dist,
		met:             met,
		securityGroupID: securityGroupID,
		now:             time.Now,
	}
}

// EnsureUpcomingChannels makes sure every room with an event starting within
// UpcomingWindow has a healthy channel heading towards RUNNING. A failure on
// one room does not abort the others; the operation fails only when no room
// could be handled.
func (m *Manager) EnsureUpcomingChannels(ctx context.Context) error {
	now := m.now()
	rooms, err := m.store.RoomsWithEventsBetween(ctx, now, now.Add(UpcomingWindow))
	if err != nil {
		return fmt.Errorf("list rooms with upcoming events: %w", err)
	}

	failed := 0
	for _, roomID := range rooms {
		if err := m.ensureRoomChannel(ctx, roomID); err != nil {
			failed++
			log.Error().Err(err).Str("roomId", roomID).Msg("Failed to ensure channel for room")
		}
	}

	if failed > 0 && failed == len(rooms) {
		return fmt.Errorf("ensuring channels failed for all %d rooms", failed)
	}
	return nil
}

// ensureRoomChannel drives one room's channel towards RUNNING: deregister a
// broken channel (and recreate), start an idle one, leave transitional
// states for the next pass.
func (m *Manager) ensureRoomChannel(ctx context.Context, roomID string) error {
	ch, err := m.store.ChannelForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}

	if ch != nil {
		state, err := m.live.DescribeChannelState(ctx, ch.ChannelID)
		if err != nil {
			return fmt.Errorf("describe channel %s state: %w", ch.ChannelID, err)
		}

		switch {
		case state.Broken():
			log.Warn().
				Str("roomId", roomID).
				Str("channelId", ch.ChannelID).
				Str("state", string(state)).
				Msg("Channel is unusable, deregistering for recreation")
			if err := m.store.DeleteChannel(ctx, ch); err != nil {
				return fmt.Errorf("deregister broken channel %s: %w", ch.ChannelID, err)
			}
			ch = nil

		case state == model.StateIdle, state == model.StateStopping:
			if err := m.live.StartChannel(ctx, ch.ChannelID); err != nil {
				return fmt.Errorf("start channel %s: %w", ch.ChannelID, err)
			}
			m.met.IncChannelsStarted()
			return nil

		case state == model.StateRunning:
			return nil

		case state.Transitional():
			log.Debug().
				Str("roomId", roomID).
				Str("channelId", ch.ChannelID).
				Str("state", string(state)).
				Msg("Channel is mid-transition, revisiting next pass")
			return nil

		case state == model.StateRecovering:
			log.Info().
				Str("roomId", roomID).
				Str("channelId", ch.ChannelID).
				Msg("Channel is recovering")
			return nil
		}
	}

	if _, err := m.CreateChannelForRoom(ctx, roomID); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// CreateChannelForRoom provisions the full channel infrastructure for a
// room: both inputs, a packaging channel and origin endpoint, the live
// channel, and a distribution fronting the endpoint. The registry entry is
// only persisted once every step has succeeded; a failure anywhere abandons
// the creation for retry on a later pass. Remote resources created before
// the failing step are leaked — a known residual risk, not remediated here.
func (m *Manager) CreateChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error) {
	fileInput, err := m.live.CreateInput(ctx, live.InputFile, roomID, m.securityGroupID)
	if err != nil {
		return nil, fmt.Errorf("create file input for room %s: %w", roomID, err)
	}

	liveInput, err := m.live.CreateInput(ctx, live.InputPush, roomID, m.securityGroupID)
	if err != nil {
		return nil, fmt.Errorf("create live input for room %s: %w", roomID, err)
	}

	packagingChannelID, err := m.packaging.CreateChannel(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("create packaging channel for room %s: %w", roomID, err)
	}

	endpoint, err := m.packaging.CreateOriginEndpoint(ctx, roomID, packagingChannelID)
	if err != nil {
		return nil, fmt.Errorf("create origin endpoint for room %s: %w", roomID, err)
	}

	created, err := m.live.CreateChannel(ctx, roomID, fileInput.ID, liveInput.ID, packagingChannelID)
	if err != nil {
		return nil, fmt.Errorf("create live channel for room %s: %w", roomID, err)
	}

	dist, err := m.cdn.CreateDistribution(ctx, roomID, endpoint.URI)
	if err != nil {
		return nil, fmt.Errorf("create distribution for room %s: %w", roomID, err)
	}

	ch := &model.Channel{
		RoomID:             roomID,
		ChannelID:          created.ID,
		DistributionID:     dist.ID,
		FileInputID:        fileInput.ID,
		LiveInputID:        liveInput.ID,
		FileAttachmentName: created.FileAttachmentName,
		LiveAttachmentName: created.LiveAttachmentName,
		PackagingChannelID: packagingChannelID,
		OriginEndpointURI:  endpoint.URI,
		DistributionDomain: dist.Domain,
	}
	if err := m.store.PutChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("persist channel for room %s: %w", roomID, err)
	}

	m.met.IncChannelsCreated()
	log.Info().
		Str("roomId", roomID).
		Str("channelId", ch.ChannelID).
		Str("distributionDomain", ch.DistributionDomain).
		Msg("Channel infrastructure provisioned")
	return ch, nil
}

// StopIdleChannels stops the running channels of rooms with no event
// starting within IdleWindow of now in either direction. Infrastructure is
// stopped, never torn down: the intended teardown lifecycle for permanently
// idle rooms is undecided upstream.
func (m *Manager) StopIdleChannels(ctx context.Context) error {
	now := m.now()
	rooms, err := m.store.RoomsWithoutEventsBetween(ctx, now.Add(-IdleWindow), now.Add(IdleWindow))
	if err != nil {
		return fmt.Errorf("list rooms without current events: %w", err)
	}

	failed := 0
	for _, roomID := range rooms {
		if err := m.stopRoomChannel(ctx, roomID); err != nil {
			failed++
			log.Error().Err(err).Str("roomId", roomID).Msg("Failed to stop idle channel")
		}
	}

	if failed > 0 && failed == len(rooms) {
		return fmt.Errorf("stopping idle channels failed for all %d rooms", failed)
	}
	return nil
}

func (m *Manager) stopRoomChannel(ctx context.Context, roomID string) error {
	ch, err := m.store.ChannelForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	if ch == nil {
		return nil
	}

	state, err := m.live.DescribeChannelState(ctx, ch.ChannelID)
	if err != nil {
		return fmt.Errorf("describe channel %s state: %w", ch.ChannelID, err)
	}
	if state != model.StateRunning {
		return nil
	}

	if err := m.live.StopChannel(ctx, ch.ChannelID); err != nil {
		return fmt.Errorf("stop channel %s: %w", ch.ChannelID, err)
	}
	m.met.IncChannelsStopped()
	log.Info().Str("roomId", roomID).Str("channelId", ch.ChannelID).Msg("Idle channel stopped")
	return nil
}
