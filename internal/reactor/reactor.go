// Package reactor handles asynchronous channel notifications: switching a
// freshly started channel onto its filler/live input, and recording
// completed harvest jobs. It runs independently of, and before, the next
// scheduled reconciliation pass.
package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/live"
	"github.com/clowdr-app/clowdr-broadcast/internal/model"
	"github.com/clowdr-app/clowdr-broadcast/internal/retry"
)

// Store is the slice of persistence the reactor uses.
type Store interface {
	RoomForChannelID(ctx context.Context, channelID string) (string, error)
	ChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error)
	PutRecording(ctx context.Context, rec *model.Recording) error
}

// ObjectAPI is the part of the S3 client the harvest handler needs.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// Reactor reacts to channel state changes and harvest completions.
type Reactor struct {
	store   Store
	live    live.ChannelService
	objects ObjectAPI
}

// New creates a Reactor. objects may be nil if harvest handling is not wired.
func New(st Store, channels live.ChannelService, objects ObjectAPI) *Reactor {
	return &Reactor{
		store:   st,
		live:    channels,
		objects: objects,
	}
}

// --- Notification payloads ---

// eventEnvelope is the CloudWatch event shape carried inside an SNS message.
type eventEnvelope struct {
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

const (
	detailTypeChannelState = "MediaLive Channel State Change"
	detailTypeHarvestJob   = "MediaPackage HarvestJob Notification"
)

// ChannelStateChange is the detail of a channel state-change notification.
type ChannelStateChange struct {
	ChannelARN string `json:"channel_arn"`
	State      string `json:"state"`
}

// HarvestJob is the detail of a harvest-job notification.
type HarvestJob struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	OriginEndpointID string `json:"origin_endpoint_id"`
	S3Destination    struct {
		BucketName  string `json:"bucket_name"`
		ManifestKey string `json:"manifest_key"`
	} `json:"s3_destination"`
}

type harvestEnvelopeDetail struct {
	HarvestJob HarvestJob `json:"harvest_job"`
}

// ParseChannelStateChange extracts a state change from a raw notification
// message. Returns (nil, nil) for well-formed events of a different type.
func ParseChannelStateChange(raw []byte) (*ChannelStateChange, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse event envelope: %w", err)
	}
	if env.DetailType != detailTypeChannelState {
		return nil, nil
	}

	var change ChannelStateChange
	if err := json.Unmarshal(env.Detail, &change); err != nil {
		return nil, fmt.Errorf("parse channel state change detail: %w", err)
	}
	if change.ChannelARN == "" || change.State == "" {
		return nil, fmt.Errorf("channel state change missing channel_arn or state")
	}
	return &change, nil
}

// ParseHarvestJob extracts a harvest job from a raw notification message.
// Returns (nil, nil) for well-formed events of a different type.
func ParseHarvestJob(raw []byte) (*HarvestJob, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse event envelope: %w", err)
	}
	if env.DetailType != detailTypeHarvestJob {
		return nil, nil
	}

	var detail harvestEnvelopeDetail
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		return nil, fmt.Errorf("parse harvest job detail: %w", err)
	}
	if detail.HarvestJob.ID == "" {
		return nil, fmt.Errorf("harvest job notification missing id")
	}
	return &detail.HarvestJob, nil
}

// channelIDFromARN extracts the channel ID from an ARN like
// arn:aws:medialive:us-east-1:123456789012:channel:1234567. A bare channel
// ID passes through unchanged.
func channelIDFromARN(arn string) string {
	if idx := strings.LastIndex(arn, ":"); idx >= 0 {
		return arn[idx+1:]
	}
	return arn
}

// HandleChannelStateChange switches a channel that just reached RUNNING onto
// its live/filler input, so a restarted channel does not stay on whatever
// input was active before the stop. Other states are logged only.
func (r *Reactor) HandleChannelStateChange(ctx context.Context, change *ChannelStateChange) error {
	channelID := channelIDFromARN(change.ChannelARN)
	state := model.ChannelState(change.State)

	if state != model.StateRunning {
		log.Debug().
			Str("channelId", channelID).
			Str("state", change.State).
			Msg("Channel state change requires no action")
		return nil
	}

	roomID, err := r.store.RoomForChannelID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("resolve room for channel %s: %w", channelID, err)
	}
	if roomID == "" {
		log.Warn().Str("channelId", channelID).Msg("State change for a channel no room is linked to")
		return nil
	}

	ch, err := r.store.ChannelForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve channel for room %s: %w", roomID, err)
	}
	if ch == nil {
		log.Warn().Str("roomId", roomID).Str("channelId", channelID).Msg("Room's channel registry entry vanished")
		return nil
	}

	// Immediate-mode action names must be unique per channel lifetime; a
	// random suffix keeps restarts from colliding.
	action := live.RemoteAction{
		Name:           "filler-" + uuid.NewString(),
		Type:           live.ActionSwitch,
		AttachmentName: ch.LiveAttachmentName,
		Immediate:      true,
	}
	if err := r.live.BatchUpdateSchedule(ctx, ch.ChannelID, nil, []live.RemoteAction{action}); err != nil {
		return fmt.Errorf("switch channel %s to filler input: %w", ch.ChannelID, err)
	}

	log.Info().
		Str("roomId", roomID).
		Str("channelId", ch.ChannelID).
		Msg("Channel started, switched to filler input")
	return nil
}

// HandleHarvestJob records a completed harvest: it verifies the manifest
// object actually landed in storage, then persists the recording reference.
// The store write retries with backoff because losing it orphans the
// recording.
func (r *Reactor) HandleHarvestJob(ctx context.Context, job *HarvestJob) error {
	if job.Status != "SUCCEEDED" {
		log.Info().
			Str("harvestJobId", job.ID).
			Str("status", job.Status).
			Msg("Harvest job not complete, ignoring")
		return nil
	}

	roomID := strings.TrimSuffix(job.OriginEndpointID, "-hls")

	if r.objects != nil {
		_, err := r.objects.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(job.S3Destination.BucketName),
			Key:    aws.String(job.S3Destination.ManifestKey),
		})
		if err != nil {
			return fmt.Errorf("verify harvested object s3://%s/%s: %w",
				job.S3Destination.BucketName, job.S3Destination.ManifestKey, err)
		}

		// The recording row below is the source of truth; the object tags
		// just make the bucket browsable on its own, so a tagging failure
		// is not worth failing the whole delivery over.
		_, err = r.objects.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket: aws.String(job.S3Destination.BucketName),
			Key:    aws.String(job.S3Destination.ManifestKey),
			Tagging: &s3types.Tagging{TagSet: []s3types.Tag{
				{Key: aws.String("roomId"), Value: aws.String(roomID)},
				{Key: aws.String("harvestJobId"), Value: aws.String(job.ID)},
			}},
		})
		if err != nil {
			log.Warn().Err(err).Str("harvestJobId", job.ID).Msg("Failed to tag harvested object")
		}
	}

	rec := &model.Recording{
		ID:     job.ID,
		RoomID: roomID,
		Bucket: job.S3Destination.BucketName,
		Key:    job.S3Destination.ManifestKey,
	}
	if err := retry.Do(ctx, 5, 500*time.Millisecond, func(ctx context.Context) error {
		return r.store.PutRecording(ctx, rec)
	}); err != nil {
		return fmt.Errorf("persist recording for harvest job %s: %w", job.ID, err)
	}

	log.Info().
		Str("roomId", roomID).
		Str("harvestJobId", job.ID).
		Str("key", rec.Key).
		Msg("Harvested recording persisted")
	return nil
}
