package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/medialive"
	"github.com/aws/aws-sdk-go-v2/service/medialive/types"
	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/model"
)

// scheduleTimeFormat is the fixed-mode action time format MediaLive expects
// (UTC, millisecond precision).
const scheduleTimeFormat = "2006-01-02T15:04:05.000Z"

// MediaLiveService implements ChannelService against AWS Elemental MediaLive.
type MediaLiveService struct {
	client *medialive.Client

	// roleArn is the IAM role MediaLive assumes to read file inputs and
	// write to MediaPackage.
	roleArn string

	// fileSourceURL is the dynamic-input source template, e.g.
	// "s3ssl://my-content-bucket/$urlPath$". The $urlPath$ placeholder is
	// substituted per schedule action with the transition's file key.
	fileSourceURL string
}

var _ ChannelService = (*MediaLiveService)(nil)

// NewMediaLiveService creates a MediaLive-backed channel service.
func NewMediaLiveService(client *medialive.Client, roleArn, fileSourceURL string) *MediaLiveService {
	return &MediaLiveService{
		client:        client,
		roleArn:       roleArn,
		fileSourceURL: fileSourceURL,
	}
}

func (s *MediaLiveService) DescribeChannelState(ctx context.Context, channelID string) (model.ChannelState, error) {
	out, err := s.client.DescribeChannel(ctx, &medialive.DescribeChannelInput{
		ChannelId: aws.String(channelID),
	})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return model.StateMissing, nil
		}
		return "", fmt.Errorf("DescribeChannel %s: %w", channelID, err)
	}
	return model.ChannelState(out.State), nil
}

func (s *MediaLiveService) CreateInput(ctx context.Context, kind InputKind, roomID, securityGroupID string) (*CreatedInput, error) {
	input := &medialive.CreateInputInput{
		InputSecurityGroups: []string{securityGroupID},
	}

	switch kind {
	case InputFile:
		input.Name = aws.String(roomID + "-file-input")
		input.Type = types.InputTypeMp4File
		// A single $urlPath$ source makes this a dynamic input: the object
		// key is resolved per schedule action rather than at input creation.
		input.Sources = []types.InputSourceRequest{{Url: aws.String(s.fileSourceURL)}}
	case InputPush:
		input.Name = aws.String(roomID + "-live-input")
		input.Type = types.InputTypeRtmpPush
		input.Destinations = []types.InputDestinationRequest{{StreamName: aws.String(roomID + "-live")}}
	default:
		return nil, fmt.Errorf("unsupported input kind %q", kind)
	}

	out, err := s.client.CreateInput(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("CreateInput %s for room %s: %w", kind, roomID, err)
	}
	if out.Input == nil || out.Input.Id == nil {
		return nil, fmt.Errorf("CreateInput %s for room %s: no input in response", kind, roomID)
	}

	created := &CreatedInput{ID: *out.Input.Id}
	if len(out.Input.Destinations) > 0 && out.Input.Destinations[0].Url != nil {
		created.DestinationURI = *out.Input.Destinations[0].Url
	}

	log.Info().
		Str("roomId", roomID).
		Str("inputId", created.ID).
		Str("kind", string(kind)).
		Msg("MediaLive input created")
	return created, nil
}

func (s *MediaLiveService) CreateChannel(ctx context.Context, roomID, fileInputID, liveInputID, packagingChannelID string) (*CreatedChannel, error) {
	fileAttachment := FileAttachmentName(roomID)
	liveAttachment := LiveAttachmentName(roomID)

	out, err := s.client.CreateChannel(ctx, &medialive.CreateChannelInput{
		Name:         aws.String(roomID),
		ChannelClass: types.ChannelClassSinglePipeline,
		RoleArn:      aws.String(s.roleArn),
		InputAttachments: []types.InputAttachment{
			{
				InputAttachmentName: aws.String(fileAttachment),
				InputId:             aws.String(fileInputID),
				InputSettings: &types.InputSettings{
					SourceEndBehavior: types.InputSourceEndBehaviorContinue,
				},
			},
			{
				InputAttachmentName: aws.String(liveAttachment),
				InputId:             aws.String(liveInputID),
			},
		},
		Destinations: []types.OutputDestination{{
			Id: aws.String("mediapackage"),
			MediaPackageSettings: []types.MediaPackageOutputDestinationSettings{{
				ChannelId: aws.String(packagingChannelID),
			}},
		}},
		InputSpecification: &types.InputSpecification{
			Codec:          types.InputCodecAvc,
			Resolution:     types.InputResolutionHd,
			MaximumBitrate: types.InputMaximumBitrateMax10Mbps,
		},
		EncoderSettings: defaultEncoderSettings(),
	})
	if err != nil {
		return nil, fmt.Errorf("CreateChannel for room %s: %w", roomID, err)
	}
	if out.Channel == nil || out.Channel.Id == nil {
		return nil, fmt.Errorf("CreateChannel for room %s: no channel in response", roomID)
	}

	log.Info().
		Str("roomId", roomID).
		Str("channelId", *out.Channel.Id).
		Msg("MediaLive channel created")
	return &CreatedChannel{
		ID:                 *out.Channel.Id,
		FileAttachmentName: fileAttachment,
		LiveAttachmentName: liveAttachment,
	}, nil
}

// defaultEncoderSettings returns a single 720p H.264 rendition delivered to
// MediaPackage. Encoding specifics are not this system's concern; this is
// the one fixed ladder every room channel uses.
func defaultEncoderSettings() *types.EncoderSettings {
	return &types.EncoderSettings{
		TimecodeConfig: &types.TimecodeConfig{Source: types.TimecodeConfigSourceSystemclock},
		AudioDescriptions: []types.AudioDescription{{
			Name:              aws.String("audio"),
			AudioSelectorName: aws.String("default"),
			CodecSettings: &types.AudioCodecSettings{
				AacSettings: &types.AacSettings{Bitrate: aws.Float64(192000)},
			},
		}},
		VideoDescriptions: []types.VideoDescription{{
			Name:   aws.String("video"),
			Width:  aws.Int32(1280),
			Height: aws.Int32(720),
			CodecSettings: &types.VideoCodecSettings{
				H264Settings: &types.H264Settings{
					Bitrate:              aws.Int32(3_000_000),
					FramerateControl:     types.H264FramerateControlSpecified,
					FramerateNumerator:   aws.Int32(30),
					FramerateDenominator: aws.Int32(1),
				},
			},
		}},
		OutputGroups: []types.OutputGroup{{
			Name: aws.String("mediapackage"),
			OutputGroupSettings: &types.OutputGroupSettings{
				MediaPackageGroupSettings: &types.MediaPackageGroupSettings{
					Destination: &types.OutputLocationRef{DestinationRefId: aws.String("mediapackage")},
				},
			},
			Outputs: []types.Output{{
				OutputName:            aws.String("output"),
				OutputSettings:        &types.OutputSettings{MediaPackageOutputSettings: &types.MediaPackageOutputSettings{}},
				VideoDescriptionName:  aws.String("video"),
				AudioDescriptionNames: []string{"audio"},
			}},
		}},
	}
}

func (s *MediaLiveService) StartChannel(ctx context.Context, channelID string) error {
	if _, err := s.client.StartChannel(ctx, &medialive.StartChannelInput{ChannelId: aws.String(channelID)}); err != nil {
		return fmt.Errorf("StartChannel %s: %w", channelID, err)
	}
	log.Info().Str("channelId", channelID).Msg("MediaLive channel start issued")
	return nil
}

func (s *MediaLiveService) StopChannel(ctx context.Context, channelID string) error {
	if _, err := s.client.StopChannel(ctx, &medialive.StopChannelInput{ChannelId: aws.String(channelID)}); err != nil {
		return fmt.Errorf("StopChannel %s: %w", channelID, err)
	}
	log.Info().Str("channelId", channelID).Msg("MediaLive channel stop issued")
	return nil
}

func (s *MediaLiveService) DescribeSchedule(ctx context.Context, channelID string) ([]RemoteAction, error) {
	var actions []RemoteAction

	input := &medialive.DescribeScheduleInput{ChannelId: aws.String(channelID)}
	for {
		out, err := s.client.DescribeSchedule(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("DescribeSchedule %s: %w", channelID, err)
		}

		for _, sa := range out.ScheduleActions {
			action, ok := fromScheduleAction(sa)
			if !ok {
				// Actions that are not input switches or prepares (or that
				// lack a name) belong to somebody else's tooling.
				log.Debug().Str("channelId", channelID).Msg("Ignoring non input-switch schedule action")
				continue
			}
			actions = append(actions, action)
		}

		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	return actions, nil
}

// fromScheduleAction converts a MediaLive schedule action to the
// wire-neutral shape. Returns false for action types the orchestrator does
// not manage.
func fromScheduleAction(sa types.ScheduleAction) (RemoteAction, bool) {
	if sa.ActionName == nil || sa.ScheduleActionSettings == nil {
		return RemoteAction{}, false
	}

	action := RemoteAction{Name: *sa.ActionName}

	settings := sa.ScheduleActionSettings
	switch {
	case settings.InputSwitchSettings != nil:
		action.Type = ActionSwitch
		action.AttachmentName = aws.ToString(settings.InputSwitchSettings.InputAttachmentNameReference)
		if len(settings.InputSwitchSettings.UrlPath) > 0 {
			action.URLPath = settings.InputSwitchSettings.UrlPath[0]
		}
	case settings.InputPrepareSettings != nil:
		action.Type = ActionPrepare
		action.AttachmentName = aws.ToString(settings.InputPrepareSettings.InputAttachmentNameReference)
		if len(settings.InputPrepareSettings.UrlPath) > 0 {
			action.URLPath = settings.InputPrepareSettings.UrlPath[0]
		}
	default:
		return RemoteAction{}, false
	}

	start := sa.ScheduleActionStartSettings
	switch {
	case start != nil && start.FixedModeScheduleActionStartSettings != nil:
		raw := aws.ToString(start.FixedModeScheduleActionStartSettings.Time)
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return RemoteAction{}, false
		}
		action.At = at.UTC()
	case start != nil && start.ImmediateModeScheduleActionStartSettings != nil:
		action.Immediate = true
	default:
		return RemoteAction{}, false
	}

	return action, true
}

func (s *MediaLiveService) BatchUpdateSchedule(ctx context.Context, channelID string, deleteNames []string, creates []RemoteAction) error {
	if len(deleteNames) == 0 && len(creates) == 0 {
		return nil
	}

	input := &medialive.BatchUpdateScheduleInput{ChannelId: aws.String(channelID)}
	if len(deleteNames) > 0 {
		input.Deletes = &types.BatchScheduleActionDeleteRequest{ActionNames: deleteNames}
	}
	if len(creates) > 0 {
		scheduleActions := make([]types.ScheduleAction, 0, len(creates))
		for _, action := range creates {
			scheduleActions = append(scheduleActions, toScheduleAction(action))
		}
		input.Creates = &types.BatchScheduleActionCreateRequest{ScheduleActions: scheduleActions}
	}

	if _, err := s.client.BatchUpdateSchedule(ctx, input); err != nil {
		return fmt.Errorf("BatchUpdateSchedule %s (%d deletes, %d creates): %w",
			channelID, len(deleteNames), len(creates), err)
	}

	log.Info().
		Str("channelId", channelID).
		Int("deletes", len(deleteNames)).
		Int("creates", len(creates)).
		Msg("Schedule batch update applied")
	return nil
}

// toScheduleAction converts a wire-neutral action to the MediaLive request
// shape.
func toScheduleAction(action RemoteAction) types.ScheduleAction {
	sa := types.ScheduleAction{
		ActionName:             aws.String(action.Name),
		ScheduleActionSettings: &types.ScheduleActionSettings{},
	}

	var urlPath []string
	if action.URLPath != "" {
		urlPath = []string{action.URLPath}
	}

	switch action.Type {
	case ActionPrepare:
		sa.ScheduleActionSettings.InputPrepareSettings = &types.InputPrepareScheduleActionSettings{
			InputAttachmentNameReference: aws.String(action.AttachmentName),
			UrlPath:                      urlPath,
		}
	default:
		sa.ScheduleActionSettings.InputSwitchSettings = &types.InputSwitchScheduleActionSettings{
			InputAttachmentNameReference: aws.String(action.AttachmentName),
			UrlPath:                      urlPath,
		}
	}

	if action.Immediate {
		sa.ScheduleActionStartSettings = &types.ScheduleActionStartSettings{
			ImmediateModeScheduleActionStartSettings: &types.ImmediateModeScheduleActionStartSettings{},
		}
	} else {
		sa.ScheduleActionStartSettings = &types.ScheduleActionStartSettings{
			FixedModeScheduleActionStartSettings: &types.FixedModeScheduleActionStartSettings{
				Time: aws.String(action.At.UTC().Format(scheduleTimeFormat)),
			},
		}
	}

	return sa
}
