// Package packaging defines the packaging-channel service the lifecycle
// manager provisions delivery through, plus the AWS MediaPackage
// implementation.
package packaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/mediapackage"
	"github.com/aws/aws-sdk-go-v2/service/mediapackage/types"
	"github.com/rs/zerolog/log"
)

// OriginEndpoint is the playable endpoint off a packaging channel; URI is
// what the content distribution fronts.
type OriginEndpoint struct {
	ID  string
	URI string
}

// Service is the packaging capability set the lifecycle manager consumes.
type Service interface {
	// CreateChannel provisions a packaging channel for a room and returns
	// its ID.
	CreateChannel(ctx context.Context, roomID string) (string, error)

	// CreateOriginEndpoint provisions an HLS origin endpoint off the given
	// packaging channel.
	CreateOriginEndpoint(ctx context.Context, roomID, packagingChannelID string) (*OriginEndpoint, error)
}

// MediaPackageService implements Service against AWS Elemental MediaPackage.
type MediaPackageService struct {
	client *mediapackage.Client
}

var _ Service = (*MediaPackageService)(nil)

// NewMediaPackageService creates a MediaPackage-backed packaging service.
func NewMediaPackageService(client *mediapackage.Client) *MediaPackageService {
	return &MediaPackageService{client: client}
}

func (s *MediaPackageService) CreateChannel(ctx context.Context, roomID string) (string, error) {
	out, err := s.client.CreateChannel(ctx, &mediapackage.CreateChannelInput{
		Id:          aws.String(roomID),
		Description: aws.String("Broadcast packaging channel for room " + roomID),
	})
	if err != nil {
		return "", fmt.Errorf("CreateChannel (packaging) for room %s: %w", roomID, err)
	}
	if out.Id == nil {
		return "", fmt.Errorf("CreateChannel (packaging) for room %s: no id in response", roomID)
	}

	log.Info().Str("roomId", roomID).Str("packagingChannelId", *out.Id).Msg("Packaging channel created")
	return *out.Id, nil
}

func (s *MediaPackageService) CreateOriginEndpoint(ctx context.Context, roomID, packagingChannelID string) (*OriginEndpoint, error) {
	out, err := s.client.CreateOriginEndpoint(ctx, &mediapackage.CreateOriginEndpointInput{
		ChannelId: aws.String(packagingChannelID),
		Id:        aws.String(roomID + "-hls"),
		HlsPackage: &types.HlsPackage{
			SegmentDurationSeconds: aws.Int32(2),
			PlaylistWindowSeconds:  aws.Int32(60),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("CreateOriginEndpoint for room %s: %w", roomID, err)
	}
	if out.Id == nil || out.Url == nil {
		return nil, fmt.Errorf("CreateOriginEndpoint for room %s: incomplete response", roomID)
	}

	log.Info().
		Str("roomId", roomID).
		Str("originEndpointId", *out.Id).
		Str("uri", *out.Url).
		Msg("Origin endpoint created")
	return &OriginEndpoint{ID: *out.Id, URI: *out.Url}, nil
}
