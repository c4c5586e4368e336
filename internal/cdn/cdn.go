// Package cdn defines the content-distribution service fronting a room's
// origin endpoint, plus the AWS CloudFront implementation.
package cdn

import (
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// elementalMediaPackageCachePolicyID is the AWS-managed cache policy for
// MediaPackage origins.
const elementalMediaPackageCachePolicyID = "08627262-05a9-4f76-9ded-b50ca2e3a84f"

// Distribution is the provisioned content distribution for a room.
type Distribution struct {
	ID     string
	Domain string
}

// DistributionService is the distribution capability the lifecycle manager
// consumes.
type DistributionService interface {
	// CreateDistribution provisions a distribution fronting the given
	// origin endpoint URI.
	CreateDistribution(ctx context.Context, roomID, originURI string) (*Distribution, error)
}

// CloudFrontService implements DistributionService against AWS CloudFront.
type CloudFrontService struct {
	client *cloudfront.Client
}

var _ DistributionService = (*CloudFrontService)(nil)

// NewCloudFrontService creates a CloudFront-backed distribution service.
func NewCloudFrontService(client *cloudfront.Client) *CloudFrontService {
	return &CloudFrontService{client: client}
}

func (s *CloudFrontService) CreateDistribution(ctx context.Context, roomID, originURI string) (*Distribution, error) {
	origin, err := url.Parse(originURI)
	if err != nil {
		return nil, fmt.Errorf("parse origin URI %q: %w", originURI, err)
	}
	// The endpoint URI points at a manifest; the origin path is its parent.
	originPath := path.Dir(origin.Path)
	if originPath == "/" || originPath == "." {
		originPath = ""
	}

	originID := roomID + "-origin"
	out, err := s.client.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{
		DistributionConfig: &types.DistributionConfig{
			CallerReference: aws.String(uuid.NewString()),
			Comment:         aws.String("Broadcast distribution for room " + roomID),
			Enabled:         aws.Bool(true),
			Origins: &types.Origins{
				Quantity: aws.Int32(1),
				Items: []types.Origin{{
					Id:         aws.String(originID),
					DomainName: aws.String(origin.Hostname()),
					OriginPath: aws.String(originPath),
					CustomOriginConfig: &types.CustomOriginConfig{
						HTTPPort:             aws.Int32(80),
						HTTPSPort:            aws.Int32(443),
						OriginProtocolPolicy: types.OriginProtocolPolicyHttpsOnly,
					},
				}},
			},
			DefaultCacheBehavior: &types.DefaultCacheBehavior{
				TargetOriginId:       aws.String(originID),
				ViewerProtocolPolicy: types.ViewerProtocolPolicyRedirectToHttps,
				CachePolicyId:        aws.String(elementalMediaPackageCachePolicyID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("CreateDistribution for room %s: %w", roomID, err)
	}
	if out.Distribution == nil || out.Distribution.Id == nil || out.Distribution.DomainName == nil {
		return nil, fmt.Errorf("CreateDistribution for room %s: incomplete response", roomID)
	}

	log.Info().
		Str("roomId", roomID).
		Str("distributionId", *out.Distribution.Id).
		Str("domain", *out.Distribution.DomainName).
		Msg("Distribution created")
	return &Distribution{ID: *out.Distribution.Id, Domain: *out.Distribution.DomainName}, nil
}
