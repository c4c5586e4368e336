// Package awsboot provides shared startup logic for the orchestrator's
// entry points.
//
// Both the long-running server and the Lambda binary need the same set of
// AWS clients, the DynamoDB store, and the sync secret. This package
// extracts the common init patterns so each main is a short composition of
// helpers.
package awsboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/medialive"
	"github.com/aws/aws-sdk-go-v2/service/mediapackage"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/cdn"
	"github.com/clowdr-app/clowdr-broadcast/internal/live"
	"github.com/clowdr-app/clowdr-broadcast/internal/packaging"
	"github.com/clowdr-app/clowdr-broadcast/internal/store"
)

// AWSClients holds the core AWS SDK clients used across entry points.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
	S3     *s3.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
		S3:     s3.NewFromConfig(cfg),
	}
}

// InitStore creates a DynamoDB store from the given config and table name
// environment variable. Fatals if the env var is empty.
func InitStore(cfg aws.Config, tableEnvVar string) *store.DynamoStore {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Fatal().Str("envVar", tableEnvVar).Msg("DynamoDB table environment variable is required")
	}
	ddbClient := dynamodb.NewFromConfig(cfg)
	return store.NewDynamoStore(ddbClient, tableName)
}

// InitMediaServices builds the MediaLive, MediaPackage, and CloudFront
// service adapters. Fatals if the MediaLive role ARN or content source URL
// env vars are empty.
func InitMediaServices(cfg aws.Config) (*live.MediaLiveService, *packaging.MediaPackageService, *cdn.CloudFrontService) {
	roleArn := os.Getenv("BROADCAST_MEDIALIVE_ROLE_ARN")
	if roleArn == "" {
		log.Fatal().Msg("BROADCAST_MEDIALIVE_ROLE_ARN is required")
	}
	sourceURL := os.Getenv("BROADCAST_CONTENT_SOURCE_URL")
	if sourceURL == "" {
		log.Fatal().Msg("BROADCAST_CONTENT_SOURCE_URL is required")
	}
	ml := live.NewMediaLiveService(medialive.NewFromConfig(cfg), roleArn, sourceURL)
	mp := packaging.NewMediaPackageService(mediapackage.NewFromConfig(cfg))
	cf := cdn.NewCloudFrontService(cloudfront.NewFromConfig(cfg))
	return ml, mp, cf
}

// LoadSyncSecret returns the shared secret that authorizes /sync. The
// BROADCAST_SYNC_SECRET env var wins; otherwise the secret is fetched from
// SSM Parameter Store. Fatals if neither yields a value.
func LoadSyncSecret(ssmClient *ssm.Client) string {
	if secret := os.Getenv("BROADCAST_SYNC_SECRET"); secret != "" {
		return secret
	}
	paramName := os.Getenv("BROADCAST_SYNC_SECRET_PARAM")
	if paramName == "" {
		paramName = "/clowdr-broadcast/prod/sync-secret"
	}
	ssmStart := time.Now()
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read sync secret from SSM")
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Sync secret loaded from SSM")
	return *result.Parameter.Value
}
