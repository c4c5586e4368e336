// Package main provides a Lambda entry point for the broadcast orchestrator.
//
// The same HTTP surface as broadcast-sync is served behind an API Gateway
// HTTP API: /sync for the scheduled trigger, /notify/* for SNS delivery
// over HTTPS. All clients are constructed once at cold start.
package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/awsboot"
	"github.com/clowdr-app/clowdr-broadcast/internal/config"
	"github.com/clowdr-app/clowdr-broadcast/internal/lifecycle"
	"github.com/clowdr-app/clowdr-broadcast/internal/logging"
	"github.com/clowdr-app/clowdr-broadcast/internal/metrics"
	"github.com/clowdr-app/clowdr-broadcast/internal/reactor"
	"github.com/clowdr-app/clowdr-broadcast/internal/reconciler"
	"github.com/clowdr-app/clowdr-broadcast/internal/server"
)

var srv *server.Server

func init() {
	logging.Init()

	clients := awsboot.InitAWS()
	st := awsboot.InitStore(clients.Config, "BROADCAST_TABLE_NAME")
	ml, mp, cf := awsboot.InitMediaServices(clients.Config)

	securityGroupID := os.Getenv("BROADCAST_INPUT_SECURITY_GROUP_ID")
	if securityGroupID == "" {
		log.Fatal().Msg("BROADCAST_INPUT_SECURITY_GROUP_ID is required")
	}

	met := metrics.New()
	rec := reconciler.New(st, ml, met)
	life := lifecycle.New(st, ml, mp, cf, securityGroupID, met)
	react := reactor.New(st, ml, clients.S3)

	srv = server.New(rec, life, react, met, server.Config{
		SyncSecret:      awsboot.LoadSyncSecret(clients.SSM),
		StateTopicARN:   config.GetEnv("BROADCAST_STATE_TOPIC_ARN", ""),
		HarvestTopicARN: config.GetEnv("BROADCAST_HARVEST_TOPIC_ARN", ""),
		VerifySNS:       config.GetEnvBool("BROADCAST_VERIFY_SNS", true),
	})
	log.Info().Msg("Broadcast orchestrator initialized")
}

func main() {
	adapter := httpadapter.NewV2(srv.Router())
	lambda.Start(adapter.ProxyWithContext)
}
