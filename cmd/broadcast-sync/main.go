package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clowdr-app/clowdr-broadcast/internal/awsboot"
	"github.com/clowdr-app/clowdr-broadcast/internal/config"
	"github.com/clowdr-app/clowdr-broadcast/internal/lifecycle"
	"github.com/clowdr-app/clowdr-broadcast/internal/logging"
	"github.com/clowdr-app/clowdr-broadcast/internal/metrics"
	"github.com/clowdr-app/clowdr-broadcast/internal/reactor"
	"github.com/clowdr-app/clowdr-broadcast/internal/reconciler"
	"github.com/clowdr-app/clowdr-broadcast/internal/server"
)

var portFlag int

var rootCmd = &cobra.Command{
	Use:   "broadcast-sync",
	Short: "Live-channel schedule orchestrator",
	Long: `broadcast-sync keeps MediaLive channel schedules in step with the
desired room transitions, creates channels ahead of upcoming events, stops
idle channels, and reacts to channel state-change and harvest notifications.

Examples:
  broadcast-sync
  broadcast-sync --port 9090`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	_ = config.Load()

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

	srv := server.New(rec, life, react, met, server.Config{
		SyncSecret:      awsboot.LoadSyncSecret(clients.SSM),
		StateTopicARN:   config.GetEnv("BROADCAST_STATE_TOPIC_ARN", ""),
		HarvestTopicARN: config.GetEnv("BROADCAST_HARVEST_TOPIC_ARN", ""),
		VerifySNS:       config.GetEnvBool("BROADCAST_VERIFY_SNS", true),
	})

	addr := ":" + strconv.Itoa(portFlag)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	log.Info().Int("port", portFlag).Msg("Starting broadcast orchestrator")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
