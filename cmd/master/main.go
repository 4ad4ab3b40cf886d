package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/worldland/gpu-fleet/internal/api"
	"github.com/worldland/gpu-fleet/internal/client"
	"github.com/worldland/gpu-fleet/internal/config"
	"github.com/worldland/gpu-fleet/internal/discovery"
	"github.com/worldland/gpu-fleet/internal/ingest"
	"github.com/worldland/gpu-fleet/internal/jobs"
	"github.com/worldland/gpu-fleet/internal/logging"
	"github.com/worldland/gpu-fleet/internal/sshmgr"
	"github.com/worldland/gpu-fleet/internal/store"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	listen := flag.String("listen", "", "listen address (overrides MASTER_LISTEN_ADDR)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile, flag.CommandLine.Changed("env-file")); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	v := config.NewViper()
	if *listen != "" {
		v.Set(config.MasterListenAddr, *listen)
	}
	cfg, err := config.LoadMaster(v)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	log.Info("GPU fleet master starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Infof("Database ready (%s)", cfg.Database.Driver)

	ingestor := ingest.NewIngestor(st, ingest.WithMetricsLog(cfg.MetricsLog))
	dispatcher := client.NewAgentDispatcher(cfg.AgentPort, cfg.DispatchTimeout)
	coordinator := jobs.NewCoordinator(st, dispatcher)

	sessions := sshmgr.NewManager(
		sshmgr.WithCredentialStore(sshmgr.NewKinitStore(cfg.KinitPath, cfg.KerberosCache)),
		sshmgr.WithGSSClientFactory(sshmgr.NewKrb5GSSClientFactory(cfg.KerberosConfig)),
		sshmgr.WithDefaultTimeouts(cfg.SSHConnectTimeout, cfg.SSHExecTimeout),
	)

	handler := api.NewMasterHandler(ingestor, coordinator, st, sessions, discovery.Discover)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Master API listening on %s (agents dispatched on port %d)", cfg.ListenAddr, cfg.AgentPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API server shutdown error: %v", err)
	}

	sessions.Close()
	if err := st.Close(); err != nil {
		log.Warnf("Closing database: %v", err)
	}

	log.Info("Shutdown complete")
}
