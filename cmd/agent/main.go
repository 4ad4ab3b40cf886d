package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/worldland/gpu-fleet/internal/adapters/nvml"
	"github.com/worldland/gpu-fleet/internal/adapters/procfs"
	"github.com/worldland/gpu-fleet/internal/adapters/smi"
	"github.com/worldland/gpu-fleet/internal/api"
	"github.com/worldland/gpu-fleet/internal/client"
	"github.com/worldland/gpu-fleet/internal/config"
	"github.com/worldland/gpu-fleet/internal/container"
	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/logging"
	"github.com/worldland/gpu-fleet/internal/reporter"
	"github.com/worldland/gpu-fleet/internal/runner"
	"github.com/worldland/gpu-fleet/internal/sampler"
	"github.com/worldland/gpu-fleet/internal/setup"
	"github.com/worldland/gpu-fleet/internal/workspace"
)

// jobGracePeriod bounds how long shutdown waits for running jobs.
const jobGracePeriod = 30 * time.Second

// selectGPUProvider returns an initialized provider, or nil when the host
// has no usable GPU source.
func selectGPUProvider(name string) domain.GPUProvider {
	var candidates []domain.GPUProvider
	switch name {
	case config.GPUProviderNone:
		return nil
	case config.GPUProviderMock:
		// Mock provider for development without NVIDIA hardware
		candidates = append(candidates, nvml.NewMockGPUProvider([]domain.GPUMetrics{
			{
				UUID:               "mock-gpu-1",
				Name:               "Mock GPU",
				Temperature:        60,
				UtilizationPercent: 50,
				MemoryUsed:         8000,
				MemoryTotal:        24000,
			},
		}))
	case config.GPUProviderNVML:
		candidates = append(candidates, nvml.NewNVMLProvider())
	case config.GPUProviderSMI:
		candidates = append(candidates, smi.NewSMIProvider())
	default:
		candidates = append(candidates, nvml.NewNVMLProvider(), smi.NewSMIProvider())
	}

	for _, p := range candidates {
		if err := p.Init(); err != nil {
			log.Warnf("GPU provider %T not available: %v", p, err)
			continue
		}
		return p
	}
	log.Warn("No GPU provider available, reporting host metrics only")
	return nil
}

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	listen := flag.String("listen", "", "listen address (overrides AGENT_LISTEN_ADDR)")
	master := flag.String("master", "", "master base URL (overrides MASTER_URL)")
	preflight := flag.Bool("preflight", false, "check host prerequisites and exit")
	flag.Parse()

	if *preflight {
		result := setup.RunPreflight(context.Background())
		result.PrintStatus(os.Stdout)
		if missing := result.MissingRequired(); len(missing) > 0 {
			log.Fatalf("Missing required components: %s", strings.Join(missing, ", "))
		}
		return
	}

	if err := config.LoadEnvFile(*envFile, flag.CommandLine.Changed("env-file")); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	v := config.NewViper()
	if *listen != "" {
		v.Set(config.AgentListenAddr, *listen)
	}
	if *master != "" {
		v.Set(config.MasterURL, *master)
	}
	cfg, err := config.LoadAgent(v)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	log.Info("GPU fleet agent starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := setup.RunPreflight(ctx)
	if missing := checks.MissingRequired(); len(missing) > 0 {
		log.Warnf("Missing required components, jobs may fail: %s", strings.Join(missing, ", "))
	}
	if missing := checks.MissingOptional(); len(missing) > 0 {
		log.Infof("Optional components not installed: %s", strings.Join(missing, ", "))
	}

	gpus := selectGPUProvider(cfg.GPUProvider)
	if gpus != nil {
		defer gpus.Shutdown()
	}

	var host domain.HostSampler
	if hs, err := procfs.NewHostSampler("/proc"); err != nil {
		log.Warnf("Host metrics not available: %v", err)
	} else {
		host = hs
	}

	smp := sampler.NewSampler(sampler.Identity{Hostname: cfg.HostName, Alias: cfg.Alias}, host, gpus)
	masterClient := client.NewMasterClient(cfg.MasterURL, cfg.PushTimeout)

	var containers runner.ContainerRunner
	if docker, err := container.NewDockerService(); err != nil {
		log.Warnf("Docker not available, container jobs disabled: %v", err)
	} else if err := docker.Ping(ctx); err != nil {
		log.Warnf("Container jobs disabled: %v", err)
	} else {
		containers = docker
	}

	r := runner.NewRunner(masterClient, workspace.NewManager(cfg.WorkRoot), containers, runner.Config{
		PushTimeout:    cfg.PushTimeout,
		QueueSize:      cfg.LogQueue,
		DefaultTimeout: cfg.JobTimeout,
		GPUDevices:     cfg.GPUDevices,
	})

	rep := reporter.NewReporter(smp, masterClient, cfg.ReportInterval, cfg.PushTimeout)
	rep.Start(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewAgentHandler(r, smp).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Agent %s listening on %s, reporting to %s every %s",
			smp.Hostname(), cfg.ListenAddr, cfg.MasterURL, cfg.ReportInterval)
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
	rep.Stop()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(jobGracePeriod):
		log.Warnf("Jobs still running after %s, stopping them", jobGracePeriod)
		r.Stop()
		<-done
	}

	log.Info("Shutdown complete")
}
