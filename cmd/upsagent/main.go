package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"upsagent/internal/api"
	"upsagent/internal/config"
	"upsagent/internal/events"
	"upsagent/internal/lifecycle"
	"upsagent/internal/metrics"
	"upsagent/internal/mqtt"
	"upsagent/internal/sampler"
	"upsagent/internal/sensor"
	"upsagent/internal/storage"
	"upsagent/internal/telemetry"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2

	discoveryTimeout = 5 * time.Second
	httpShutdownWait = 5 * time.Second
	journalCapacity  = 100
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML configuration")
	envFile := flag.String("env", ".env", "Optional dotenv file with overrides")
	dryRun := flag.Bool("dry-run", false, "Use a simulated sensor instead of the I2C bus")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return exitOK
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.Printf("[Config] %v", err)
		return exitConfig
	}
	logger.Printf("[Config] Loaded %s: %s", cfg.FilePath(), cfg)

	hostname, err := os.Hostname()
	if err != nil {
		logger.Printf("[Config] Failed to get hostname: %v", err)
		return exitConfig
	}
	topic := cfg.Topic(hostname)

	source, err := openSource(cfg, *dryRun)
	if err != nil {
		logger.Printf("[Sensor] %v", err)
		return exitError
	}
	defer source.Close()

	journal := events.NewStore(journalCapacity)
	store := openStore(cfg.State.Path, journal, logger)
	if store != nil {
		defer store.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		logger.Printf("[Metrics] %v", err)
		return exitError
	}

	client, err := mqtt.New(mqtt.Config{
		Broker:   cfg.MQTT.Broker,
		Port:     cfg.MQTT.Port,
		ClientID: topic,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		UseTLS:   cfg.MQTT.UseTLS,
	}, logger)
	if err != nil {
		logger.Printf("[MQTT] %v", err)
		return exitConfig
	}

	sess := newSession(client, topic, source, cfg.Thresholds(), lifecycle.Options{
		Logger:          logger,
		Journal:         journal,
		OnStateChange:   m.SetSessionState,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	})
	manager := sess.manager

	if cfg.MQTT.Discovery {
		discovery := mqtt.NewDiscoveryManager(client, logger, topic, mqtt.DeviceInfo{
			Identifiers:  []string{"upsagent_" + hostname},
			Name:         hostname + " UPS",
			Model:        string(cfg.UPS.Model),
			Manufacturer: "Waveshare",
		})
		manager.OnConnect(func() {
			go discovery.PublishAll(discoveryTimeout)
		})
	}

	status := api.NewStatus(topic, cfg.Thresholds(), manager.State)
	hub := api.NewLiveHub(logger)
	defer hub.Close()

	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		srv := api.NewServer(status, journal, hub, reg)
		httpServer = &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.Router()}
		go func() {
			logger.Printf("[HTTP] Listening on %s", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("[HTTP] Server failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A second signal abandons the wait for the offline acknowledgment.
	sess.shutdownContext = func() (context.Context, context.CancelFunc) {
		stop()
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}

	runErr := sess.run(ctx, sampler.Options{
		Logger:    logger,
		Recorder:  m,
		OnPublish: []sampler.PublishFunc{status.OnPublish, hub.OnPublish},
	})

	if httpServer != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownWait)
		httpServer.Shutdown(httpCtx)
		cancel()
	}

	finishRun(store, runErr, logger)
	if runErr != nil {
		return exitError
	}
	return exitOK
}

func openSource(cfg *config.Config, dryRun bool) (sensor.Source, error) {
	if dryRun {
		return sensor.NewFake(telemetry.RawReading{
			BusVoltage:   8.0,
			ShuntVoltage: -0.6,
			Current:      -60,
			Power:        0.48,
		}), nil
	}
	return sensor.Open(cfg.UPS.Model, cfg.UPS.Bus, cfg.UPS.Addr)
}

// openStore opens the run metadata store and records the start of this
// run. The agent runs without it when it is disabled or cannot be opened.
func openStore(path string, journal *events.Store, logger *log.Logger) storage.Store {
	if path == "" {
		return nil
	}

	store, err := storage.NewBoltStorage(path)
	if err != nil {
		logger.Printf("[State] Disabled: %v", err)
		return nil
	}

	prev, unclean, err := store.BeginRun(time.Now())
	if err != nil {
		logger.Printf("[State] Failed to record run start: %v", err)
		return store
	}
	if unclean {
		logger.Printf("[State] Previous run %d (started %s) did not shut down cleanly",
			prev.Run, prev.StartedAt.Format(time.RFC3339))
		journal.Add(events.EventPreviousRunUnclean, false,
			fmt.Sprintf("run %d started %s", prev.Run, prev.StartedAt.Format(time.RFC3339)))
	}
	return store
}

func finishRun(store storage.Store, exitErr error, logger *log.Logger) {
	if store == nil {
		return
	}
	if err := store.EndRun(time.Now(), exitErr); err != nil {
		logger.Printf("[State] Failed to record run end: %v", err)
	}
}
