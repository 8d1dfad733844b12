package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/api"
	"github.com/posfleet/terminald/internal/driver"
	"github.com/posfleet/terminald/internal/events"
	"github.com/posfleet/terminald/internal/fleet"
	"github.com/posfleet/terminald/internal/models"
	"github.com/posfleet/terminald/internal/outbox"
	"github.com/posfleet/terminald/internal/payments"
	"github.com/posfleet/terminald/internal/telemetry"
)

type options struct {
	httpAddr          string
	natsURL           string
	sinkKind          string
	dbPath            string
	redisAddr         string
	terminalsFile     string
	organizationID    string
	reconnectInterval time.Duration
	probeInterval     time.Duration
	drainInterval     time.Duration
}

func main() {
	opts := options{}
	root := &cobra.Command{
		Use:   "terminald",
		Short: "Coordinates a fleet of card-present payment terminals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	fs := root.Flags()
	fs.StringVar(&opts.httpAddr, "http-addr", ":8080", "HTTP listen address")
	fs.StringVar(&opts.natsURL, "nats-url", "", "NATS URL for event publishing (empty disables)")
	fs.StringVar(&opts.sinkKind, "sink", "badger", "sync sink backend: badger or redis")
	fs.StringVar(&opts.dbPath, "db", "./data/outbox", "Badger outbox path")
	fs.StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "Redis address for the redis sink")
	fs.StringVar(&opts.terminalsFile, "terminals", "", "JSON file with terminal configs to register at startup")
	fs.StringVar(&opts.organizationID, "org", "", "organization ID stamped on sync records")
	fs.DurationVar(&opts.reconnectInterval, "reconnect-interval", fleet.DefaultReconnectInterval, "discovery/reconnection loop interval")
	fs.DurationVar(&opts.probeInterval, "probe-interval", fleet.DefaultProbeInterval, "health probe loop interval")
	fs.DurationVar(&opts.drainInterval, "drain-interval", 10*time.Second, "outbox drain loop interval")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	tp, err := telemetry.InitTracer(ctx)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	var pub *events.Publisher
	if opts.natsURL != "" {
		pub, err = events.NewPublisher(opts.natsURL, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
	}

	var (
		sink    outbox.SyncSink
		closers []func()
	)
	switch opts.sinkKind {
	case "badger":
		ob, err := outbox.NewBadgerOutbox(opts.dbPath, log)
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		if pub != nil {
			ob.StartDrain(pub, opts.drainInterval)
		}
		sink = ob
		closers = append(closers, func() { ob.Close() })
	case "redis":
		rs, err := outbox.NewRedisSink(opts.redisAddr, log)
		if err != nil {
			return fmt.Errorf("open redis sink: %w", err)
		}
		if pub != nil {
			rs.StartDrain(pub)
		}
		sink = rs
		closers = append(closers, func() { rs.Close() })
	default:
		return fmt.Errorf("unknown sink backend %q", opts.sinkKind)
	}

	catalog := driver.NewCatalog()
	catalog.Register(driver.KindSim, driver.NewSimDiscovery)

	reg := fleet.NewRegistry(catalog, pub, log)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	telemetry.RegisterFleetGauge(prometheus.DefaultRegisterer, func() int {
		return reg.Metrics().ByStatus[models.StatusConnected]
	})
	pipe := payments.New(reg, sink, pub, metrics, log, opts.organizationID)

	if opts.terminalsFile != "" {
		configs, err := loadTerminals(opts.terminalsFile)
		if err != nil {
			return err
		}
		for _, cfg := range configs {
			if err := reg.RegisterTerminal(ctx, cfg); err != nil {
				log.Warn("startup terminal registration",
					zap.String("terminal_id", cfg.ID), zap.Error(err))
			}
		}
	}

	monitor := fleet.NewMonitor(reg, log, opts.reconnectInterval, opts.probeInterval)
	monitor.Start()

	server := &fasthttp.Server{
		Handler:      api.NewRouter(reg, pipe, log).Handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 150 * time.Second, // payments block until collection finishes
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", opts.httpAddr))
		if err := server.ListenAndServe(opts.httpAddr); err != nil {
			log.Fatal("http serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutdown initiated")

	if err := server.Shutdown(); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	monitor.Stop()
	reg.Close()
	for _, c := range closers {
		c()
	}
	pub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(sctx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

func loadTerminals(path string) ([]models.TerminalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read terminals file: %w", err)
	}
	var configs []models.TerminalConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse terminals file: %w", err)
	}
	return configs, nil
}
