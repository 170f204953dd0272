// Command kafkahealth probes a Kafka cluster registered in Zookeeper.
//
// With -once it runs a single health pass and prints the event sequence as
// JSON lines. Otherwise it runs on a schedule and serves /metrics,
// /health and /health/kafka.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pndaproject/clusterprobe/kafkahealth"
	"github.com/pndaproject/clusterprobe/kafkahealth/jmxproxy"
	"github.com/pndaproject/clusterprobe/kafkahealth/roundtrip"
	"github.com/pndaproject/clusterprobe/kafkahealth/zkensemble"
)

func buildProber(cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*kafkahealth.Prober, error) {
	_, chroot, err := kafkahealth.ParseEnsemble(cfg.Zookeeper.Connect)
	if err != nil {
		return nil, fmt.Errorf("zookeeper connect: %w", err)
	}
	connector := zkensemble.New(
		zkensemble.WithChroot(chroot),
		zkensemble.WithSessionTimeout(cfg.Zookeeper.SessionTimeout),
		zkensemble.WithPingTimeout(cfg.Zookeeper.PingTimeout),
		zkensemble.WithConnectTimeout(cfg.Zookeeper.ConnectTimeout),
		zkensemble.WithBrokerProber(zkensemble.NewKafkaProber().WithTimeout(cfg.Zookeeper.ProbeTimeout)),
		zkensemble.WithLogger(logger),
	)

	opts := []kafkahealth.Option{
		kafkahealth.WithCluster(cfg.Cluster),
		kafkahealth.WithEnsemble(cfg.Zookeeper.Connect),
		kafkahealth.WithEnsembleConnector(connector),
		kafkahealth.WithBrokerList(cfg.Kafka.BrokerList),
		kafkahealth.WithScheme(cfg.Kafka.Scheme),
		kafkahealth.WithAnomalyPolicy(kafkahealth.AnomalyPolicy(cfg.Kafka.AnomalyPolicy)),
		kafkahealth.WithDriftEscalation(cfg.Kafka.DriftEscalation),
		kafkahealth.WithRunTimeout(cfg.RunTimeout),
		kafkahealth.WithLogger(logger),
	}

	if cfg.JMX.Enabled {
		opts = append(opts, kafkahealth.WithMetricSource(jmxproxy.New(cfg.JMX.Proxy,
			jmxproxy.WithTLSEnabled(cfg.JMX.TLS),
			jmxproxy.WithTLSSkipVerify(cfg.JMX.TLSSkipVerify),
			jmxproxy.WithTimeout(cfg.JMX.Timeout),
		)))
		if cfg.JMX.Manifest != "" {
			data, err := os.ReadFile(cfg.JMX.Manifest)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			manifest, err := kafkahealth.ParseManifest(data)
			if err != nil {
				return nil, err
			}
			opts = append(opts, kafkahealth.WithManifest(manifest))
		}
	}

	if cfg.RoundTrip.Enabled {
		rt, err := roundtrip.New(
			roundtrip.WithTopic(cfg.RoundTrip.Topic),
			roundtrip.WithGroup(cfg.RoundTrip.Group),
			roundtrip.WithMessages(cfg.RoundTrip.Messages),
			roundtrip.WithIdleTimeout(cfg.RoundTrip.IdleTimeout),
			roundtrip.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kafkahealth.WithRoundTrip(rt))
	}

	if reg != nil {
		opts = append(opts, kafkahealth.WithRegisterer(reg))
	}
	return kafkahealth.New(opts...)
}

func newScheduler(cfg Config, runner kafkahealth.HealthRunner, logger *slog.Logger) (*kafkahealth.Scheduler, error) {
	opts := []kafkahealth.SchedulerOption{kafkahealth.WithSchedulerLogger(logger)}
	if cfg.Schedule != "" {
		opts = append(opts, kafkahealth.WithSchedule(cfg.Schedule))
	} else {
		opts = append(opts, kafkahealth.WithInterval(cfg.Interval))
	}
	return kafkahealth.NewScheduler(runner, opts...)
}

// writeEvents prints one JSON event per line.
func writeEvents(w io.Writer, events []kafkahealth.HealthEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// Handlers

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// handleKafka serves the last report. It answers 503 before the first run
// completes and when the last verdict is ERROR.
func handleKafka(sched *kafkahealth.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := sched.Last()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"no health run completed yet"}`)
			return
		}
		if report.Severity == kafkahealth.SeverityError {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

func newMux(sched *kafkahealth.Scheduler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", handleHealth())
	mux.HandleFunc("/health/kafka", handleKafka(sched))
	return mux
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	once := flag.Bool("once", false, "run a single health pass, print the events and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafkahealth: %v\n", err)
		os.Exit(2)
	}
	level, _ := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *once {
		os.Exit(runOnce(cfg, logger))
	}
	if err := serve(cfg, logger); err != nil {
		logger.Error("kafkahealth: exiting", "error", err)
		os.Exit(1)
	}
}

// runOnce returns the process exit code: 0 for OK, 1 for WARN, 2 for ERROR.
func runOnce(cfg Config, logger *slog.Logger) int {
	prober, err := buildProber(cfg, logger, nil)
	if err != nil {
		logger.Error("kafkahealth: invalid configuration", "error", err)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	report := prober.Run(ctx)
	if err := writeEvents(os.Stdout, report.Events); err != nil {
		logger.Error("kafkahealth: write events", "error", err)
		return 2
	}
	return int(report.Severity)
}

func serve(cfg Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	prober, err := buildProber(cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	sched, err := newScheduler(cfg, prober, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := sched.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      newMux(sched, reg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kafkahealth: http server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("kafkahealth: shutdown signal received", "signal", sig.String())
	case err = <-errCh:
		logger.Error("kafkahealth: http server failed", "error", err)
	}

	_ = sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("kafkahealth: http server shutdown", "error", shutdownErr)
	}
	return err
}
