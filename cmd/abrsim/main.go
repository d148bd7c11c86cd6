// The abrsim command serves buffer-driven adaptive bitrate decisions to players over websockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/abrsim/internal/abr"
	"github.com/agleyzer/abrsim/internal/cluster"
	"github.com/agleyzer/abrsim/internal/metrics"
	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/agleyzer/abrsim/internal/parser"
	"github.com/agleyzer/abrsim/internal/server"
	"github.com/agleyzer/abrsim/internal/telemetry"
	"github.com/agleyzer/abrsim/internal/variant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	version = "1.0.0"
)

// options holds the parsed command-line flags.
type options struct {
	port              int
	lowThreshold      float64
	highThreshold     float64
	monitorInterval   time.Duration
	recentWindow      time.Duration
	maxRecords        int
	safeMarginSwitch  bool
	clearBufferSwitch bool
	catalog           string
	variants          string
	raftID            string
	raftBind          string
	raftPeers         string
	raftLogLevel      string
}

func main() {
	var opts options

	// Parse command-line flags
	flag.IntVar(&opts.port, "port", 8080, "HTTP server port")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Float64Var(&opts.lowThreshold, "low-threshold", abr.DefaultLowBufferThreshold, "Buffer fullness below which quality steps down")
	flag.Float64Var(&opts.highThreshold, "high-threshold", abr.DefaultHighBufferThreshold, "Buffer fullness above which quality steps up")
	flag.DurationVar(&opts.monitorInterval, "monitor-interval", monitor.DefaultInterval, "Interval between periodic re-evaluations")
	flag.DurationVar(&opts.recentWindow, "recent-window", monitor.DefaultRecentWindow, "Window for recent segment count and throughput")
	flag.IntVar(&opts.maxRecords, "max-records", telemetry.DefaultMaxRecords, "Segment records retained per session")
	flag.BoolVar(&opts.safeMarginSwitch, "safe-margin-switch", false, "Default safeMarginSwitch flag passed with every switch")
	flag.BoolVar(&opts.clearBufferSwitch, "clear-buffer-switch", false, "Default clearBufferSwitch flag passed with every switch")
	flag.StringVar(&opts.catalog, "catalog", "", "Master playlist URL providing the default variant catalog")
	flag.StringVar(&opts.variants, "variants", "", "Comma-separated list of catalog variant indices to offer (e.g., '0,2,4'). Offers all if not specified")
	flag.StringVar(&opts.raftID, "raft-id", "", "Raft node ID; enables clustering when set")
	flag.StringVar(&opts.raftBind, "raft-bind", "", "Raft bind address (host:port)")
	flag.StringVar(&opts.raftPeers, "raft-peers", "", "Comma-separated Raft peer addresses, including this node")
	flag.StringVar(&opts.raftLogLevel, "raft-log-level", "off", "Raft internal log level (off, error, warn, info, debug)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ABRSim - Adaptive Bitrate Decision Server v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --port 8080\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --catalog https://example.com/master.m3u8 --variants 0,2\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --low-threshold 0.2 --high-threshold 0.9 --safe-margin-switch\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --raft-id node1 --raft-bind 127.0.0.1:9001 --raft-peers 127.0.0.1:9001,127.0.0.1:9002\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ABRSim v%s\n", version)
		os.Exit(0)
	}

	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("ABRSim starting", "version", version)

	// Run the application
	if err := run(opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("ABRSim stopped")
}

// validate checks flag values that the packages would otherwise reject late.
func (o *options) validate() error {
	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if o.lowThreshold < 0 || o.highThreshold > 1 {
		return fmt.Errorf("buffer thresholds must be within [0, 1]")
	}
	if o.lowThreshold >= o.highThreshold {
		return fmt.Errorf("--low-threshold (%v) must be below --high-threshold (%v)", o.lowThreshold, o.highThreshold)
	}
	if o.monitorInterval <= 0 {
		return fmt.Errorf("--monitor-interval must be positive")
	}
	if o.recentWindow <= 0 {
		return fmt.Errorf("--recent-window must be positive")
	}
	if o.maxRecords < 1 {
		return fmt.Errorf("--max-records must be at least 1")
	}
	if o.variants != "" && o.catalog == "" {
		return fmt.Errorf("--variants requires --catalog")
	}
	if o.raftID == "" && (o.raftBind != "" || o.raftPeers != "") {
		return fmt.Errorf("--raft-bind and --raft-peers require --raft-id")
	}
	return nil
}

func run(opts options, logger *slog.Logger) error {
	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	var catalog []variant.Variant
	if opts.catalog != "" {
		logger.Info("fetching variant catalog", "url", opts.catalog)
		variants, err := parser.LoadVariants(ctx, opts.catalog, parser.Options{})
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}

		catalog, err = selectVariants(variants, opts.variants)
		if err != nil {
			return err
		}

		for i, v := range catalog {
			logger.Info("variant",
				"index", i,
				"bandwidth", v.Bandwidth,
				"resolution", v.Resolution,
				"uri", v.PlaylistURL,
			)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srvOpts := server.Options{
		Port: opts.port,
		Engine: abr.Options{
			LowBufferThreshold:  opts.lowThreshold,
			HighBufferThreshold: opts.highThreshold,
			MonitorInterval:     opts.monitorInterval,
			RecentWindow:        opts.recentWindow,
			MaxRecords:          opts.maxRecords,
			Reporter:            monitor.NewLogReporter(logger),
		},
		Config: abr.Config{
			SafeMarginSwitch:  opts.safeMarginSwitch,
			ClearBufferSwitch: opts.clearBufferSwitch,
		},
		Variants:  catalog,
		Collector: metrics.NewCollector(reg),
		Gatherer:  reg,
	}

	if opts.raftID != "" {
		manager, err := cluster.NewManager(cluster.Config{
			RaftID:       opts.raftID,
			BindAddr:     opts.raftBind,
			Peers:        parsePeers(opts.raftPeers),
			RaftLogLevel: opts.raftLogLevel,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create cluster: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer manager.Shutdown()

		replicator := cluster.NewReplicator(manager, 0, logger)
		replicator.Start(ctx)
		defer replicator.Stop()

		srvOpts.Cluster = manager
		srvOpts.Replicator = replicator
	}

	srv := server.New(srvOpts, logger)

	logger.Info("ABR server ready",
		"session", fmt.Sprintf("ws://localhost:%d/session", opts.port),
		"health", fmt.Sprintf("http://localhost:%d/health", opts.port),
		"metrics", fmt.Sprintf("http://localhost:%d/metrics", opts.port),
		"variants", len(catalog),
		"clustered", opts.raftID != "",
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// selectVariants returns the variants at the given comma-separated playlist
// indices, in the order listed. An empty list selects every variant.
func selectVariants(variants []variant.Variant, indices string) ([]variant.Variant, error) {
	if strings.TrimSpace(indices) == "" {
		return variants, nil
	}

	seen := make(map[int]bool)
	var result []variant.Variant
	for _, field := range strings.Split(indices, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid variant index %q: %w", field, err)
		}
		if idx < 0 || idx >= len(variants) {
			return nil, fmt.Errorf("variant index %d out of range (catalog has %d variants)", idx, len(variants))
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		result = append(result, variants[idx])
	}

	return result, nil
}

// parsePeers splits a comma-separated peer list, dropping empty entries.
func parsePeers(peers string) []string {
	var result []string
	for _, p := range strings.Split(peers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
