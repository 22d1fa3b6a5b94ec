package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/99souls/mswitch/controller"
	"github.com/99souls/mswitch/controller/models"
)

func main() {
	var (
		sources        string
		mode           string
		onCut          string
		ingest         string
		thresholds     string
		autoFailover   bool
		revertPolicy   string
		basePort       int
		outputPort     int
		noProxy        bool
		httpAddr       string
		commandFile    string
		runtimeConfig  string
		enableMetrics  bool
		metricsBackend string
		snapshotEvery  time.Duration
		showVersion    bool
	)

	flag.StringVar(&sources, "sources", "", "Source specification: id=url(;id=url)*")
	flag.StringVar(&mode, "mode", "graceful", "Switch mode: seamless|graceful|cutover")
	flag.StringVar(&onCut, "on-cut", "freeze", "Cutover gap policy: freeze|black")
	flag.StringVar(&ingest, "ingest", "hot", "Ingest mode: hot|standby")
	flag.StringVar(&thresholds, "thresholds", "", "Comma separated key=value health threshold overrides")
	flag.BoolVar(&autoFailover, "auto-failover", false, "Enable automatic failover")
	flag.StringVar(&revertPolicy, "revert", "manual", "Revert policy: auto|manual")
	flag.IntVar(&basePort, "base-port", 12350, "First UDP input port (source i binds base+i)")
	flag.IntVar(&outputPort, "output-port", 12400, "UDP output port for the selected flow")
	flag.BoolVar(&noProxy, "no-proxy", false, "Disable the UDP proxy plane")
	flag.StringVar(&httpAddr, "http", ":8099", "Control HTTP listen address (empty disables)")
	flag.StringVar(&commandFile, "command-file", "/tmp/mswitch_cmd", "Command file path (empty disables)")
	flag.StringVar(&runtimeConfig, "config", "", "Optional YAML runtime config with hot reload")
	flag.BoolVar(&enableMetrics, "enable-metrics", false, "Enable the metrics provider")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "Interval between state snapshots on stderr (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("mswitch controller")
		return
	}
	if sources == "" {
		fmt.Println("No sources provided. Example: -sources 's0=udp://127.0.0.1:5000;s1=udp://127.0.0.1:5001'")
		os.Exit(1)
	}

	cfg := controller.Defaults()
	cfg.Sources = sources
	cfg.Mode = models.Mode(mode)
	cfg.OnCut = models.OnCut(onCut)
	cfg.Ingest = models.IngestMode(ingest)
	cfg.Thresholds = thresholds
	cfg.AutoFailover = autoFailover
	cfg.RevertPolicy = revertPolicy
	cfg.Proxy.Enabled = !noProxy
	cfg.Proxy.BasePort = basePort
	cfg.Proxy.OutputPort = outputPort
	cfg.HTTPAddr = httpAddr
	cfg.CommandFile = commandFile
	cfg.RuntimeConfigPath = runtimeConfig
	cfg.MetricsEnabled = enableMetrics
	cfg.MetricsBackend = metricsBackend

	ctrl, err := controller.New(cfg)
	if err != nil {
		log.Fatalf("create controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		// second signal forces exit
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("start controller: %v", err)
	}

	if snapshotEvery > 0 {
		ticker := time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					b, _ := json.MarshalIndent(ctrl.Snapshot(), "", "  ")
					fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	if err := ctrl.Stop(); err != nil {
		log.Printf("stop controller: %v", err)
	}
	// Final snapshot (best-effort)
	b, _ := json.MarshalIndent(ctrl.Snapshot(), "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== FINAL SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}
