// Command mdqc-agent is the on-premises telemetry agent: it watches
// configured instrument directories, extracts QC metrics from finalized
// runs, and uploads them to the cloud ingest endpoint.
//
// Usage:
//
//	mdqc-agent -config config.toml -data-root /var/lib/mdqc-agent   # run the agent
//	mdqc-agent -config config.toml -health-check                     # validate setup and exit
//	mdqc-agent -config config.toml -classify /path/to/run.raw        # classify and exit
//	mdqc-agent -config config.toml -status                           # print queue/state snapshot
//	mdqc-agent -config config.toml -failed-list                      # list failed artifacts
//	mdqc-agent -config config.toml -failed-retry path|all             # re-enqueue failed artifacts
//	mdqc-agent -config config.toml -failed-clear                      # clear the Failed Ledger
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/webwebb56/mdqc-agent/agentcli"
	"github.com/webwebb56/mdqc-agent/config"
	"github.com/webwebb56/mdqc-agent/supervisor"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	dataRoot := flag.String("data-root", ".", "persisted state root (spool/, templates/, certs/, failed_files.json)")
	healthCheck := flag.Bool("health-check", false, "validate extractor, templates, certificate, watch paths, and cloud reachability, then exit")
	classifyPath := flag.String("classify", "", "classify a single filename and exit, without touching the pipeline")
	status := flag.Bool("status", false, "print queue depths and in-flight artifact state, then exit")
	failedList := flag.Bool("failed-list", false, "list Failed Ledger entries, then exit")
	failedRetry := flag.String("failed-retry", "", "re-enqueue one failed path, or \"all\", then exit")
	failedClear := flag.Bool("failed-clear", false, "clear the Failed Ledger, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdqc-agent: load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Agent.LogLevel)}))
	slog.SetDefault(logger)

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Info)); err != nil {
		logger.Warn("mdqc-agent: GOMAXPROCS tuning failed", "error", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(logger)); err != nil {
		logger.Warn("mdqc-agent: GOMEMLIMIT tuning failed", "error", err)
	}

	if *classifyPath != "" {
		cli := agentcli.New(agentcli.Config{})
		printJSON(cli.Classify(*classifyPath))
		return
	}

	sup, err := supervisor.New(*dataRoot, cfg, logger)
	if err != nil {
		logger.Error("mdqc-agent: construct supervisor", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *healthCheck:
		printJSON(sup.AgentCLI.HealthCheck(ctx))
	case *status:
		stopDeps := sup.RunDependencies(ctx)
		report, err := sup.AgentCLI.Status(ctx)
		stopDeps()
		exitOnErr(err)
		printJSON(report)
	case *failedList:
		stopDeps := sup.RunDependencies(ctx)
		entries, err := sup.AgentCLI.FailedList(ctx)
		stopDeps()
		exitOnErr(err)
		printJSON(entries)
	case *failedRetry != "":
		stopDeps := sup.RunDependencies(ctx)
		err := sup.AgentCLI.FailedRetry(ctx, *failedRetry)
		stopDeps()
		exitOnErr(err)
	case *failedClear:
		stopDeps := sup.RunDependencies(ctx)
		err := sup.AgentCLI.FailedClear(ctx)
		stopDeps()
		exitOnErr(err)
	default:
		logger.Info("mdqc-agent: starting", "data_root", *dataRoot)
		if err := sup.Run(ctx); err != nil {
			logger.Error("mdqc-agent: supervisor exited with error", "error", err)
			os.Exit(1)
		}
		logger.Info("mdqc-agent: stopped")
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "mdqc-agent: encode output: %v\n", err)
		os.Exit(1)
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdqc-agent: %v\n", err)
		os.Exit(1)
	}
}
