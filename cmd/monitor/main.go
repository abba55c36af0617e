package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmhsqBase/monitor/internal/app"
	"github.com/dmhsqBase/monitor/internal/config"
	"github.com/dmhsqBase/monitor/internal/pipeline"
)

const (
	exitCodeFailure = 1
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// run starts the monitor agent process.
// Params: none.
// Returns: process exit code.
func run() int {
	var (
		configPath string
		showInfo   bool
		checkOnly  bool
	)

	flag.StringVar(&configPath, "config", "monitor.toml", "path to TOML config file or directory")
	flag.BoolVar(&showInfo, "v", false, "show build information")
	flag.BoolVar(&showInfo, "version", false, "show build information")
	flag.BoolVar(&checkOnly, "check", false, "validate config and exit")
	flag.Parse()

	if showInfo {
		fmt.Printf("monitor version=%s commit=%s date=%s sdk=%s/%s\n", version, commit, date, pipeline.SDKName, pipeline.SDKVersion)
		return 0
	}
	if checkOnly {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitCodeFailure
		}
		fmt.Printf("config ok: app_id=%s transport=%s\n", cfg.Monitor.AppID, cfg.Monitor.Transport)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := app.Run(ctx, app.Runtime{ConfigPath: configPath, Reload: reload}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}

	return 0
}

func main() {
	os.Exit(run())
}
