package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/IItheshadowII/LatencyLens/internal/app"
	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"github.com/IItheshadowII/LatencyLens/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printHelp(os.Stderr)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		code := runCommand(ctx, os.Args[2:], os.Stdout, os.Stderr)
		stop()
		os.Exit(code)
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", "config.yaml", "Path to config file")
		_ = serveCmd.Parse(os.Args[2:])
		if *configPath == "config.yaml" && serveCmd.NArg() > 0 {
			*configPath = serveCmd.Arg(0)
		}
		serve(*configPath)
	case "check":
		checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
		configPath := checkCmd.String("config", "config.yaml", "Path to config file")
		_ = checkCmd.Parse(os.Args[2:])
		if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
			*configPath = checkCmd.Arg(0)
		}
		os.Exit(checkConfig(*configPath, os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		printHelp(os.Stdout)
	case "version", "-v", "--version":
		fmt.Println(version.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp(os.Stderr)
		os.Exit(2)
	}
}

func serve(configPath string) {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested", "config", configPath)
			if err := supervisor.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
				if supervisor.Runtime() == nil {
					os.Exit(1)
				}
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(stderr, "config invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "config valid: storage %s, %d pings, download %d B, upload %d B\n",
		cfg.Storage.Driver, cfg.Measurement.PingCount, cfg.Measurement.DownloadBytes, cfg.Measurement.UploadBytes)
	return 0
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `latencylens - network quality measurement

Usage:
  latencylens run [flags] <cloud-url>   Measure a cloud endpoint from this machine
  latencylens serve --config <path>     Start the results API server
  latencylens check --config <path>     Validate config file
  latencylens help                      Show this help
  latencylens version                   Print version

Run flags:
  -config <path>    Optional config file (measurement, dns and report sections)
  -json             Print the result as JSON instead of a summary
  -out <path>       Also write the result as JSON to a file
  -relay <url>      Route probes through a relay server
  -api-base <url>   Submit the result to a results API
  -quiet            Hide the progress bar
  -v                Print run log lines
`)
}
