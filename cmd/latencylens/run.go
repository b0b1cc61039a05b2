package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/orchestrator"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/report"
	"github.com/IItheshadowII/LatencyLens/internal/resolver"
	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"github.com/IItheshadowII/LatencyLens/internal/version"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
	eventBuffer   = 256
)

type runFlags struct {
	configPath string
	jsonOut    bool
	outPath    string
	relay      string
	apiBase    string
	quiet      bool
	verbose    bool
}

func parseRunFlags(args []string, stderr io.Writer) (runFlags, string, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Optional config file")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the result as JSON")
	fs.StringVar(&f.outPath, "out", "", "Write the result as JSON to this file")
	fs.StringVar(&f.relay, "relay", "", "Relay base URL")
	fs.StringVar(&f.apiBase, "api-base", "", "Results API base URL to report to")
	fs.StringVar(&f.apiBase, "report", "", "Alias of -api-base")
	fs.BoolVar(&f.quiet, "quiet", false, "Hide the progress bar")
	fs.BoolVar(&f.verbose, "v", false, "Print run log lines")
	if err := fs.Parse(args); err != nil {
		return f, "", err
	}
	if fs.NArg() != 1 {
		return f, "", errors.New("exactly one cloud URL is required")
	}
	return f, fs.Arg(0), nil
}

func loadRunConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// runCommand measures one cloud from this machine and returns the process
// exit code.
func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags, cloud, err := parseRunFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "run: %v\n", err)
		}
		return exitUsage
	}
	cfg, err := loadRunConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config invalid: %v\n", err)
		return exitUsage
	}
	logger := util.NewLoggerTo(stderr, cfg.Log.Level)

	ocfg := orchestrator.ConfigFromMeasurement(cfg.Measurement)
	if flags.relay != "" {
		relayEP, err := endpoint.Parse(flags.relay)
		if err != nil {
			fmt.Fprintf(stderr, "run: invalid relay: %v\n", err)
			return exitUsage
		}
		ocfg.Relay = relayEP.String()
	}

	exec := probe.NewHTTPExecutor(probe.ExecutorOptions{
		Resolver:   resolver.New(cfg.DNS.Servers),
		UserAgent:  "latencylens/" + version.Version,
		CaptureTCP: true,
	})
	defer exec.CloseIdle()

	opts := orchestrator.Options{Config: ocfg, Exec: exec, Logger: logger}
	apiBase := flags.apiBase
	if apiBase == "" {
		apiBase = cfg.Report.APIBase
	}
	if apiBase != "" {
		client, err := report.NewClient(report.Config{APIBase: apiBase, Timeout: cfg.Report.Timeout.Duration()},
			report.Dependencies{Logger: logger})
		if err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return exitUsage
		}
		opts.Reporter = client
		opts.IP = client
	}

	cols, rows, tty := terminalSize(int(os.Stderr.Fd()))
	view := &progressView{w: stderr, tty: tty && stderr == io.Writer(os.Stderr), bar: !flags.quiet, verbose: flags.verbose}
	events := make(chan orchestrator.Event, eventBuffer)
	if !flags.quiet || flags.verbose {
		opts.Observer = func(ev orchestrator.Event) {
			select {
			case events <- ev:
			default:
			}
		}
	}
	orch := orchestrator.New(opts)

	client := result.Client{UserAgent: cliUserAgent(), Screen: screenDescriptor(cols, rows)}
	var res result.TestResult
	var runErr error
	var g errgroup.Group
	g.Go(func() error {
		defer close(events)
		res, runErr = orch.Run(ctx, cloud, client)
		return nil
	})
	g.Go(func() error {
		for ev := range events {
			view.handle(ev)
		}
		view.finish()
		return nil
	})
	_ = g.Wait()

	var verr *endpoint.ValidationError
	if errors.As(runErr, &verr) {
		fmt.Fprintf(stderr, "invalid endpoint: %s\n", verr.Reason)
		return exitUsage
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", runErr)
		return exitFailure
	}
	orch.Wait()

	if flags.outPath != "" {
		if err := writeResultFile(flags.outPath, res); err != nil {
			fmt.Fprintf(stderr, "write %s: %v\n", flags.outPath, err)
			return exitFailure
		}
	}
	if flags.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(stderr, "encode result: %v\n", err)
			return exitFailure
		}
	} else {
		printSummary(stdout, res)
	}
	if ctx.Err() != nil {
		return exitCancelled
	}
	return exitOK
}

func writeResultFile(path string, res result.TestResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func printSummary(w io.Writer, res result.TestResult) {
	p := res.Ping
	fmt.Fprintf(w, "Cloud:          %s\n", res.Cloud)
	fmt.Fprintf(w, "Classification: %s\n", res.Classification)
	fmt.Fprintf(w, "Latency:        avg %s, median %s, p95 %s\n", util.FormatMs(p.Avg), util.FormatMs(p.Median), util.FormatMs(p.P95))
	fmt.Fprintf(w, "Jitter:         %s\n", util.FormatMs(p.Jitter))
	fmt.Fprintf(w, "Loss:           %.1f%% (%d of %d probes lost)\n", p.Loss*100, p.Timeouts, p.Timeouts+len(p.Samples))
	fmt.Fprintf(w, "Download:       %s\n", throughputSummary(res.Download))
	fmt.Fprintf(w, "Upload:         %s\n", throughputSummary(res.Upload))
	if res.IP != "" {
		fmt.Fprintf(w, "Public IP:      %s\n", res.IP)
	}
}

func throughputSummary(t result.ThroughputStats) string {
	if t.Mbps == nil {
		return "failed (" + util.FormatBytes(float64(t.Bytes)) + ")"
	}
	return fmt.Sprintf("%s (%s in %.2f s)", util.FormatMbps(t.Mbps), util.FormatBytes(float64(t.Bytes)), t.Seconds)
}

func cliUserAgent() string {
	return "latencylens/" + version.Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// screenDescriptor is "COLSxROWS" of the terminal, or empty when unknown.
func screenDescriptor(cols, rows int) string {
	if cols <= 0 || rows <= 0 {
		return ""
	}
	return strconv.Itoa(cols) + "x" + strconv.Itoa(rows)
}
