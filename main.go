// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"ipttool/internal/config"
	"ipttool/internal/logger"
	"ipttool/internal/metrics"
)

var (
	version = "0.1.0"
)

const usage = `Usage: %s [options] <command> [arguments]

Commands:
  start <pid> <size> <flags>   Start tracing a process with a trace buffer of <size> bytes
  stop <pid>                   Stop tracing a process
  trace <pid> <file>           Write the current trace of a process to <file>
  inspect <dump>...            Decode raw trace dumps and summarize them per thread

Options:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("ipttool", flag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), usage, flagSet.Name())
		flagSet.PrintDefaults()
	}

	cfg, err := config.NewConfig(flagSet, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if cfg == nil {
		// -generate-config
		return 0
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		return 1
	}
	defer logger.Close()

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg)
	command, cmdArgs := flagSet.Arg(0), flagSet.Args()[1:]
	log.Debug().
		Str("version", version).
		Str("command", command).
		Strs("args", cmdArgs).
		Msg("Running command")

	if err := a.run(ctx, command, cmdArgs); err != nil {
		if errors.Is(err, errUsage) {
			flagSet.Usage()
		}
		log.Error().Err(err).Str("command", command).Msg("❌ Command failed")
		a.flushMetrics()
		return 1
	}
	a.flushMetrics()
	return 0
}

type app struct {
	cfg     *config.AppConfig
	metrics *metrics.CaptureMetrics
	log     log.Logger
}

func newApp(cfg *config.AppConfig) *app {
	a := &app{
		cfg: cfg,
		log: logger.NewLoggerWithContext("cli"),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	return a
}

// flushMetrics writes the capture statistics to the configured textfile.
func (a *app) flushMetrics() {
	if a.metrics == nil || a.cfg.Metrics.TextfilePath == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
		a.log.Error().Err(err).Msg("Failed to write metrics textfile")
		return
	}
	a.log.Debug().Str("path", a.cfg.Metrics.TextfilePath).Msg("Metrics written")
}
