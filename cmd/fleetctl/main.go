package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/fleet-armada/internal/config"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
	"github.com/ahrav/fleet-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "fleetctl"

var errUsage = errors.New("usage")

func main() {
	// Set the correct number of threads for the process.
	_, _ = maxprocs.Set()

	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fleetctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.summary)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		return errUsage
	}

	cmd, ok := lookupCommand(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return errUsage
	}

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("FLEET_CONFIG"), "path to a YAML config file")
	exec := cmd.setup(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log.Level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Debug(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build, "command", cmd.name)
	return exec(ctx, cfg, log)
}

func newLogger(level string) *logger.Logger {
	hostname, _ := os.Hostname()

	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			attrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				attrs[k] = v
			}
			if b, err := json.Marshal(attrs); err == nil {
				fmt.Fprintf(os.Stderr, "error event: %s\n", b)
			}
		},
	}
	metadata := map[string]string{
		"hostname": hostname,
		"app":      serviceType,
		"build":    build,
	}
	// Logs go to stderr; stdout carries command output.
	return logger.NewWithMetadata(os.Stderr, parseLevel(level), serviceType, otel.GetTraceID, events, metadata)
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
