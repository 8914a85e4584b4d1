package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/npuexport/internal/logger"
	"github.com/samcharles93/npuexport/internal/pipeline"
)

// fileConfig is loaded once by the root Before hook.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:   "npuexport",
		Usage:  "Quantize a trained digit classifier and export it as C headers for an embedded NPU",
		Flags:  append(globalFlags(), loggingFlags()...),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			quantizeCmd(),
			validateCmd(),
			optimizeCmd(),
			exportCmd(),
			pipelineCmd(),
			inspectCmd(),
			serveCmd(),
			toyCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signalContext(context.Background())
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM so long stages such as
// calibration and the optimizer subprocess stop cleanly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, unix.SIGTERM)
}

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, fmt.Errorf("load config: %w", err)
	}
	fileConfig = cfg

	level, format := logLevel, logFormat
	if !cmd.IsSet("log-level") && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	if !cmd.IsSet("log-format") && cfg.LogFormat != "" {
		format = cfg.LogFormat
	}
	if debug {
		level = "debug"
	}
	f, err := logger.ParseFormat(format)
	if err != nil {
		return ctx, err
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return ctx, err
	}
	log := logger.NewWithFormat(os.Stderr, f, lvl)
	return logger.WithContext(ctx, log), nil
}

// newRunner builds a pipeline runner from the layered configuration.
// With resume set, the runner amends the run report already on disk.
func newRunner(ctx context.Context, cmd *cli.Command, resume bool) (*pipeline.Runner, error) {
	cfg := buildConfig(cmd, fileConfig)
	r, err := pipeline.New(cfg, logger.FromContext(ctx))
	if err != nil {
		return nil, err
	}
	if resume {
		if err := r.Resume(); err != nil {
			return nil, err
		}
	}
	return r, nil
}
