package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/devcore/internal/config"
	"github.com/fxnlabs/devcore/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		if log, ok := app.Metadata["logger"].(*zap.Logger); ok {
			log.Fatal("failed to run app", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "devcore",
		Usage: "Inspect and exercise GPU streams, library handles and pinned host memory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   config.GetDefaultConfigPath(),
				Usage:   "Path to the devcore config file",
				EnvVars: []string{"DEVCORE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug-sync",
				Usage:   "Synchronize the device on every extended status check",
				EnvVars: []string{"DEVCORE_DEBUG_SYNC"},
			},
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "Driver to use: auto, cuda or host",
				EnvVars: []string{"DEVCORE_DRIVER"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level override",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			log, err := logger.NewDevelopment(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = log.Named("devcore")
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(),
			selftestCommand(),
			serveCommand(),
		},
		Metadata: map[string]interface{}{},
	}
}

// loadConfig reads the config file and applies flag overrides. A missing
// file falls back to the built-in defaults when it is the default path or
// the file init is about to write.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && (!c.IsSet("config") || c.Args().First() == "init") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if c.IsSet("debug-sync") {
		cfg.Device.DebugSync = c.Bool("debug-sync")
	}
	if c.IsSet("driver") {
		cfg.Driver.Kind = c.String("driver")
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	return cfg, cfg.Validate()
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}
