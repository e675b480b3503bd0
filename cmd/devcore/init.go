package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/devcore/fixtures"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config file",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing config file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			appLogger(c).Info("Wrote config file", zap.String("path", path))
			return nil
		},
	}
}
