package main

import (
	"github.com/fxnlabs/devcore/internal/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Hold the device resources and serve metrics until interrupted",
		Action: func(c *cli.Context) error {
			app := fx.New(
				fx.Supply(appConfig(c), appLogger(c)),
				service.Module,
				fx.Invoke(func(*service.Server) {}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
