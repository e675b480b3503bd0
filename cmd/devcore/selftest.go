package main

import (
	"encoding/json"

	"github.com/fxnlabs/devcore/internal/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

func selftestCommand() *cli.Command {
	defaults := service.DefaultSelfTestOptions()
	return &cli.Command{
		Name:  "selftest",
		Usage: "Exercise pinned allocation, stream switching and device transfers",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: defaults.Workers, Usage: "Concurrent pinned allocations"},
			&cli.IntFlag{Name: "streams", Value: defaults.Streams, Usage: "Logical streams to switch through"},
			&cli.IntFlag{Name: "size", Value: defaults.Size, Usage: "Matrix dimension of the round-trip check"},
		},
		Action: func(c *cli.Context) (err error) {
			rt, err := service.New(appConfig(c), appLogger(c))
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, rt.Close())
			}()

			report, err := rt.SelfTest(c.Context, service.SelfTestOptions{
				Workers: c.Int("workers"),
				Streams: c.Int("streams"),
				Size:    c.Int("size"),
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
