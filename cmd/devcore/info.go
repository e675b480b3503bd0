package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/devcore/internal/gpu"
	"github.com/fxnlabs/devcore/internal/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print driver versions and the visible devices",
		Action: func(c *cli.Context) error {
			rt, err := service.New(appConfig(c), appLogger(c))
			if err != nil {
				return err
			}
			return runInfo(c.App.Writer, rt)
		},
	}
}

// runInfo prints the device summary and closes rt.
func runInfo(w io.Writer, rt *service.Runtime) (err error) {
	defer func() {
		err = multierr.Append(err, rt.Close())
	}()
	printInfo(w, rt.Registry)
	return nil
}

func printInfo(w io.Writer, reg *gpu.Registry) {
	banner := figure.NewFigure("devcore", "", true)
	fmt.Fprintln(w, banner.String())

	v := reg.Versions()
	fmt.Fprintf(w, "Driver:          %s\n", v.Driver)
	fmt.Fprintf(w, "CUDA runtime:    %s (%d)\n", v.Runtime, v.RuntimeRaw)
	fmt.Fprintf(w, "CUDA driver:     %s (%d)\n", v.DriverVersion, v.DriverRaw)
	fmt.Fprintf(w, "cuDNN:           v%d.%d.%d\n", v.DNN[0], v.DNN[1], v.DNN[2])
	fmt.Fprintln(w, "")

	n := reg.DeviceCount()
	fmt.Fprintf(w, "Devices (%d):\n", n)
	for i := 0; i < n; i++ {
		d := reg.DeviceInfo(i)
		marker := " "
		if i == reg.CurrentDevice() {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d: %s, compute capability %s, %d MiB\n", marker, d.Index, d.Name, d.ComputeCapability, d.TotalMemory>>20)
	}
}
