// Command smuxproxy is the egress side of the tunnel: it services
// Establish/Connect RPCs from a smuxhost peer over a serial link and
// dials the real destination on its behalf.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/nullbridge/smux/control"
	"github.com/nullbridge/smux/egress"
	"github.com/nullbridge/smux/internal/ansi"
	smuxlog "github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/mux"
	"github.com/nullbridge/smux/port"
)

var log *logging.Logger

func main() {
	app := cli.NewApp()
	app.Name = "smuxproxy"
	app.Usage = "dial real destinations on behalf of a smuxhost peer over a serial link"
	app.Version = control.ProtocolVersion
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "device",
			Usage: "path to a serial device; repeat for multiple physical links",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "INFO",
			Usage: "CRITICAL, ERROR, WARNING, NOTICE, INFO, or DEBUG",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, ansi.Red(err.Error()))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	smuxlog.Setup(levelByName(c.String("log-level")))
	log = smuxlog.Get("smuxproxy")

	devicePaths := c.StringSlice("device")
	if len(devicePaths) == 0 {
		return cli.NewExitError("at least one -device is required", 1)
	}

	engines := make([]*port.Engine, 0, len(devicePaths))
	for _, p := range devicePaths {
		dev, err := os.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("opening serial device %s: %w", p, err)
		}
		engines = append(engines, port.New(dev, nil))
	}

	m := mux.New(engines, nil)
	client := control.NewClient(m)
	proc := control.NewProcessor(m, client)
	connector := &egress.Connector{Mux: m}
	proc.OnEstablish = connector.Establish
	proc.OnConnect = connector.Connect
	m.SetControl(proc.Dispatch)

	for _, e := range engines {
		e.Start()
	}

	log.Notice(ansi.Green(fmt.Sprintf("smuxproxy up on %d link(s)", len(engines))))

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)
	sig := <-stopSignal
	log.Notice(ansi.Yellow(fmt.Sprintf("stopping on signal %v", sig)))
	m.Close()
	return nil
}

func levelByName(name string) logging.Level {
	switch name {
	case "CRITICAL":
		return logging.CRITICAL
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "DEBUG":
		return logging.DEBUG
	default:
		return logging.INFO
	}
}
