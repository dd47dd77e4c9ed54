// Command smuxhost is the host side of the tunnel: it accepts local
// SOCKS5 and HTTP-CONNECT clients and forwards each connection over a
// serial link to a smuxproxy peer.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/nullbridge/smux/control"
	"github.com/nullbridge/smux/frontend"
	"github.com/nullbridge/smux/internal/ansi"
	smuxlog "github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/mux"
	"github.com/nullbridge/smux/port"
)

var log *logging.Logger

func main() {
	app := cli.NewApp()
	app.Name = "smuxhost"
	app.Usage = "tunnel local SOCKS5/HTTP-CONNECT clients over a serial link"
	app.Version = control.ProtocolVersion
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "device",
			Usage: "path to a serial device; repeat for multiple physical links",
		},
		cli.StringFlag{
			Name:  "socks-listen",
			Value: "127.0.0.1:1080",
			Usage: "local address to accept SOCKS5 clients on, empty to disable",
		},
		cli.StringFlag{
			Name:  "http-listen",
			Value: "",
			Usage: "local address to accept HTTP-CONNECT clients on, empty to disable",
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
	log = smuxlog.Get("smuxhost")

	devicePaths := c.StringSlice("device")
	if len(devicePaths) == 0 {
		return cli.NewExitError("at least one -device is required", 1)
	}
	socksAddr := c.String("socks-listen")
	httpAddr := c.String("http-listen")
	if socksAddr == "" && httpAddr == "" {
		return cli.NewExitError("at least one of -socks-listen/-http-listen is required", 1)
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
	m.SetControl(proc.Dispatch)

	for _, e := range engines {
		e.Start()
	}

	dialer := &frontend.Dialer{Mux: m, Client: client}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if socksAddr != "" {
		ln, err := net.Listen("tcp", socksAddr)
		if err != nil {
			return fmt.Errorf("listening for SOCKS5 on %s: %w", socksAddr, err)
		}
		go func() {
			if err := frontend.NewSOCKS5Listener(ln, dialer).Serve(ctx); err != nil {
				log.Errorf("SOCKS5 listener stopped: %v", err)
			}
		}()
		log.Noticef("SOCKS5 listening on %s", ansi.Cyan(socksAddr))
	}
	if httpAddr != "" {
		ln, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("listening for HTTP-CONNECT on %s: %w", httpAddr, err)
		}
		go func() {
			if err := frontend.NewHTTPConnectListener(ln, dialer).Serve(ctx); err != nil {
				log.Errorf("HTTP-CONNECT listener stopped: %v", err)
			}
		}()
		log.Noticef("HTTP-CONNECT listening on %s", ansi.Cyan(httpAddr))
	}

	log.Notice(ansi.Green(fmt.Sprintf("smuxhost up on %d link(s)", len(engines))))

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)
	sig := <-stopSignal
	log.Notice(ansi.Yellow(fmt.Sprintf("stopping on signal %v", sig)))
	cancel()
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
