// Command mbedhost is the offloading frontend: it opens a serial channel
// to an mbed-style target, sends the boot handshake with the target's
// argv, and serves PUSH/EXECUTE frames until the target exits.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/daedaluz/mbedhost/internal/frontend"
	"github.com/daedaluz/mbedhost/internal/logging"
	"github.com/daedaluz/mbedhost/internal/serialport"
)

func main() {
	os.Exit(run())
}

func run() int {
	portName := flag.String("port", "/dev/ttyACM0", "serial device the target is attached to")
	flag.Parse()
	argv := flag.Args()
	if len(argv) == 0 {
		argv = []string{"target"}
	}

	log := logging.FromEnv()
	logging.SetDefault(log)

	port, err := serialport.OpenDevice(*portName)
	if err != nil {
		log.Error("failed to open serial port", "port", *portName, "error", err)
		return 1
	}
	defer port.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, closing channel")
		port.Close()
	}()

	ctx, err := frontend.Open(port, argv, log)
	if err != nil {
		log.Error("handshake failed", "error", err)
		return 1
	}

	log.Info("channel open, serving", "port", *portName, "argv", fmt.Sprint(argv))
	if err := ctx.Run(port); err != nil {
		log.Error("channel terminated", "status", ctx.Status.String(), "error", err)
	}

	switch ctx.Status {
	case frontend.StatusExited:
		log.Info("target exited", "code", ctx.ExitCode)
		return int(ctx.ExitCode)
	case frontend.StatusDead:
		log.Error("channel went dead")
		return 2
	default:
		return 1
	}
}
