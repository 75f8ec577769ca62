//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mjl-/mxdeliver/delivery"
	"github.com/mjl-/mxdeliver/mlog"
)

// signalContext returns a context that is canceled on interrupt or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// disableOnSignal disables sending on d when SIGUSR1 is received.
func disableOnSignal(log mlog.Log, d *delivery.Deliverer) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGUSR1)
	go func() {
		for sig := range sigc {
			log.Print("disabling sending", slog.Any("signal", sig))
			d.DisableSending(true)
		}
	}()
}
