package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/mjl-/mxdeliver/delivery"
	"github.com/mjl-/mxdeliver/mlog"
)

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// No SIGUSR1 on windows, sending can only be disabled through the config file.
func disableOnSignal(log mlog.Log, d *delivery.Deliverer) {
}
