package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/mjl-/mxdeliver/smtpclient"
)

// Errors for failed delivery attempts. Delivery errors wrap one of these and the
// underlying error.
var (
	ErrResolution   = errors.New("no usable mail exchanger")            // DNS lookup of MX records or IPs failed.
	ErrConnect      = errors.New("connecting to mail exchanger")        // Dialing or SMTP session setup failed.
	ErrTimeout      = errors.New("timeout")                             // Connect or send took longer than the configured timeout.
	ErrTLS          = errors.New("tls negotiation with mail exchanger") // Handshake or certificate rejected without matching trust exception.
	ErrTransmission = errors.New("transmitting message")                // Remote rejected the transaction, or the connection broke.
	ErrCanceled     = errors.New("delivery canceled")                   // Context canceled while attempting delivery.
)

// classify wraps err in the error of its kind, using def for errors that are not
// a timeout, cancelation or tls error.
func classify(ctx context.Context, err error, def error) error {
	var nerr net.Error
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	case errors.Is(err, smtpclient.ErrTimeout),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, smtpclient.ErrTLS):
		return fmt.Errorf("%w: %w", ErrTLS, err)
	default:
		return fmt.Errorf("%w: %w", def, err)
	}
}

// errorResult returns a label for err for use in metrics.
func errorResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTLS):
		return "tls"
	case errors.Is(err, ErrResolution):
		return "dns"
	default:
		return "error"
	}
}
