package metrics

import (
	"context"
	"errors"
	"net"
	"os"
)

// Result returns a short result label for err, for use in metrics: "ok",
// "timeout", "canceled" or "error".
func Result(err error) string {
	var nerr net.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &nerr) && nerr.Timeout():
		return "timeout"
	default:
		return "error"
	}
}
