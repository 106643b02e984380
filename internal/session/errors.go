package session

import (
	"errors"

	"github.com/kstaniek/go-kvm-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen   = errors.New("listen")
	ErrAccept   = errors.New("accept")
	ErrConnRead = errors.New("conn_read")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	default:
		return "other"
	}
}
