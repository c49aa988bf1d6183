package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/uploadtopi/uploadtopi/internal/deploy"
)

// classify turns a dial or handshake error into a ConnectError.
func classify(host string, err error, hostKey *deploy.ConnectError) *deploy.ConnectError {
	if hostKey != nil {
		hostKey.Host = host
		if hostKey.Err == nil {
			hostKey.Err = err
		}
		return hostKey
	}
	return &deploy.ConnectError{Reason: reasonFor(err), Host: host, Err: err}
}

func reasonFor(err error) deploy.ConnectReason {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return deploy.ReasonTimeout
		}
		return deploy.ReasonUnknownHost
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return deploy.ReasonConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return deploy.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return deploy.ReasonTimeout
	}
	// x/crypto/ssh has no typed authentication error.
	if strings.Contains(err.Error(), "unable to authenticate") {
		return deploy.ReasonAuthRejected
	}
	return deploy.ReasonOther
}
