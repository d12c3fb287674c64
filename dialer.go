package gomitm

import (
	"context"
	"net"
	"time"

	"github.com/mel2oo/go-mitm/endpoint"
)

// Opens connections to upstream servers.
type Dialer = endpoint.Dialer

// Dials directly, bounding each attempt by the connect timeout.
type directDialer struct {
	dialer  *net.Dialer
	timeout time.Duration
}

func NewDirectDialer(timeout time.Duration) Dialer {
	return &directDialer{
		dialer:  &net.Dialer{KeepAlive: 30 * time.Second},
		timeout: timeout,
	}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.dialer.DialContext(ctx, network, address)
}
