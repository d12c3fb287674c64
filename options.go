package gomitm

import (
	"time"

	"go.uber.org/zap"

	"github.com/mel2oo/go-mitm/mempool"
	"github.com/mel2oo/go-mitm/mitm"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second

	// Copy buffers for relays, two per connection.
	DefaultRelayChunkSize int64 = 32 << 10
	DefaultRelayPoolSize  int64 = 64 << 20
)

type Options struct {
	// Where every accepted connection is forwarded.
	Upstream mitm.Address

	// Intercept TLS from clients.
	ClientTLS bool

	// Speak TLS to the upstream server.
	ServerTLS bool

	// SNI to send upstream instead of the client's.
	SNI mitm.SNIOverride

	// Bounds connecting to the upstream and each TLS handshake. The relay
	// afterwards is not limited.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	Dialer Dialer
	Layer  *mitm.Options
	Logger *zap.Logger

	// Shared by all relays of a server. When it runs dry, relays allocate
	// their own buffers.
	RelayPool *mempool.Pool
}

func NewOptions() Options {
	return Options{
		ClientTLS:        true,
		ServerTLS:        true,
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Layer:            mitm.NewOptions(),
		Logger:           zap.NewNop(),
	}
}

type Option func(*Options)

func WithUpstream(address mitm.Address) Option {
	return func(o *Options) {
		o.Upstream = address
	}
}

func WithTLS(client, server bool) Option {
	return func(o *Options) {
		o.ClientTLS = client
		o.ServerTLS = server
	}
}

func WithSNI(sni mitm.SNIOverride) Option {
	return func(o *Options) {
		o.SNI = sni
	}
}

func WithDialTimeout(t time.Duration) Option {
	return func(o *Options) {
		o.DialTimeout = t
	}
}

func WithHandshakeTimeout(t time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = t
	}
}

func WithDialer(dialer Dialer) Option {
	return func(o *Options) {
		o.Dialer = dialer
	}
}

func WithLayerOptions(layer *mitm.Options) Option {
	return func(o *Options) {
		o.Layer = layer
	}
}

func WithRelayPool(pool *mempool.Pool) Option {
	return func(o *Options) {
		o.RelayPool = pool
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
