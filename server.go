package gomitm

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mel2oo/go-mitm/endpoint"
	"github.com/mel2oo/go-mitm/gid"
	"github.com/mel2oo/go-mitm/log"
	"github.com/mel2oo/go-mitm/mempool"
	"github.com/mel2oo/go-mitm/mitm"
)

// Accepts connections and forwards each one to the upstream, intercepting TLS
// on the way.
type Server struct {
	options Options
	logger  *zap.Logger
	dialer  Dialer
}

func NewServer(opts ...Option) (*Server, error) {
	options := NewOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.Upstream.Host == "" || options.Upstream.Port == 0 {
		return nil, errors.New("upstream address is required")
	}
	if options.Layer == nil {
		options.Layer = mitm.NewOptions()
	}
	if options.ClientTLS && options.Layer.CertStore == nil {
		return nil, errors.New("client TLS requires a cert store")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = NewDirectDialer(options.DialTimeout)
	}

	if options.RelayPool == nil {
		pool, err := mempool.MakePool(DefaultRelayPoolSize, DefaultRelayChunkSize)
		if err != nil {
			return nil, err
		}
		options.RelayPool = pool
	}

	return &Server{
		options: options,
		logger:  options.Logger,
		dialer:  dialer,
	}, nil
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Blocks until ctx is done or the listener fails, then waits for open
// connections to finish. Cancelling ctx also tears down open connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("proxy listening",
		zap.Stringer("address", ln.Addr()),
		zap.Stringer("upstream", s.options.Upstream),
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ln.Close()
			return errors.Wrap(err, "accept failed")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	logger := log.WithConnection(s.logger, gid.GenerateConnectionID(), conn.RemoteAddr())

	client := endpoint.NewClientConn(conn)
	server := endpoint.NewServerConn(s.options.Upstream, s.dialer)
	root := newConnContext(client, server, logger, s.options.HandshakeTimeout, s.options.RelayPool)
	defer root.close()

	layer := mitm.NewTLSLayer(root, s.options.Layer, logger, s.options.ClientTLS, s.options.ServerTLS)
	if !s.options.SNI.IsUnset() {
		serverTLS := s.options.ServerTLS
		if err := layer.SetServer(s.options.Upstream, &serverTLS, s.options.SNI, 1); err != nil {
			logger.Error("cannot apply server settings", zap.Error(err))
			return
		}
	}

	logger.Debug("handling connection")
	err := layer.Run(ctx)

	summary := ConnectionSummary{
		Upstream:  server.Address().String(),
		Layer:     layer.String(),
		SNI:       layer.SNIForServerConnection().GetOrDefault(""),
		ClientTLS: client.TLSEstablished(),
		ServerTLS: server.TLSEstablished(),
		Duration:  time.Since(start),
	}
	if root.relay != nil {
		summary.BytesUp = root.relay.bytesUp
		summary.BytesDown = root.relay.bytesDown
	}

	if err != nil && ctx.Err() == nil {
		logger.Warn("connection failed", append(summary.Fields(), zap.Error(err))...)
		return
	}
	logger.Info("connection closed", summary.Fields()...)
}
