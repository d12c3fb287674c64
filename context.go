package gomitm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mel2oo/go-mitm/endpoint"
	"github.com/mel2oo/go-mitm/mempool"
	"github.com/mel2oo/go-mitm/mitm"
)

// The outermost context of a proxied connection. It owns both endpoints and
// builds the relay that runs after the TLS layer.
type connContext struct {
	client *endpoint.ClientConn
	server *endpoint.ServerConn
	logger *zap.Logger
	pool   *mempool.Pool

	// Deadline for everything before the relay starts.
	handshakeDeadline time.Time

	relay *relayLayer
}

var _ mitm.Context = (*connContext)(nil)

func newConnContext(client *endpoint.ClientConn, server *endpoint.ServerConn, logger *zap.Logger, handshakeTimeout time.Duration, pool *mempool.Pool) *connContext {
	c := &connContext{
		client: client,
		server: server,
		logger: logger,
		pool:   pool,
	}
	if handshakeTimeout > 0 {
		c.handshakeDeadline = time.Now().Add(handshakeTimeout)
		client.NetConn().SetDeadline(c.handshakeDeadline)
	}
	return c
}

func (c *connContext) ClientConn() mitm.ClientConn {
	return c.client
}

func (c *connContext) ServerConn() mitm.ServerConn {
	return c.server
}

func (c *connContext) Connect(ctx context.Context) error {
	c.logger.Debug("connecting to server", zap.Stringer("address", c.server.Address()))
	if err := c.server.Connect(ctx); err != nil {
		return err
	}
	if !c.handshakeDeadline.IsZero() {
		c.server.NetConn().SetDeadline(c.handshakeDeadline)
	}
	return nil
}

func (c *connContext) Reconnect(ctx context.Context) error {
	if err := c.server.Close(); err != nil {
		c.logger.Debug("error closing server connection", zap.Error(err))
	}
	return c.Connect(ctx)
}

// Nothing above consumed the TLS setting or SNI at this point, so only the
// address applies. An open server connection is dropped.
func (c *connContext) SetServer(address mitm.Address, serverTLS *bool, sni mitm.SNIOverride, depth int) error {
	if serverTLS != nil || !sni.IsUnset() {
		c.logger.Debug("ignoring server TLS settings at root",
			zap.Int("depth", depth),
			zap.Stringer("sni", sni),
		)
	}
	if c.server.Connected() {
		if err := c.server.Close(); err != nil {
			c.logger.Debug("error closing server connection", zap.Error(err))
		}
	}
	c.server.SetAddress(address)
	return nil
}

func (c *connContext) NextLayer(top mitm.Context) mitm.Layer {
	c.relay = &relayLayer{
		top:    top,
		client: c.client,
		server: c.server,
		logger: c.logger,
		pool:   c.pool,
	}
	return c.relay
}

func (c *connContext) close() {
	c.client.Close()
	c.server.Close()
}
