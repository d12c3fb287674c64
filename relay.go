package gomitm

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mel2oo/go-mitm/endpoint"
	"github.com/mel2oo/go-mitm/mempool"
	"github.com/mel2oo/go-mitm/mitm"
)

// Copies bytes both ways once the TLS layer is done, connecting to the server
// through the layer above so that server TLS is established if needed.
type relayLayer struct {
	top    mitm.Context
	client *endpoint.ClientConn
	server *endpoint.ServerConn
	logger *zap.Logger

	// Nil means every copy allocates its own buffer. Copies that io.Copy
	// hands to ReadFrom or WriteTo, such as a plaintext *net.TCPConn leg, never
	// take a chunk.
	pool *mempool.Pool

	bytesUp   int64
	bytesDown int64
}

func (r *relayLayer) Run(ctx context.Context) error {
	if err := r.top.Connect(ctx); err != nil {
		return err
	}

	clientConn := r.client.NetConn()
	serverConn := r.server.NetConn()
	clientConn.SetDeadline(time.Time{})
	serverConn.SetDeadline(time.Time{})

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			serverConn.Close()
		})
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, err := r.copy(serverConn, clientConn)
		r.bytesUp = n
		return r.finish(serverConn, err, closeBoth)
	})
	g.Go(func() error {
		n, err := r.copy(clientConn, serverConn)
		r.bytesDown = n
		return r.finish(clientConn, err, closeBoth)
	})
	return g.Wait()
}

func (r *relayLayer) copy(dst io.Writer, src io.Reader) (int64, error) {
	if r.pool == nil || copiesWithoutBuffer(dst, src) {
		return io.Copy(dst, src)
	}

	buf, err := r.pool.Get()
	if err != nil {
		r.logger.Debug("relay buffer pool exhausted", zap.Error(err))
		return io.Copy(dst, src)
	}
	defer r.pool.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}

// Reports whether io.CopyBuffer would ignore the buffer it is given.
func copiesWithoutBuffer(dst io.Writer, src io.Reader) bool {
	if _, ok := src.(io.WriterTo); ok {
		return true
	}
	_, ok := dst.(io.ReaderFrom)
	return ok
}

// Passes a clean end of stream on to dst, or tears both sides down.
func (r *relayLayer) finish(dst net.Conn, err error, closeBoth func()) error {
	if err == nil {
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			if cwErr := cw.CloseWrite(); cwErr == nil {
				return nil
			}
		}
	}
	closeBoth()
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Wrap(err, "relay failed")
}
