package mempool

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrEmptyPool = errors.New("mempool: pool is empty")

// A fixed-size pool of equally sized chunks, shared by every relay of a server
// to bound the memory spent on copy buffers. Chunks are allocated on first use,
// up to maxPoolSize_bytes in total. Safe for concurrent use.
type Pool struct {
	// Chunks that have been returned and are free for reuse.
	chunks chan []byte

	chunkSize_bytes int

	// Number of chunks allocated so far. Never exceeds cap(chunks).
	allocated atomic.Int64
}

func MakePool(maxPoolSize_bytes int64, chunkSize_bytes int64) (*Pool, error) {
	if chunkSize_bytes < 1 {
		return nil, errors.Errorf("invalid chunkSize_bytes %d", chunkSize_bytes)
	}
	if maxPoolSize_bytes < chunkSize_bytes {
		return nil, errors.Errorf("invalid maxPoolSize_bytes %d", maxPoolSize_bytes)
	}

	return &Pool{
		chunks:          make(chan []byte, maxPoolSize_bytes/chunkSize_bytes),
		chunkSize_bytes: int(chunkSize_bytes),
	}, nil
}

func (p *Pool) ChunkSize() int {
	return p.chunkSize_bytes
}

// Obtains a chunk, allocating one if the pool has room. Returns ErrEmptyPool
// when every chunk is in use.
func (p *Pool) Get() ([]byte, error) {
	select {
	case chunk := <-p.chunks:
		return chunk, nil
	default:
	}

	for {
		n := p.allocated.Load()
		if n >= int64(cap(p.chunks)) {
			break
		}
		if p.allocated.CompareAndSwap(n, n+1) {
			return make([]byte, p.chunkSize_bytes), nil
		}
	}

	// Everything is allocated, but a chunk may have been returned meanwhile.
	select {
	case chunk := <-p.chunks:
		return chunk, nil
	default:
		return nil, ErrEmptyPool
	}
}

// Returns a chunk obtained from Get. Chunks of the wrong size are dropped.
func (p *Pool) Put(chunk []byte) {
	if cap(chunk) != p.chunkSize_bytes {
		return
	}

	// Avoid blocking, in case we somehow end up releasing more chunks than the
	// pool can hold.
	select {
	case p.chunks <- chunk[:p.chunkSize_bytes]:
	default:
	}
}
