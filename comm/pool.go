package comm

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close has been called
var ErrPoolClosed = errors.New("connection pool is closed")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(idle)
	onLease int                     // number of connections given out
	timeout time.Duration           // time after the last return to free idle connections
	idle    chan io.ReadWriteCloser // connections ready to be handed out
	slots   chan struct{}           // one token per connection that may exist
	timer   *time.Timer             // reclaims idle connections
	maker   CreationFunc
	closed  bool

	mu sync.Mutex
}

// NewPool creates a pool of at most maxSize connections made by maker.
// Idle connections are closed once timeout has elapsed with nothing on lease.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		idle:    make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has gone bad.  ReturnWithError does whichever is appropriate.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		p.lease(1)
		return c, nil
	case <-p.slots:
	}
	// we hold a slot, there may be a fresh idle conn too but making one is fine
	c, err := p.maker()
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}
	p.lease(1)
	return c, nil
}

func (p *Pool) lease(n int) {
	p.mu.Lock()
	p.onLease += n
	p.mu.Unlock()
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if p.closed {
		rwc.Close()
		p.slots <- struct{}{}
		return
	}
	p.idle <- rwc
	if p.onLease == 0 {
		p.startReclaim()
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	p.slots <- struct{}{}
}

// ReturnWithError returns the connection to the pool if err is nil,
// and destroys it otherwise.  A connection that produced an error is assumed
// to be in an unknown state (half-written command, stale bytes in the buffer).
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close closes every idle connection and prevents further Gets.  Connections
// on lease are closed as they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.drainLocked()
}

// startReclaim arms the idle timer.  p.mu must be held.
func (p *Pool) startReclaim() {
	if p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
		return
	}
	p.timer.Reset(p.timeout)
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease != 0 {
		return
	}
	p.drainLocked()
}

func (p *Pool) drainLocked() error {
	var first error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
			p.slots <- struct{}{}
		default:
			return first
		}
	}
}
