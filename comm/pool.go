/*Package comm provides connection pooling and small io wrappers for talking
to lab hardware.

A device driver holds a Pool with a single connection, which makes the device
a single-writer command channel: commands issued through the pool are strictly
ordered, and two goroutines contending for the device serialize on Get.

Typical usage:

	maker := comm.BackingOffTCPConnMaker("192.168.100.40:4001", 3*time.Second)
	pool := comm.NewPool(1, time.Minute, maker)
	conn, err := pool.Get()
	if err != nil { ... }
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	io.WriteString(wrap, "query?")
*/
package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc returns a new "connection" to something.  Use a closure to
// encapsulate addresses, serial configs, and so forth.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device.  Connections are closed
// after they have all been returned and the timeout elapses, and re-opened
// on demand.  Pools are concurrent safe and must be created with NewPool.
type Pool struct {
	maxSize int                     // == cap(conns)
	onLease int                     // number of connections given out
	timeout time.Duration           // idle time before the pool frees its connections
	conns   chan io.ReadWriteCloser // circular buffer of idle connections
	timer   *time.Timer             // fires to trigger reclamation
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a new Pool.  maxSize is the maximum number of simultaneous
// connections; use 1 to guarantee a single-writer channel to the device.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection from the pool, blocking until one is available
// if all are leased out.  The caller has exclusive use of the ReadWriter and
// must give it back with Put, ReturnWithError, or Destroy.  If the error is
// non-nil the returned connection must not be given back to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	// idle connection available, hand it out
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	// all connections leased; wait for one to come back
	if p.onLease == p.maxSize {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	// room to grow; make a fresh connection.  Only count the lease if the
	// maker gave us something usable.
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put restores a connection to the pool for reuse.  Junk connections (ones
// that always error) should be Destroy()'d instead.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.mu.Lock()
	p.onLease--
	idle := len(p.conns) == p.maxSize
	p.mu.Unlock()
	if idle {
		p.startReclaim()
	}
}

// Destroy closes a connection and removes it from the pool's accounting.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError puts rw back in the pool if err is nil, otherwise destroys
// it.  It exists so drivers can write
// defer func() { pool.ReturnWithError(conn, err) }()
// with a named error return and have junk connections recycled for free.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections owned by the pool, idle or leased.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently leased out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim arms the idle timer; when it fires all pooled connections are
// closed.  The next Get will re-dial.
func (p *Pool) startReclaim() {
	p.mu.Lock()
	already := p.reclaiming
	p.reclaiming = true
	p.mu.Unlock()
	if already {
		return
	}
	p.timer.Reset(p.timeout)
	go func() {
		<-p.timer.C
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				p.mu.Lock()
				p.reclaiming = false
				p.mu.Unlock()
				return
			}
		}
	}()
}
