package comm

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// ErrTimeoutUnsupported is generated when NewTimeout is given a ReadWriter
// with no way to set deadlines.
var ErrTimeoutUnsupported = errors.New("comm: underlying connection does not support deadlines")

// Terminator decorates a ReadWriter, appending the Tx terminator to each
// write and consuming through the Rx terminator on each read, stripping it
// from the data handed back to the caller.
type Terminator struct {
	rw     io.ReadWriter
	Rx, Tx byte
}

// NewTerminator returns a Terminator decorating rw.
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, Rx: rx, Tx: tx}
}

// Write sends b with the Tx terminator appended.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, len(b)+1)
	copy(buf, b)
	buf[len(b)] = t.Tx
	n, err := t.rw.Write(buf)
	if n == len(buf) {
		n-- // do not count the terminator against the caller's buffer
	}
	return n, err
}

// Read reads from the underlying connection into p and strips any trailing
// Rx terminators.  Devices send one frame per response, so a single read of
// the connection is assumed to contain the whole (terminated) reply.
func (t *Terminator) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if err != nil {
		return n, err
	}
	for n > 0 && (p[n-1] == t.Rx || p[n-1] == '\r') {
		n--
	}
	return n, nil
}

// SetDeadline forwards to the underlying connection so Terminator and
// Timeout wrappers compose in either order.
func (t *Terminator) SetDeadline(dl time.Time) error {
	if d, ok := t.rw.(interface{ SetDeadline(time.Time) error }); ok {
		return d.SetDeadline(dl)
	}
	return ErrTimeoutUnsupported
}

// timeout decorates a ReadWriter with a fresh deadline before each IO call.
type timeout struct {
	rw  io.ReadWriter
	d   time.Duration
	set func(time.Time) error
}

// NewTimeout wraps rw such that every Read and Write carries a deadline of
// now+d.  The error is non-nil if rw (or what it wraps) cannot set deadlines.
// A wrapped Terminator whose inner link lacks deadlines (serial ports carry
// their own read timeout) passes IO through without one.
func NewTimeout(rw io.ReadWriter, d time.Duration) (io.ReadWriter, error) {
	dl, ok := rw.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return nil, ErrTimeoutUnsupported
	}
	return &timeout{rw: rw, d: d, set: dl.SetDeadline}, nil
}

func (t *timeout) Read(p []byte) (int, error) {
	if err := t.set(time.Now().Add(t.d)); err != nil && !errors.Is(err, ErrTimeoutUnsupported) {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *timeout) Write(p []byte) (int, error) {
	if err := t.set(time.Now().Add(t.d)); err != nil && !errors.Is(err, ErrTimeoutUnsupported) {
		return 0, err
	}
	return t.rw.Write(p)
}

// ReadUntil reads single bytes from r until term is encountered or max bytes
// have been read, returning the data without the terminator.  It is for
// byte-dribbling links (RS-232) where a frame may span many reads.
func ReadUntil(r io.Reader, term byte, max int) ([]byte, error) {
	var out bytes.Buffer
	one := make([]byte, 1)
	for out.Len() < max {
		_, err := r.Read(one)
		if err != nil {
			return out.Bytes(), err
		}
		if one[0] == term {
			break
		}
		out.WriteByte(one[0])
	}
	return out.Bytes(), nil
}

// TCPSetup opens a new TCP connection with a timeout on connect, read, and
// write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
