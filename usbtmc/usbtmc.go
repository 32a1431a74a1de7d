/*Package usbtmc speaks the USB Test and Measurement Class bulk transfer
protocol, enough of it to carry SCPI traffic to instruments that expose a
USBTMC interface instead of a serial port.

Only single-packet DEV_DEP messages are implemented; a command or reply is
assumed to fit the remote buffer.  The device satisfies io.ReadWriteCloser
so it can sit behind a comm.Pool like any other instrument link.
*/
package usbtmc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/gousb"
	"github.com/optolab/gratalign/comm"
)

// message ids from the USBTMC standard, table 2
const (
	msgDevDepOut   = 0x01
	msgReqDevDepIn = 0x02

	headerSize = 12
	alignment  = 4
	readBuf    = 1500
)

// tagGen hands out bTags, which must increment with each transfer and
// never be zero
type tagGen struct {
	mu  sync.Mutex
	val byte
}

func (t *tagGen) next() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.val++
	if t.val == 0 {
		t.val = 1
	}
	return t.val
}

// bulkOutHeader frames a DEV_DEP_MSG_OUT of n payload bytes (standard
// table 3).  Byte 2 is the bitwise inverse of the tag; byte 8 marks end of
// message.
func bulkOutHeader(tag byte, n int) [headerSize]byte {
	var h [headerSize]byte
	h[0] = msgDevDepOut
	h[1] = tag
	h[2] = tag ^ 0xff
	binary.LittleEndian.PutUint32(h[4:8], uint32(n))
	h[8] = 0x01
	return h
}

// bulkInHeader frames a REQUEST_DEV_DEP_MSG_IN for up to n bytes,
// terminated on term (standard table 4)
func bulkInHeader(tag byte, n int, term byte) [headerSize]byte {
	var h [headerSize]byte
	h[0] = msgReqDevDepIn
	h[1] = tag
	h[2] = tag ^ 0xff
	binary.LittleEndian.PutUint32(h[4:8], uint32(n))
	h[8] = 0x02 // term char enabled
	h[9] = term
	return h
}

// Device is one open USBTMC instrument
type Device struct {
	tags   tagGen
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	dev    *gousb.Device
	ctx    *gousb.Context
	closer func()

	// Terminator ends each reply, '\n' by default
	Terminator byte

	// pending holds reply bytes beyond what the last Read asked for
	pending []byte
}

// Open claims the instrument with the given vendor and product id
func Open(vid, pid uint16) (*Device, error) {
	d := &Device{Terminator: '\n'}
	d.ctx = gousb.NewContext()
	var err error
	d.dev, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if d.dev == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device %04x:%04x", vid, pid)
	}
	if err := d.dev.SetAutoDetach(true); err != nil {
		d.dev.Close()
		d.ctx.Close()
		return nil, err
	}
	iface, closer, err := d.dev.DefaultInterface()
	if err != nil {
		d.dev.Close()
		d.ctx.Close()
		return nil, err
	}
	d.closer = closer
	if d.in, err = iface.InEndpoint(2); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = iface.OutEndpoint(2); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Write sends p as one DEV_DEP_MSG_OUT, padded to the 4-byte alignment the
// standard requires
func (d *Device) Write(p []byte) (int, error) {
	hdr := bulkOutHeader(d.tags.next(), len(p))
	msg := make([]byte, 0, headerSize+len(p)+alignment)
	msg = append(msg, hdr[:]...)
	msg = append(msg, p...)
	if r := len(msg) % alignment; r != 0 {
		msg = append(msg, make([]byte, alignment-r)...)
	}
	if _, err := d.out.Write(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read requests a reply from the instrument and fills p with it.  A reply
// longer than p is held for subsequent reads.
func (d *Device) Read(p []byte) (int, error) {
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	hdr := bulkInHeader(d.tags.next(), readBuf, d.Terminator)
	if _, err := d.out.Write(hdr[:]); err != nil {
		return 0, err
	}
	buf := make([]byte, readBuf)
	n, err := d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < headerSize {
		return 0, fmt.Errorf("usbtmc: reply of %d bytes is shorter than the %d byte header", n, headerSize)
	}
	body := buf[headerSize:n]
	copied := copy(p, body)
	if copied < len(body) {
		d.pending = append(d.pending[:0], body[copied:]...)
	}
	return copied, nil
}

// Close releases the interface and the device
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.dev != nil {
		err = d.dev.Close()
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ConnMaker adapts Open to the connection pool, so a USBTMC instrument
// plugs in wherever a serial or TCP one does
func ConnMaker(vid, pid uint16) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return Open(vid, pid)
	}
}
