package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/optolab/gratalign/comm"
)

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not listen:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func dialMaker(addr string) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
}

func TestPoolGrowsToCapacity(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(3, time.Second, dialMaker(addr))
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatalf("get %d: %v", i+1, err)
		}
	}
	if pool.Size() != 3 {
		t.Errorf("pool size = %d, want 3", pool.Size())
	}
	if pool.Active() != 3 {
		t.Errorf("pool active = %d, want 3", pool.Active())
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, time.Minute, dialMaker(addr))
	c1, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(c1)
	c2, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("pool did not reuse the returned connection")
	}
	if pool.Size() != 1 {
		t.Errorf("pool size = %d, want 1", pool.Size())
	}
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, time.Minute, dialMaker(addr))
	held, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		got <- rw
	}()
	select {
	case <-got:
		t.Fatal("pool exceeded its size limit")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Put(held)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("blocked Get never received the returned connection")
	}
}

func TestReturnWithErrorDestroysJunk(t *testing.T) {
	addr := startEcho(t)
	pool := comm.NewPool(1, time.Minute, dialMaker(addr))
	c, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(c, io.ErrUnexpectedEOF)
	if pool.Size() != 0 {
		t.Errorf("pool kept a junk connection, size = %d", pool.Size())
	}
}

func TestTerminatorRoundTrip(t *testing.T) {
	addr := startEcho(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	if _, err := io.WriteString(wrap, "hello"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := wrap.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("echo = %q, want %q (terminator should be stripped)", buf[:n], "hello")
	}
}
