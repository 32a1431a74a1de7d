package agilent

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/optolab/gratalign/comm"
	"github.com/optolab/gratalign/scpi"
)

// scriptConn records written commands and plays back queued replies
type scriptConn struct {
	mu      sync.Mutex
	wrote   []string
	replies []string
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.replies[0])
	c.replies = c.replies[1:]
	return n, nil
}

func (c *scriptConn) Close() error { return nil }

func scripted(replies ...string) (*E364A, *scriptConn) {
	conn := &scriptConn{replies: replies}
	pool := comm.NewPool(1, time.Minute, func() (io.ReadWriteCloser, error) {
		return conn, nil
	})
	return &E364A{scpi.SCPI{Pool: pool}}, conn
}

func TestApplyFormatsVoltageAndCurrent(t *testing.T) {
	ps, conn := scripted()
	if err := ps.Apply(5, 0.05); err != nil {
		t.Fatal(err)
	}
	if len(conn.wrote) != 1 || conn.wrote[0] != "APPL 5.000, 0.050" {
		t.Errorf("commands sent: %v, want [APPL 5.000, 0.050]", conn.wrote)
	}
}

func TestOutputAndTrigger(t *testing.T) {
	ps, conn := scripted()
	if err := ps.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := ps.SetOutput(false); err != nil {
		t.Fatal(err)
	}
	if err := ps.SetOutput(true); err != nil {
		t.Fatal(err)
	}
	if err := ps.Trigger(); err != nil {
		t.Fatal(err)
	}
	want := []string{"*RST", "OUTP OFF", "OUTP ON", "*TRG"}
	if len(conn.wrote) != len(want) {
		t.Fatalf("sent %d commands, want %d: %v", len(conn.wrote), len(want), conn.wrote)
	}
	for i := range want {
		if conn.wrote[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, conn.wrote[i], want[i])
		}
	}
}

func TestReadVoltage(t *testing.T) {
	ps, conn := scripted("+4.998E+00\n")
	got, err := ps.ReadVoltage()
	if err != nil {
		t.Fatal(err)
	}
	if got != 4.998 {
		t.Errorf("voltage = %v, want 4.998", got)
	}
	if len(conn.wrote) != 1 || conn.wrote[0] != "MEAS:VOLT?" {
		t.Errorf("commands sent: %v, want [MEAS:VOLT?]", conn.wrote)
	}
}
