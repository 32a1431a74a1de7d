package keithley

import (
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/optolab/gratalign/comm"
	"github.com/optolab/gratalign/scpi"
)

// scriptConn is an in-memory instrument: it records written commands and
// plays back queued replies, one per read
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

func scripted(replies ...string) (*Picoammeter, *scriptConn) {
	conn := &scriptConn{replies: replies}
	pool := comm.NewPool(1, time.Minute, func() (io.ReadWriteCloser, error) {
		return conn, nil
	})
	return &Picoammeter{scpi.SCPI{Pool: pool}}, conn
}

func TestParseReading(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"-1.234567E-09A,+0.000E+00,+0.000E+00", -1.234567e-9},
		{"+2.5E-06A", 2.5e-6},
		{" 3.0E-09 ", 3.0e-9},
	}
	for _, c := range cases {
		got, err := parseReading(c.in)
		if err != nil {
			t.Fatalf("parseReading(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseReading(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := parseReading("garbage"); err == nil {
		t.Error("parseReading accepted garbage")
	}
}

func TestSweepArmCount(t *testing.T) {
	cases := []struct {
		start, stop, step float64
		want              int
	}{
		{0, 20, 0.1, 201},
		{20, 0, 0.1, 201},
		{0, 1, 0.5, 3},
		{0, 1, 1, 2},
	}
	for _, c := range cases {
		if got := SweepArmCount(c.start, c.stop, c.step); got != c.want {
			t.Errorf("SweepArmCount(%v, %v, %v) = %d, want %d", c.start, c.stop, c.step, got, c.want)
		}
	}
}

func TestReadCurrent(t *testing.T) {
	p, conn := scripted("-1.234567E-09A,+0.000E+00,+0.000E+00\n")
	got, err := p.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got - -1.234567e-9) > 1e-18 {
		t.Errorf("current = %v, want -1.234567e-9", got)
	}
	if len(conn.wrote) != 2 || conn.wrote[0] != "INIT" || conn.wrote[1] != "READ?" {
		t.Errorf("commands sent: %v, want [INIT READ?]", conn.wrote)
	}
}

func TestSetBiasVoltageOrder(t *testing.T) {
	p, conn := scripted()
	if err := p.SetBiasVoltage(10); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"SOUR:VOLT:RANG 10",
		"SOUR:VOLT 10.00",
		"SOUR:VOLT:ILIM 2.5e-5",
		"SOUR:VOLT:STAT ON",
	}
	if len(conn.wrote) != len(want) {
		t.Fatalf("sent %d commands, want %d: %v", len(conn.wrote), len(want), conn.wrote)
	}
	for i := range want {
		if conn.wrote[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, conn.wrote[i], want[i])
		}
	}
}

func TestConfigureBracketsWithZeroCheckAndInit(t *testing.T) {
	p, conn := scripted()
	if err := p.Configure(2); err != nil {
		t.Fatal(err)
	}
	if conn.wrote[0] != "*RST" {
		t.Errorf("first command %q, want a reset", conn.wrote[0])
	}
	if conn.wrote[1] != "SYST:ZCH OFF" {
		t.Errorf("second command %q, want zero check off", conn.wrote[1])
	}
	if conn.wrote[len(conn.wrote)-1] != "INIT" {
		t.Errorf("last command %q, want INIT", conn.wrote[len(conn.wrote)-1])
	}
	found := false
	for _, c := range conn.wrote {
		if c == "SENS:CURR:NPLC 2.00" {
			found = true
		}
	}
	if !found {
		t.Errorf("NPLC not programmed: %v", conn.wrote)
	}
}

func TestArmBufferedSweep(t *testing.T) {
	p, conn := scripted()
	n, err := p.ArmBufferedSweep(0, 20, 0.1, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 201 {
		t.Errorf("armed %d samples, want 201", n)
	}
	found := false
	for _, c := range conn.wrote {
		if c == "ARM:COUN 201" {
			found = true
		}
	}
	if !found {
		t.Errorf("arm count not programmed: %v", conn.wrote)
	}
}

func TestDrainBuffer(t *testing.T) {
	p, _ := scripted("-1.0E-09A,+1.0E+00,+0.0E+00,+1.0E+01,-2.0E-09A,+2.0E+00,+0.0E+00,+1.0E+01\n")
	samples, err := p.DrainBuffer(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("drained %d samples, want 2", len(samples))
	}
	if samples[0].Current != -1.0e-9 || samples[1].Current != -2.0e-9 {
		t.Errorf("currents %v, %v, want -1e-9, -2e-9", samples[0].Current, samples[1].Current)
	}
	if samples[1].Timestamp != 2 || samples[1].SourceVoltage != 10 {
		t.Errorf("sample 2 metadata %+v, want timestamp 2, source 10", samples[1])
	}
}

func TestDrainBufferShortResponse(t *testing.T) {
	p, _ := scripted("-1.0E-09A,+1.0E+00\n")
	if _, err := p.DrainBuffer(2); err == nil {
		t.Error("short buffer response did not error")
	}
}
