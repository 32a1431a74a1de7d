// Package keithley provides an interface to Keithley picoammeters
package keithley

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/optolab/gratalign/comm"
	"github.com/optolab/gratalign/scpi"

	"github.com/tarm/serial"
)

// sweepRecordFields is the number of comma separated fields per buffered
// reading when FORM:ELEM ALL is in effect (reading, timestamp, status,
// source voltage)
const sweepRecordFields = 4

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// Sample is one buffered reading drained from the instrument
type Sample struct {
	// Current is the measured current in amps
	Current float64

	// Timestamp is the instrument-relative timestamp in seconds
	Timestamp float64

	// Status is the raw status register value for the reading
	Status float64

	// SourceVoltage is the bias source voltage at the time of the reading
	SourceVoltage float64
}

// Picoammeter represents a Keithley 6487 picoammeter
type Picoammeter struct {
	scpi.SCPI
}

// NewPicoammeter returns a new Picoammeter.  addr is either a host:port for
// a GPIB-LAN bridge or a filesystem path to a serial device.  The pool is
// sized at one connection, so commands are strictly ordered.
func NewPicoammeter(addr string, connectSerial bool) *Picoammeter {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, time.Minute, maker)
	return &Picoammeter{scpi.SCPI{Pool: pool, Delay: 100 * time.Millisecond}}
}

// NewPicoammeterFromPool returns a Picoammeter over an existing pool, e.g.
// one backed by a USBTMC connection maker.
func NewPicoammeterFromPool(pool *comm.Pool) *Picoammeter {
	return &Picoammeter{scpi.SCPI{Pool: pool, Delay: 100 * time.Millisecond}}
}

// Reset issues *RST, restoring the instrument to its power-on state
func (p *Picoammeter) Reset() error {
	return p.Write("*RST")
}

// Configure performs the basic measurement setup: a reset to the power-on
// state, zero check off, repeating average filter over three readings, the
// given integration time, and an initiate so the first READ? is not stale.
func (p *Picoammeter) Configure(nplc float64) error {
	if err := p.Reset(); err != nil {
		return err
	}
	cmds := [][]string{
		{"SYST:ZCH OFF"},
		{fmt.Sprintf("AVER:COUN %d", 3)},
		{"AVER:TCON REP"},
		{"AVER ON"},
		{fmt.Sprintf("SENS:CURR:NPLC %0.2f", nplc)},
		{"INIT"},
	}
	for _, c := range cmds {
		if err := p.Write(c...); err != nil {
			return err
		}
	}
	return nil
}

// SetBiasVoltage programs the voltage source.  The order matters: range and
// level first, then the current limit, and output enable only after the
// limit is in place.
func (p *Picoammeter) SetBiasVoltage(v float64) error {
	cmds := []string{
		"SOUR:VOLT:RANG 10",
		fmt.Sprintf("SOUR:VOLT %.2f", v),
		"SOUR:VOLT:ILIM 2.5e-5",
		"SOUR:VOLT:STAT ON",
	}
	for _, c := range cmds {
		if err := p.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// ReadCurrent triggers and returns a single current reading in amps
func (p *Picoammeter) ReadCurrent() (float64, error) {
	if err := p.Write("INIT"); err != nil {
		return 0, err
	}
	resp, err := p.ReadString("READ?")
	if err != nil {
		return 0, err
	}
	return parseReading(resp)
}

// parseReading extracts the current from a READ? response, which looks like
// "-1.234567E-09A,+0.000E+00,+0.000E+00"; the unit suffix is stripped from
// the leading field.
func parseReading(resp string) (float64, error) {
	field := strings.SplitN(resp, ",", 2)[0]
	field = strings.TrimSuffix(strings.TrimSpace(field), "A")
	return strconv.ParseFloat(field, 64)
}

// SweepArmCount returns the trigger arm count for a linear sweep from start
// to stop with the given step: one sample per step boundary, inclusive.
func SweepArmCount(start, stop, step float64) int {
	return int(math.Ceil(math.Abs(stop-start)/step)) + 1
}

// ArmBufferedSweep programs a device-side linear sweep and arms the trigger
// model for it.  delay is the per-point trigger delay.  The returned count
// is the number of samples the instrument is armed to take.
func (p *Picoammeter) ArmBufferedSweep(start, stop, step float64, delay time.Duration) (int, error) {
	n := SweepArmCount(start, stop, step)
	cmds := []string{
		"SYST:ZCH OFF",
		fmt.Sprintf("SOUR:VOLT:SWE:STAR %0.1f", start),
		fmt.Sprintf("SOUR:VOLT:SWE:STOP %0.1f", stop),
		fmt.Sprintf("SOUR:VOLT:SWE:STEP %0.2f", step),
		fmt.Sprintf("SOUR:VOLT:SWE:DEL %0.3f", delay.Seconds()),
		"FORM:ELEM ALL", // include all elements in the trace data
		"FORM:SREG ASC", // status register reads back as decimal ascii
		fmt.Sprintf("ARM:COUN %d", n),
	}
	for _, c := range cmds {
		if err := p.Write(c); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// StartSweep initiates the programmed sweep and the trigger model
func (p *Picoammeter) StartSweep() error {
	if err := p.Write("SOUR:VOLT:SWE:INIT"); err != nil {
		return err
	}
	return p.Write("INIT")
}

// ConfigureContinuousTrigger sets up free-running acquisition: a single
// immediate arm with an infinite trigger count.  Used when readings are
// buffered while an axis moves at constant velocity.
func (p *Picoammeter) ConfigureContinuousTrigger() error {
	cmds := []string{
		"ARM:SOUR IMM",
		"ARM:COUN 1",
		"TRIG:SOUR IMM",
		"TRIG:COUN INF",
	}
	for _, c := range cmds {
		if err := p.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// Initiate triggers the armed acquisition without reprogramming anything
func (p *Picoammeter) Initiate() error {
	return p.Write("INIT")
}

// Abort halts the trigger model, freezing the buffer contents
func (p *Picoammeter) Abort() error {
	return p.Write("ABOR")
}

// BufferedSampleCount returns the number of readings actually stored in the
// buffer, which can be fewer than the armed count if the sweep was aborted
func (p *Picoammeter) BufferedSampleCount() (int, error) {
	return p.ReadInt(":TRAC:POIN:ACT?")
}

// DrainBuffer reads the trace buffer and parses it into n samples.  The
// response is one long CSV with four fields per reading and amp suffixes on
// the current values.
func (p *Picoammeter) DrainBuffer(n int) ([]Sample, error) {
	resp, err := p.ReadString(":TRAC:DATA?")
	if err != nil {
		return nil, err
	}
	resp = strings.ReplaceAll(resp, "A", "")
	fields := strings.Split(resp, ",")
	if len(fields) < n*sweepRecordFields {
		return nil, fmt.Errorf("keithley: buffer returned %d fields, want %d for %d samples",
			len(fields), n*sweepRecordFields, n)
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		base := i * sweepRecordFields
		vals := [sweepRecordFields]float64{}
		for j := 0; j < sweepRecordFields; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[base+j]), 64)
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		out[i] = Sample{
			Current:       vals[0],
			Timestamp:     vals[1],
			Status:        vals[2],
			SourceVoltage: vals[3],
		}
	}
	return out, nil
}

// SweepActive queries the status byte and reports whether the sweep is still
// running (bit 7 of *STB?)
func (p *Picoammeter) SweepActive() (bool, error) {
	if err := p.Write("*CLS"); err != nil {
		return false, err
	}
	i, err := p.ReadInt("*STB?")
	if err != nil {
		return false, err
	}
	return i&0x80 != 0, nil
}
