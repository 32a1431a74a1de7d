// Package agilent provides an interface to Agilent test and measurement
// equipment, currently the E364A DC power supply used to drive the optical
// source.
package agilent

import (
	"fmt"
	"time"

	"github.com/optolab/gratalign/comm"
	"github.com/optolab/gratalign/scpi"

	"github.com/tarm/serial"
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        57600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// E364A represents an Agilent E364A DC power supply
type E364A struct {
	scpi.SCPI
}

// NewE364A returns a new E364A.  addr is either a host:port for a GPIB-LAN
// bridge or a filesystem path to a serial device.
func NewE364A(addr string, connectSerial bool) *E364A {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, time.Minute, maker)
	return &E364A{scpi.SCPI{Pool: pool}}
}

// NewE364AFromPool returns an E364A over an existing pool
func NewE364AFromPool(pool *comm.Pool) *E364A {
	return &E364A{scpi.SCPI{Pool: pool}}
}

// Reset issues *RST, restoring the supply to its power-on state with the
// output disabled
func (ps *E364A) Reset() error {
	return ps.Write("*RST")
}

// Apply programs the output voltage and current limit in one command
func (ps *E364A) Apply(voltage, current float64) error {
	return ps.Write(fmt.Sprintf("APPL %0.3f, %0.3f", voltage, current))
}

// SetOutput enables or disables the output terminals
func (ps *E364A) SetOutput(on bool) error {
	if on {
		return ps.Write("OUTP ON")
	}
	return ps.Write("OUTP OFF")
}

// Trigger fires the trigger subsystem, latching the applied settings
func (ps *E364A) Trigger() error {
	return ps.Write("*TRG")
}

// ReadVoltage returns the measured output voltage in volts
func (ps *E364A) ReadVoltage() (float64, error) {
	return ps.ReadFloat("MEAS:VOLT?")
}

// ReadCurrent returns the measured output current in amps
func (ps *E364A) ReadCurrent() (float64, error) {
	return ps.ReadFloat("MEAS:CURR?")
}
