package thorlabs

import (
	"fmt"
	"io"
	"time"

	"github.com/optolab/gratalign/comm"

	"github.com/tarm/serial"
)

// Direction selects the sense of a jog or velocity move
type Direction byte

const (
	// Forward is the positive-going direction
	Forward Direction = 1

	// Backward is the negative-going direction
	Backward Direction = 2
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Forward {
		return Backward
	}
	return Forward
}

const (
	// jogAcceleration is the fixed jog ramp in deg/s^2 programmed with
	// every jog parameter write
	jogAcceleration = 9.96

	// jog mode 2 is single-step (mode 1 free-runs until a stop); stop
	// mode 2 is a profiled stop
	jogModeStep     = 2
	jogStopProfiled = 2

	// how long to wait for deferred completion messages on blocking calls
	completionTimeout = 60 * time.Second

	exchangeTimeout = 5 * time.Second

	defaultHomeVelocity = 10.0 // deg/s
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// RotationStage is one K10CR1 rotation axis.  The pool holds a single
// connection, so the stage is a single-writer command channel; concurrent
// callers serialize, but the contract is that one logical owner issues
// commands at a time.
type RotationStage struct {
	pool *comm.Pool

	countsPerDeg float64
	timeBase     float64

	info HardwareInfo
}

// NewRotationStage returns a stage handle for the device at addr, which is
// either a serial device path or a host:port for a networked serial server.
func NewRotationStage(addr string, connectSerial bool) *RotationStage {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, time.Minute, maker)
	return NewRotationStageFromPool(pool)
}

// NewRotationStageFromPool returns a stage handle over an existing pool
func NewRotationStageFromPool(pool *comm.Pool) *RotationStage {
	return &RotationStage{
		pool:         pool,
		countsPerDeg: K10CR1EncoderCounts,
		timeBase:     K10CR1TimeBase,
	}
}

// FindStages opens each address and queries hardware info, returning a
// handle per responsive device.  Callers select stages into roles (roll,
// pitch) by serial number; nothing here is a package-level singleton.
func FindStages(addrs []string, connectSerial bool) ([]*RotationStage, error) {
	stages := make([]*RotationStage, 0, len(addrs))
	for _, addr := range addrs {
		s := NewRotationStage(addr, connectSerial)
		info, err := s.Identify()
		if err != nil {
			return stages, fmt.Errorf("thorlabs: no APT device at %s: %w", addr, err)
		}
		_ = info
		stages = append(stages, s)
	}
	return stages, nil
}

// send transmits a message without waiting for a reply
func (s *RotationStage) send(m message) (err error) {
	conn, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.pool.ReturnWithError(conn, err) }()
	_, err = conn.Write(m.encode())
	return err
}

// exchange transmits a message and reads frames until one with the wanted
// id arrives.  Deferred completion notices from earlier moves are discarded;
// they are not errors, just stale.
func (s *RotationStage) exchange(m message, wantID uint16, timeout time.Duration) (resp message, err error) {
	conn, err := s.pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.pool.ReturnWithError(conn, err) }()
	var rw io.ReadWriter = conn
	if wrapped, terr := comm.NewTimeout(conn, timeout); terr == nil {
		rw = wrapped
	}
	_, err = rw.Write(m.encode())
	if err != nil {
		return resp, err
	}
	deadline := time.Now().Add(timeout)
	for {
		resp, err = decodeMessage(rw)
		if err != nil {
			return resp, err
		}
		if resp.ID == wantID {
			return resp, nil
		}
		if time.Now().After(deadline) {
			return resp, fmt.Errorf("thorlabs: timed out waiting for message %#04x", wantID)
		}
	}
}

// waitFor blocks until the device pushes the given message id, e.g. a
// MOVE_COMPLETED after a blocking move
func (s *RotationStage) waitFor(id uint16, timeout time.Duration) (err error) {
	conn, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.pool.ReturnWithError(conn, err) }()
	var rw io.ReadWriter = conn
	if wrapped, terr := comm.NewTimeout(conn, timeout); terr == nil {
		rw = wrapped
	}
	deadline := time.Now().Add(timeout)
	for {
		m, err := decodeMessage(rw)
		if err != nil {
			return err
		}
		if m.ID == id {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("thorlabs: timed out waiting for message %#04x", id)
		}
	}
}

// Identify queries and caches the hardware info block
func (s *RotationStage) Identify() (HardwareInfo, error) {
	resp, err := s.exchange(message{ID: msgHWReqInfo}, msgHWGetInfo, exchangeTimeout)
	if err != nil {
		return HardwareInfo{}, err
	}
	info, err := decodeHardwareInfo(resp)
	if err == nil {
		s.info = info
	}
	return info, err
}

// Serial returns the device serial number from the last Identify
func (s *RotationStage) Serial() uint32 {
	return s.info.SerialNumber
}

// Model returns the device model from the last Identify
func (s *RotationStage) Model() string {
	return s.info.Model
}

// Status reads the current status update from the device
func (s *RotationStage) Status() (Status, error) {
	resp, err := s.exchange(message{ID: msgMotReqStatusUpdate, Param1: 1}, msgMotGetStatusUpdate, exchangeTimeout)
	if err != nil {
		return Status{}, err
	}
	return decodeStatusUpdate(resp)
}

// Position returns the device-frame angle in degrees.  The device reports
// unsigned degrees in [0, 360); signed normalization is the caller's
// business.
func (s *RotationStage) Position() (float64, error) {
	st, err := s.Status()
	if err != nil {
		return 0, err
	}
	return Degrees(st.PositionCounts, s.countsPerDeg), nil
}

// Homed reports whether the stage has completed a homing move
func (s *RotationStage) Homed() (bool, error) {
	st, err := s.Status()
	if err != nil {
		return false, err
	}
	return st.Homed(), nil
}

// SetHomeDirection programs which way the stage seeks its home switch
func (s *RotationStage) SetHomeDirection(d Direction) error {
	vel := VelocityCounts(defaultHomeVelocity, s.countsPerDeg, s.timeBase)
	return s.send(encodeHomeParams(uint16(d), vel, 0))
}

// MoveHome starts a homing move.  If blocking, it waits for the deferred
// HOMED message from the device.
func (s *RotationStage) MoveHome(blocking bool) error {
	err := s.send(message{ID: msgMotMoveHome, Param1: 1})
	if err != nil || !blocking {
		return err
	}
	return s.waitFor(msgMotMoveHomed, completionTimeout)
}

// SetVelocityParams programs the trapezoidal move profile in deg/s and
// deg/s^2
func (s *RotationStage) SetVelocityParams(min, accel, max float64) error {
	return s.send(encodeVelParams(
		VelocityCounts(min, s.countsPerDeg, s.timeBase),
		AccelerationCounts(accel, s.countsPerDeg, s.timeBase),
		VelocityCounts(max, s.countsPerDeg, s.timeBase),
	))
}

// SetJogStep programs the jog step size and velocity.  Jog mode is
// single-step, the acceleration is a fixed constant, and the velocity
// window is [v, v+0.01] deg/s, matching how the stage behaves most
// repeatably on small steps.
func (s *RotationStage) SetJogStep(stepDeg, velDegPerSec float64) error {
	return s.send(encodeJogParams(
		EncoderCounts(stepDeg, s.countsPerDeg),
		VelocityCounts(velDegPerSec, s.countsPerDeg, s.timeBase),
		AccelerationCounts(jogAcceleration, s.countsPerDeg, s.timeBase),
		VelocityCounts(velDegPerSec+0.01, s.countsPerDeg, s.timeBase),
		jogModeStep,
		jogStopProfiled,
	))
}

// Jog performs a single relative move of the programmed jog size
func (s *RotationStage) Jog(d Direction) error {
	return s.send(message{ID: msgMotMoveJog, Param1: 1, Param2: byte(d)})
}

// MoveBy moves the stage by offsetDeg relative to its current position.
// If blocking, it waits for the deferred MOVE_COMPLETED message.
func (s *RotationStage) MoveBy(offsetDeg float64, blocking bool) error {
	err := s.send(encodeMoveRelative(EncoderCounts(offsetDeg, s.countsPerDeg)))
	if err != nil || !blocking {
		return err
	}
	return s.waitFor(msgMotMoveCompleted, completionTimeout)
}

// MoveAtVelocity free-runs the stage in the given direction at the
// programmed velocity until stopped
func (s *RotationStage) MoveAtVelocity(d Direction) error {
	return s.send(message{ID: msgMotMoveVelocity, Param1: 1, Param2: byte(d)})
}

// StopMotion halts the stage.  immediate skips the deceleration profile.
func (s *RotationStage) StopMotion(immediate bool) error {
	mode := byte(2) // profiled
	if immediate {
		mode = 1
	}
	return s.send(message{ID: msgMotMoveStop, Param1: 1, Param2: mode})
}
