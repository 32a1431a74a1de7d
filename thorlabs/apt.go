/*Package thorlabs provides an interface to Thorlabs motion stages speaking
the APT binary protocol.

APT messages are a fixed 6-byte little endian header, optionally followed by
a data packet:

	| msg id (u16) | param1 | param2 | dest | source |

when a data packet follows, param1/param2 are reinterpreted as the packet
length and the destination byte has its high bit set.  Replies from the
device use the same framing.
*/
package thorlabs

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerLen = 6

	// addresses on the APT bus
	hostAddr   = 0x01
	deviceAddr = 0x50

	// dataFollows is OR'd into the destination byte when a data packet
	// trails the header
	dataFollows = 0x80
)

// message ids used by the rotation stage driver
const (
	msgHWReqInfo          = 0x0005
	msgHWGetInfo          = 0x0006
	msgMotSetVelParams    = 0x0413
	msgMotSetJogParams    = 0x0416
	msgMotSetHomeParams   = 0x0440
	msgMotMoveHome        = 0x0443
	msgMotMoveHomed       = 0x0444
	msgMotMoveRelative    = 0x0448
	msgMotMoveCompleted   = 0x0464
	msgMotMoveJog         = 0x046A
	msgMotMoveVelocity    = 0x0457
	msgMotMoveStop        = 0x0465
	msgMotReqStatusUpdate = 0x0480
	msgMotGetStatusUpdate = 0x0481
)

// status bit masks from the GET_STATUSUPDATE bitfield
const (
	statusMovingForward  = 0x0010
	statusMovingBackward = 0x0020
	statusJoggingForward = 0x0040
	statusJoggingBack    = 0x0080
	statusHoming         = 0x0200
	statusHomed          = 0x0400
)

var order = binary.LittleEndian

// message is one APT frame, header plus optional data packet
type message struct {
	ID             uint16
	Param1, Param2 byte
	Data           []byte
}

// encode serializes the message for the wire
func (m message) encode() []byte {
	buf := make([]byte, headerLen+len(m.Data))
	order.PutUint16(buf[0:2], m.ID)
	if len(m.Data) > 0 {
		order.PutUint16(buf[2:4], uint16(len(m.Data)))
		buf[4] = deviceAddr | dataFollows
	} else {
		buf[2] = m.Param1
		buf[3] = m.Param2
		buf[4] = deviceAddr
	}
	buf[5] = hostAddr
	copy(buf[headerLen:], m.Data)
	return buf
}

// decodeMessage reads one frame from r, consuming the trailing data packet
// if the header advertises one
func decodeMessage(r io.Reader) (message, error) {
	var m message
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return m, err
	}
	m.ID = order.Uint16(hdr[0:2])
	if hdr[4]&dataFollows != 0 {
		n := order.Uint16(hdr[2:4])
		m.Data = make([]byte, n)
		if _, err := io.ReadFull(r, m.Data); err != nil {
			return m, err
		}
	} else {
		m.Param1 = hdr[2]
		m.Param2 = hdr[3]
	}
	return m, nil
}

// Status is the decoded status portion of a GET_STATUSUPDATE reply
type Status struct {
	// PositionCounts is the raw encoder position
	PositionCounts int32

	// Bits is the raw status bitfield
	Bits uint32
}

// Moving reports whether any of the motion bits are set
func (s Status) Moving() bool {
	return s.Bits&(statusMovingForward|statusMovingBackward|statusJoggingForward|statusJoggingBack|statusHoming) != 0
}

// Homed reports the homed bit
func (s Status) Homed() bool {
	return s.Bits&statusHomed != 0
}

// decodeStatusUpdate unpacks a GET_STATUSUPDATE data packet
// (chan u16, position i32, encoder count i32, status bits u32)
func decodeStatusUpdate(m message) (Status, error) {
	if m.ID != msgMotGetStatusUpdate {
		return Status{}, fmt.Errorf("thorlabs: expected status update (%#04x), got message %#04x", msgMotGetStatusUpdate, m.ID)
	}
	if len(m.Data) < 14 {
		return Status{}, fmt.Errorf("thorlabs: status update packet truncated, %d bytes", len(m.Data))
	}
	return Status{
		PositionCounts: int32(order.Uint32(m.Data[2:6])),
		Bits:           order.Uint32(m.Data[10:14]),
	}, nil
}

// HardwareInfo is the decoded HW_GET_INFO data packet, truncated to the
// fields the driver cares about
type HardwareInfo struct {
	SerialNumber uint32
	Model        string
}

func decodeHardwareInfo(m message) (HardwareInfo, error) {
	if m.ID != msgHWGetInfo {
		return HardwareInfo{}, fmt.Errorf("thorlabs: expected hardware info (%#04x), got message %#04x", msgHWGetInfo, m.ID)
	}
	if len(m.Data) < 12 {
		return HardwareInfo{}, fmt.Errorf("thorlabs: hardware info packet truncated, %d bytes", len(m.Data))
	}
	model := m.Data[4:12]
	end := len(model)
	for end > 0 && (model[end-1] == 0 || model[end-1] == ' ') {
		end--
	}
	return HardwareInfo{
		SerialNumber: order.Uint32(m.Data[0:4]),
		Model:        string(model[:end]),
	}, nil
}

// jogParams is the SET_JOGPARAMS data packet
// (chan u16, mode u16, step i32, min vel i32, accel i32, max vel i32, stop mode u16)
func encodeJogParams(stepCounts, minVel, accel, maxVel int32, mode, stopMode uint16) message {
	data := make([]byte, 22)
	order.PutUint16(data[0:2], 1) // channel
	order.PutUint16(data[2:4], mode)
	order.PutUint32(data[4:8], uint32(stepCounts))
	order.PutUint32(data[8:12], uint32(minVel))
	order.PutUint32(data[12:16], uint32(accel))
	order.PutUint32(data[16:20], uint32(maxVel))
	order.PutUint16(data[20:22], stopMode)
	return message{ID: msgMotSetJogParams, Data: data}
}

// velParams is the SET_VELPARAMS data packet
// (chan u16, min vel i32, accel i32, max vel i32)
func encodeVelParams(minVel, accel, maxVel int32) message {
	data := make([]byte, 14)
	order.PutUint16(data[0:2], 1)
	order.PutUint32(data[2:6], uint32(minVel))
	order.PutUint32(data[6:10], uint32(accel))
	order.PutUint32(data[10:14], uint32(maxVel))
	return message{ID: msgMotSetVelParams, Data: data}
}

// homeParams is the SET_HOMEPARAMS data packet
// (chan u16, direction u16, limit switch u16, velocity i32, offset i32)
func encodeHomeParams(direction uint16, velocity, offset int32) message {
	data := make([]byte, 14)
	order.PutUint16(data[0:2], 1)
	order.PutUint16(data[2:4], direction)
	order.PutUint16(data[4:6], 1) // hardware reverse limit switch
	order.PutUint32(data[6:10], uint32(velocity))
	order.PutUint32(data[10:14], uint32(offset))
	return message{ID: msgMotSetHomeParams, Data: data}
}

// moveRelative is the MOVE_RELATIVE data packet (chan u16, distance i32)
func encodeMoveRelative(counts int32) message {
	data := make([]byte, 6)
	order.PutUint16(data[0:2], 1)
	order.PutUint32(data[2:6], uint32(counts))
	return message{ID: msgMotMoveRelative, Data: data}
}
