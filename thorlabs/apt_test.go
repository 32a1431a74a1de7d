package thorlabs

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []message{
		{ID: msgMotMoveHome, Param1: 1},
		{ID: msgMotMoveJog, Param1: 1, Param2: byte(Backward)},
		{ID: msgMotMoveStop, Param1: 1, Param2: 2},
		encodeMoveRelative(-68266),
		encodeVelParams(100, 200, 300),
		encodeHomeParams(uint16(Forward), 1000, 0),
		encodeJogParams(109226, 100, 200, 300, jogModeStep, jogStopProfiled),
	}
	for _, m := range cases {
		buf := bytes.NewReader(m.encode())
		got, err := decodeMessage(buf)
		if err != nil {
			t.Fatalf("decode of %#04x: %v", m.ID, err)
		}
		if got.ID != m.ID {
			t.Errorf("id %#04x, want %#04x", got.ID, m.ID)
		}
		if len(m.Data) > 0 {
			if !bytes.Equal(got.Data, m.Data) {
				t.Errorf("data %x, want %x", got.Data, m.Data)
			}
		} else if got.Param1 != m.Param1 || got.Param2 != m.Param2 {
			t.Errorf("params %d %d, want %d %d", got.Param1, got.Param2, m.Param1, m.Param2)
		}
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	// a header-only frame addresses the device directly
	b := message{ID: msgMotMoveHome, Param1: 1}.encode()
	if len(b) != headerLen {
		t.Fatalf("header-only frame is %d bytes, want %d", len(b), headerLen)
	}
	if b[4] != deviceAddr || b[5] != hostAddr {
		t.Errorf("addresses %#02x %#02x, want %#02x %#02x", b[4], b[5], deviceAddr, hostAddr)
	}
	// a frame with data sets the high bit of the destination
	b = encodeMoveRelative(100).encode()
	if b[4] != deviceAddr|dataFollows {
		t.Errorf("destination %#02x, want %#02x", b[4], deviceAddr|dataFollows)
	}
	if int(order.Uint16(b[2:4])) != len(b)-headerLen {
		t.Errorf("advertised length %d, actual data %d", order.Uint16(b[2:4]), len(b)-headerLen)
	}
}

func TestJogParamsLayout(t *testing.T) {
	m := encodeJogParams(109226, 111, 222, 333, jogModeStep, jogStopProfiled)
	if len(m.Data) != 22 {
		t.Fatalf("jog params packet is %d bytes, want 22", len(m.Data))
	}
	if order.Uint16(m.Data[0:2]) != 1 {
		t.Error("channel != 1")
	}
	if order.Uint16(m.Data[2:4]) != jogModeStep {
		t.Error("mode != single-step")
	}
	if int32(order.Uint32(m.Data[4:8])) != 109226 {
		t.Error("step counts mangled")
	}
	if order.Uint16(m.Data[20:22]) != jogStopProfiled {
		t.Error("stop mode != profiled")
	}
}

func TestDecodeStatusUpdate(t *testing.T) {
	data := make([]byte, 14)
	order.PutUint16(data[0:2], 1)
	counts := int32(-4096000)
	order.PutUint32(data[2:6], uint32(counts))
	order.PutUint32(data[10:14], statusHomed|statusMovingForward)
	st, err := decodeStatusUpdate(message{ID: msgMotGetStatusUpdate, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if st.PositionCounts != -4096000 {
		t.Errorf("position %d, want -4096000", st.PositionCounts)
	}
	if !st.Homed() || !st.Moving() {
		t.Errorf("flags homed=%v moving=%v, want both true", st.Homed(), st.Moving())
	}
	if _, err := decodeStatusUpdate(message{ID: msgMotMoveCompleted}); err == nil {
		t.Error("wrong message id accepted as status update")
	}
	if _, err := decodeStatusUpdate(message{ID: msgMotGetStatusUpdate, Data: data[:8]}); err == nil {
		t.Error("truncated packet accepted")
	}
}

func TestDecodeHardwareInfo(t *testing.T) {
	data := make([]byte, 84)
	order.PutUint32(data[0:4], 27259431)
	copy(data[4:12], "K10CR1\x00\x00")
	info, err := decodeHardwareInfo(message{ID: msgHWGetInfo, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if info.SerialNumber != 27259431 {
		t.Errorf("serial %d, want 27259431", info.SerialNumber)
	}
	if info.Model != "K10CR1" {
		t.Errorf("model %q, want K10CR1", info.Model)
	}
}

func TestUnitConversionsTruncate(t *testing.T) {
	if got := EncoderCounts(1, K10CR1EncoderCounts); got != 136533 {
		t.Errorf("1 deg = %d counts, want 136533", got)
	}
	// truncation toward zero, both signs
	if got := EncoderCounts(0.8, K10CR1EncoderCounts); got != 109226 {
		t.Errorf("0.8 deg = %d counts, want 109226", got)
	}
	if got := EncoderCounts(-0.5, K10CR1EncoderCounts); got != -68266 {
		t.Errorf("-0.5 deg = %d counts, want -68266", got)
	}
	deg := Degrees(136533, K10CR1EncoderCounts)
	if deg > 1 || deg < 0.99999 {
		t.Errorf("136533 counts = %v deg, want just under 1", deg)
	}
	v := VelocityCounts(10, K10CR1EncoderCounts, K10CR1TimeBase)
	v2 := VelocityCounts(10.0000001, K10CR1EncoderCounts, K10CR1TimeBase)
	if v2 < v {
		t.Error("velocity conversion not monotonic")
	}
	if v <= 0 {
		t.Errorf("velocity word %d, want positive", v)
	}
	a := AccelerationCounts(jogAcceleration, K10CR1EncoderCounts, K10CR1TimeBase)
	if a <= 0 {
		t.Errorf("acceleration word %d, want positive", a)
	}
}

func TestDirectionOpposite(t *testing.T) {
	if Forward.Opposite() != Backward || Backward.Opposite() != Forward {
		t.Error("Opposite does not flip")
	}
}
