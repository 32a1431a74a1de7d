package thorlabs

// Unit conversion between logical degrees and APT device counts.  Scale
// factors come from the APT protocol document: a counts-per-degree encoder
// constant, the controller sampling period T, and a 16-bit fractional scale
// on velocity and acceleration words.  Conversions truncate rather than
// round; the firmware truncates, and matching it keeps positions bit-exact
// with what the controller will report back.

const (
	// K10CR1EncoderCounts is the encoder resolution of the K10CR1 rotation
	// stage in counts per degree (409600/3)
	K10CR1EncoderCounts = 136533.3333333333

	// K10CR1TimeBase is the controller sampling period in seconds
	K10CR1TimeBase = 2048.0 / 6.0e6

	// fractionalScale is the 2^16 fixed-point scale on velocity and
	// acceleration words
	fractionalScale = 65536.0
)

// EncoderCounts converts an angle in degrees to encoder counts
func EncoderCounts(deg, countsPerDeg float64) int32 {
	return int32(deg * countsPerDeg)
}

// Degrees converts encoder counts to an angle in degrees
func Degrees(counts int32, countsPerDeg float64) float64 {
	return float64(counts) / countsPerDeg
}

// VelocityCounts converts an angular velocity in deg/s to the device's
// scaled velocity word
func VelocityCounts(degPerSec, countsPerDeg, timeBase float64) int32 {
	return int32(degPerSec * countsPerDeg * timeBase * fractionalScale)
}

// AccelerationCounts converts an angular acceleration in deg/s^2 to the
// device's scaled acceleration word
func AccelerationCounts(degPerSecSq, countsPerDeg, timeBase float64) int32 {
	return int32(degPerSecSq * countsPerDeg * timeBase * timeBase * fractionalScale)
}
