package sensor

import (
	"encoding/binary"
	"math"

	"github.com/jwoglom/collarlink/pkg/record"
)

// Activity classes reported in the first summary byte
const (
	ActivityRest uint8 = iota
	ActivityWalk
	ActivityRun
)

// accelerometer counts per g at the default range
const countsPerG = 16384

// Summarize reduces one raw record to an activity summary.
// Layout: class(1) | frames(1) | mean_accel(2) | min_accel(2) | max_accel(2) | mean_gyro(2) | crossings(2) | reserved(4)
// Magnitudes are in milli-g and deg/s*10 respectively.
func Summarize(r *record.RawIMURecord) [record.ActivitySummaryLen]byte {
	var sum [record.ActivitySummaryLen]byte

	var accSum, gyroSum float64
	minAcc, maxAcc := math.MaxFloat64, 0.0
	crossings := 0
	for i, f := range r.Frames {
		acc := magnitude(f.AX, f.AY, f.AZ) * 1000 / countsPerG
		accSum += acc
		minAcc = math.Min(minAcc, acc)
		maxAcc = math.Max(maxAcc, acc)
		gyroSum += magnitude(f.GX, f.GY, f.GZ) * 10 / 131

		if i > 0 && (f.AX >= 0) != (r.Frames[i-1].AX >= 0) {
			crossings++
		}
	}
	n := float64(len(r.Frames))
	spread := maxAcc - minAcc

	class := ActivityRest
	switch {
	case spread > 900:
		class = ActivityRun
	case spread > 150:
		class = ActivityWalk
	}

	sum[0] = class
	sum[1] = byte(len(r.Frames))
	binary.BigEndian.PutUint16(sum[2:], clampU16(accSum/n))
	binary.BigEndian.PutUint16(sum[4:], clampU16(minAcc))
	binary.BigEndian.PutUint16(sum[6:], clampU16(maxAcc))
	binary.BigEndian.PutUint16(sum[8:], clampU16(gyroSum/n))
	binary.BigEndian.PutUint16(sum[10:], uint16(crossings))
	return sum
}

func magnitude(x, y, z int16) float64 {
	fx, fy, fz := float64(x), float64(y), float64(z)
	return math.Sqrt(fx*fx + fy*fy + fz*fz)
}

func clampU16(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
