// Package record holds the on-flash binary record formats and the session naming scheme.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind selects which record format a session file holds
type Kind int

const (
	KindRawIMU Kind = iota
	KindActivity
)

func (k Kind) String() string {
	switch k {
	case KindRawIMU:
		return "raw"
	case KindActivity:
		return "activity"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Size returns the serialized size of one record of this kind
func (k Kind) Size() int {
	if k == KindActivity {
		return ActivityRecordSize
	}
	return RawIMURecordSize
}

const (
	// RawFramesPerRecord is the number of IMU samples batched into one raw record
	RawFramesPerRecord = 40

	// SentinelRecordNum marks a record that could not be read
	SentinelRecordNum = 0xFFFF

	recordHeaderSize   = 8 + 4
	rawFrameSize       = 6 * 2
	RawIMURecordSize   = recordHeaderSize + RawFramesPerRecord*rawFrameSize
	ActivitySummaryLen = 16
	ActivityRecordSize = recordHeaderSize + ActivitySummaryLen
)

var ErrShortRecord = errors.New("record buffer too short")

// RawFrame is one six-axis IMU sample
type RawFrame struct {
	AX, AY, AZ int16
	GX, GY, GZ int16
}

// RawIMURecord is a batch of RawFramesPerRecord samples.
// Layout: timestamp(8) | record_num(4) | 40 x (ax, ay, az, gx, gy, gz)(2 each), big-endian.
type RawIMURecord struct {
	Timestamp uint64
	RecordNum uint32
	Frames    [RawFramesPerRecord]RawFrame
}

// MarshalBinary encodes the record
func (r *RawIMURecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, RawIMURecordSize)
	binary.BigEndian.PutUint64(b[0:8], r.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], r.RecordNum)

	off := recordHeaderSize
	for _, f := range r.Frames {
		for _, v := range [6]int16{f.AX, f.AY, f.AZ, f.GX, f.GY, f.GZ} {
			binary.BigEndian.PutUint16(b[off:], uint16(v))
			off += 2
		}
	}
	return b, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary
func (r *RawIMURecord) UnmarshalBinary(b []byte) error {
	if len(b) < RawIMURecordSize {
		return fmt.Errorf("%w: raw record needs %d bytes, got %d", ErrShortRecord, RawIMURecordSize, len(b))
	}
	r.Timestamp = binary.BigEndian.Uint64(b[0:8])
	r.RecordNum = binary.BigEndian.Uint32(b[8:12])

	off := recordHeaderSize
	next := func() int16 {
		v := int16(binary.BigEndian.Uint16(b[off:]))
		off += 2
		return v
	}
	for i := range r.Frames {
		r.Frames[i] = RawFrame{AX: next(), AY: next(), AZ: next(), GX: next(), GY: next(), GZ: next()}
	}
	return nil
}

// ActivityRecord carries a classifier summary.
// Layout: timestamp(8) | record_num(4) | summary(16), big-endian.
type ActivityRecord struct {
	Timestamp uint64
	RecordNum uint32
	Summary   [ActivitySummaryLen]byte
}

// MarshalBinary encodes the record
func (r *ActivityRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, ActivityRecordSize)
	binary.BigEndian.PutUint64(b[0:8], r.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], r.RecordNum)
	copy(b[recordHeaderSize:], r.Summary[:])
	return b, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary
func (r *ActivityRecord) UnmarshalBinary(b []byte) error {
	if len(b) < ActivityRecordSize {
		return fmt.Errorf("%w: activity record needs %d bytes, got %d", ErrShortRecord, ActivityRecordSize, len(b))
	}
	r.Timestamp = binary.BigEndian.Uint64(b[0:8])
	r.RecordNum = binary.BigEndian.Uint32(b[8:12])
	copy(r.Summary[:], b[recordHeaderSize:ActivityRecordSize])
	return nil
}

// Sentinel returns the serialized placeholder sent when a record of kind cannot be read.
// Every byte is zero except record_num.
func Sentinel(kind Kind) []byte {
	if kind == KindActivity {
		b, _ := (&ActivityRecord{RecordNum: SentinelRecordNum}).MarshalBinary()
		return b
	}
	b, _ := (&RawIMURecord{RecordNum: SentinelRecordNum}).MarshalBinary()
	return b
}

// RecordNum extracts the record number from a serialized record of either kind
func RecordNum(b []byte) (uint32, error) {
	if len(b) < recordHeaderSize {
		return 0, ErrShortRecord
	}
	return binary.BigEndian.Uint32(b[8:12]), nil
}

// SetRecordNum stamps num into a serialized record of either kind
func SetRecordNum(b []byte, num uint32) error {
	if len(b) < recordHeaderSize {
		return ErrShortRecord
	}
	binary.BigEndian.PutUint32(b[8:12], num)
	return nil
}
