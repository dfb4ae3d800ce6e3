package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Frame layout: StartByte(1) | FrameLen(2, BE) | FrameType(1) | Cmd(1) | Payload | CRC16(2, BE)
// FrameLen counts every byte of the frame, header and checksum included.
const (
	HeaderSize   = 5
	CRCSize      = 2
	MinFrameSize = HeaderSize + CRCSize
	MaxFrameSize = 0xFFFF

	// LegacyHeaderSize is the single start-of-header byte of legacy responses
	LegacyHeaderSize = 1
)

// Frame is a decoded full-header message
type Frame struct {
	Start   StartByte
	Length  uint16 // filled in by Decode; Encode recomputes it
	Type    FrameType
	Cmd     Opcode
	Payload []byte
}

// NewCommand builds a mobile-to-device command frame
func NewCommand(op Opcode, payload []byte) *Frame {
	return &Frame{
		Start:   StartToDevice,
		Type:    FrameCommand,
		Cmd:     op,
		Payload: payload,
	}
}

// NewReport builds a device-to-mobile report frame
func NewReport(op Opcode, payload []byte) *Frame {
	return &Frame{
		Start:   StartToMobile,
		Type:    FrameReport,
		Cmd:     op,
		Payload: payload,
	}
}

// Encode serializes f and appends a freshly computed checksum
func Encode(f *Frame) ([]byte, error) {
	total := HeaderSize + len(f.Payload) + CRCSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	buf := make([]byte, HeaderSize, total)
	buf[0] = byte(f.Start)
	binary.BigEndian.PutUint16(buf[1:3], uint16(total))
	buf[3] = byte(f.Type)
	buf[4] = byte(f.Cmd)
	buf = append(buf, f.Payload...)

	f.Length = uint16(total)

	return appendCRC(buf), nil
}

// Decode validates the checksum and parses a full-header frame. Nothing past the
// checksum check is looked at until the trailer matches.
func Decode(data []byte) (*Frame, error) {
	if len(data) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	if !checkCRC(data) {
		return nil, ErrInvalidChecksum
	}

	length := binary.BigEndian.Uint16(data[1:3])
	if int(length) != len(data) {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, length, len(data))
	}

	payload := make([]byte, len(data)-MinFrameSize)
	copy(payload, data[HeaderSize:len(data)-CRCSize])

	return &Frame{
		Start:   StartByte(data[0]),
		Length:  length,
		Type:    FrameType(data[3]),
		Cmd:     Opcode(data[4]),
		Payload: payload,
	}, nil
}

// EncodeLegacy builds the legacy response shape: SOH | payload | CRC16
func EncodeLegacy(payload []byte) []byte {
	buf := make([]byte, 0, LegacyHeaderSize+len(payload)+CRCSize)
	buf = append(buf, LegacySOH)
	buf = append(buf, payload...)
	return appendCRC(buf)
}

// DecodeLegacy validates a legacy response and returns its payload
func DecodeLegacy(data []byte) ([]byte, error) {
	if len(data) < LegacyHeaderSize+CRCSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if !checkCRC(data) {
		return nil, ErrInvalidChecksum
	}
	if data[0] != LegacySOH {
		return nil, fmt.Errorf("unexpected start-of-header 0x%02X", data[0])
	}

	payload := make([]byte, len(data)-LegacyHeaderSize-CRCSize)
	copy(payload, data[LegacyHeaderSize:len(data)-CRCSize])
	return payload, nil
}

// LogFrame logs a frame in a readable format
func LogFrame(direction string, data []byte) {
	if len(data) < MinFrameSize {
		log.Debugf("%s %d bytes: %s", direction, len(data), hex.EncodeToString(data))
		return
	}

	if data[0] == LegacySOH && binary.BigEndian.Uint16(data[1:3]) != uint16(len(data)) {
		log.Tracef("%s legacy frame, %d bytes: %s", direction, len(data), hex.EncodeToString(data))
		return
	}

	log.Debugf("%s frame: start=0x%02X, len=%d, type=0x%02X, cmd=%s, payload=%s",
		direction, data[0], binary.BigEndian.Uint16(data[1:3]), data[3], Opcode(data[4]),
		hex.EncodeToString(data[HeaderSize:len(data)-CRCSize]))
}
