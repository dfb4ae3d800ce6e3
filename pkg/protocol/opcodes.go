package protocol

import "fmt"

// StartByte identifies the direction of a framed message
type StartByte uint8

const (
	StartToDevice StartByte = 0x01
	StartToMobile StartByte = 0x02

	// LegacySOH is the only header byte of the legacy response shape
	LegacySOH byte = 0x02
)

// FrameType distinguishes commands from reports
type FrameType uint8

const (
	FrameCommand FrameType = 0xF1
	FrameReport  FrameType = 0xF2
)

// Opcode identifies a command
type Opcode uint8

const (
	OpStartStopRecording         Opcode = 0x10
	OpReadSessionDetailsRawIMU   Opcode = 0x11
	OpReadSessionDataRawIMU      Opcode = 0x12
	OpReadSessionDetailsActivity Opcode = 0x13
	OpReadSessionDataActivity    Opcode = 0x14
	OpStartStopContinuous        Opcode = 0x17
	OpStartStopLiveRawIMU        Opcode = 0x18
	OpGetContinuousStatus        Opcode = 0x1B
	OpReadContinuousDetails      Opcode = 0x1C
	OpReadRawDataChunk           Opcode = 0x1D
	OpDeleteRawDataChunk         Opcode = 0x1E
	OpDeleteRecordingSession     Opcode = 0x1F
	OpReadActivityDataChunk      Opcode = 0x20
)

func (o Opcode) String() string {
	switch o {
	case OpStartStopRecording:
		return "StartStopRecording"
	case OpReadSessionDetailsRawIMU:
		return "ReadSessionDetailsRawIMU"
	case OpReadSessionDataRawIMU:
		return "ReadSessionDataRawIMU"
	case OpReadSessionDetailsActivity:
		return "ReadSessionDetailsActivity"
	case OpReadSessionDataActivity:
		return "ReadSessionDataActivity"
	case OpStartStopContinuous:
		return "StartStopContinuous"
	case OpStartStopLiveRawIMU:
		return "StartStopLiveRawIMU"
	case OpGetContinuousStatus:
		return "GetContinuousStatus"
	case OpReadContinuousDetails:
		return "ReadContinuousDetails"
	case OpReadRawDataChunk:
		return "ReadRawDataChunk"
	case OpDeleteRawDataChunk:
		return "DeleteRawDataChunk"
	case OpDeleteRecordingSession:
		return "DeleteRecordingSession"
	case OpReadActivityDataChunk:
		return "ReadActivityDataChunk"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
	}
}

// Ack is the acknowledgement code carried in full-header responses
type Ack uint8

const (
	AckNone               Ack = 0x00
	AckSlaveDeviceFailure Ack = 0x04
	AckNegative           Ack = 0x07
	AckStorageFailure     Ack = 0x13
)

func (a Ack) String() string {
	switch a {
	case AckNone:
		return "None"
	case AckSlaveDeviceFailure:
		return "SlaveDeviceFailure"
	case AckNegative:
		return "NegativeAck"
	case AckStorageFailure:
		return "StorageFailure"
	default:
		return fmt.Sprintf("Ack(0x%02X)", uint8(a))
	}
}

// Shape selects which of the two response layouts an opcode uses
type Shape int

const (
	ShapeFull Shape = iota
	ShapeLegacy
)

// ResponseShape returns the layout used to answer op. Record reads answer with the
// legacy single-byte header when the record was found; every other response,
// including a failed record read, carries the full header.
func ResponseShape(op Opcode, ok bool) Shape {
	switch op {
	case OpReadSessionDataRawIMU, OpReadSessionDataActivity:
		if ok {
			return ShapeLegacy
		}
	}
	return ShapeFull
}
