package protocol

import "errors"

var (
	ErrShortFrame      = errors.New("frame shorter than header and checksum")
	ErrInvalidChecksum = errors.New("frame checksum mismatch")
	ErrLengthMismatch  = errors.New("frame length field does not match received bytes")
	ErrShortPayload    = errors.New("payload too short for opcode")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum length")
)
