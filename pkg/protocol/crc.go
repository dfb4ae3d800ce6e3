package protocol

import "encoding/binary"

const (
	crcPolynomial   = 0xA001
	crcInitialValue = 0xFFFF
)

var crcTable = makeCRCTable()

func makeCRCTable() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes the CRC16/Modbus checksum of data in host order.
func CRC16(data []byte) uint16 {
	crc := uint16(crcInitialValue)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return crc
}

// appendCRC appends the big-endian CRC16 of buf to buf.
func appendCRC(buf []byte) []byte {
	var trailer [CRCSize]byte
	binary.BigEndian.PutUint16(trailer[:], CRC16(buf))
	return append(buf, trailer[:]...)
}

// checkCRC reports whether the trailing two bytes of data match the CRC16 of everything before them.
func checkCRC(data []byte) bool {
	if len(data) < CRCSize {
		return false
	}
	body := data[:len(data)-CRCSize]
	return binary.BigEndian.Uint16(data[len(data)-CRCSize:]) == CRC16(body)
}
