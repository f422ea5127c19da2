package protocolstate

import "encoding/binary"

// First-byte packet discriminators.
const (
	HeaderOK         byte = 0x00
	HeaderEOF        byte = 0xfe
	HeaderErr        byte = 0xff
	HeaderLocalInfile byte = 0xfb
)

// EncodeOK builds an OK_Packet payload.
func EncodeOK(affectedRows, lastInsertID uint64, statusFlags uint16, warnings uint16, info string) []byte {
	buf := []byte{HeaderOK}
	buf = appendLenEncInt(buf, affectedRows)
	buf = appendLenEncInt(buf, lastInsertID)
	buf = append(buf, byte(statusFlags), byte(statusFlags>>8))
	buf = append(buf, byte(warnings), byte(warnings>>8))
	buf = append(buf, info...)
	return buf
}

// EncodeEOF builds a (pre-deprecate-EOF) EOF_Packet payload.
func EncodeEOF(warnings, statusFlags uint16) []byte {
	return []byte{HeaderEOF, byte(warnings), byte(warnings >> 8), byte(statusFlags), byte(statusFlags >> 8)}
}

// EncodeErr builds an ERR_Packet payload with the '#' SQL-state marker,
// matching the teacher's sendMySQLError layout in internal/proxy/mysql.go.
func EncodeErr(code uint16, sqlState, message string) []byte {
	buf := []byte{HeaderErr, byte(code), byte(code >> 8), '#'}
	state := sqlState
	for len(state) < 5 {
		state += " "
	}
	buf = append(buf, state[:5]...)
	buf = append(buf, message...)
	return buf
}

// Well-known error codes used by the command-phase dispatcher.
const (
	ErrAccessDenied     uint16 = 1045
	ErrBadDB            uint16 = 1049
	ErrUnknownCom       uint16 = 1047
	SQLStateAccessDenied       = "28000"
	SQLStateConnReject         = "08S01"
)

func appendLenEncInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(buf, byte(v))
	case v <= 0xffff:
		return append(buf, 0xfc, byte(v), byte(v>>8))
	case v <= 0xffffff:
		return append(buf, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		out := append(buf, 0xfe)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(out, b[:]...)
	}
}
