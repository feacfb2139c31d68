package telemetry

import (
	"encoding/binary"
	"fmt"
)

// Helper functions for building and parsing telemetry payloads

func parseUint64(payload []byte, offset int) (uint64, int) {
	if offset+8 > len(payload) {
		return 0, offset
	}
	value := binary.LittleEndian.Uint64(payload[offset : offset+8])
	return value, offset + 8
}

func parseUint8(payload []byte, offset int) (uint8, int) {
	if offset+1 > len(payload) {
		return 0, offset
	}
	return payload[offset], offset + 1
}

// parseString reads a one-byte length prefix followed by that many bytes.
func parseString(payload []byte, offset int) (string, int) {
	n, next := parseUint8(payload, offset)
	if next == offset || next+int(n) > len(payload) {
		return "", offset
	}
	return string(payload[next : next+int(n)]), next + int(n)
}

// encodeString encodes a string with a one-byte length prefix, truncated to maxLen.
func encodeString(s string, maxLen int) []byte {
	if maxLen > 255 {
		maxLen = 255
	}
	b := []byte(s)
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	out := make([]byte, 0, 1+len(b))
	out = append(out, byte(len(b)))
	return append(out, b...)
}

// Uint64ToBytes converts a uint64 to little-endian bytes
func Uint64ToBytes(n uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, n)
}

// Uint32ToBytes converts a uint32 to little-endian bytes
func Uint32ToBytes(n uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, n)
}

func encodeUint64s(values ...uint64) []byte {
	out := make([]byte, 0, 8*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out
}

func decodeUint64Fields(payload []byte, names ...string) string {
	offset := 0
	out := ""
	for i, name := range names {
		var v uint64
		v, offset = parseUint64(payload, offset)
		if i > 0 {
			out += "|"
		}
		out += fmt.Sprintf("%s:%d", name, v)
	}
	return out
}
