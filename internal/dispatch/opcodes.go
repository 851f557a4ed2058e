// Package dispatch implements the opcode catalogue and per-EXECUTE
// dispatch logic: arity/length validation, decoding big-endian scalars
// off the argument stack, invoking the host operation, and encoding
// results.
package dispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/daedaluz/mbedhost/internal/argstack"
)

// Opcode is a 24-bit wire opcode. Bits 4-7 encode the declared arity
// (0-15); the remaining bits identify the operation. The concrete
// per-operation bit assignment below is this implementation's own
// convention — spec.md leaves the numeric encoding externally specified
// and only fixes the arity nibble's position, so any assignment that
// keeps bits 4-7 equal to each opcode's argument count is wire-compatible
// with that contract. See DESIGN.md for the decision record.
type Opcode uint32

// Arity returns the declared argument count for any raw 24-bit opcode
// value, known or not — bits 4-7 regardless of whether the value matches
// a defined Opcode.
func Arity(raw uint32) int {
	return int((raw >> 4) & 0xF)
}

// opIndex values are this repo's own per-operation tag, occupying bits
// 8 and up; arityN below is the spec-mandated arity nibble at bits 4-7.
const (
	opIndexExit = iota + 1
	opIndexEcho
	opIndexUsleep
	opIndexSocket
	opIndexAccept
	opIndexSetBlock
	opIndexRecv
	opIndexSend
	opIndexShutdown
	opIndexFopen
	opIndexFread
	opIndexFgets
	opIndexFwrite
	opIndexFclose
	opIndexFseek
	opIndexFtell
	opIndexFerror
	opIndexDopen
	opIndexDread
	opIndexDclose
	opIndexStat
)

const (
	OpExit     = Opcode(opIndexExit<<8 | 1<<4)
	OpEcho     = Opcode(opIndexEcho<<8 | 1<<4)
	OpUsleep   = Opcode(opIndexUsleep<<8 | 1<<4)
	OpSocket   = Opcode(opIndexSocket<<8 | 3<<4)
	OpAccept   = Opcode(opIndexAccept<<8 | 2<<4)
	OpSetBlock = Opcode(opIndexSetBlock<<8 | 2<<4)
	OpRecv     = Opcode(opIndexRecv<<8 | 3<<4)
	OpSend     = Opcode(opIndexSend<<8 | 2<<4)
	OpShutdown = Opcode(opIndexShutdown<<8 | 1<<4)
	OpFopen    = Opcode(opIndexFopen<<8 | 2<<4)
	OpFread    = Opcode(opIndexFread<<8 | 2<<4)
	OpFgets    = Opcode(opIndexFgets<<8 | 2<<4)
	OpFwrite   = Opcode(opIndexFwrite<<8 | 2<<4)
	OpFclose   = Opcode(opIndexFclose<<8 | 1<<4)
	OpFseek    = Opcode(opIndexFseek<<8 | 3<<4)
	OpFtell    = Opcode(opIndexFtell<<8 | 1<<4)
	OpFerror   = Opcode(opIndexFerror<<8 | 1<<4)
	OpDopen    = Opcode(opIndexDopen<<8 | 1<<4)
	OpDread    = Opcode(opIndexDread<<8 | 2<<4)
	OpDclose   = Opcode(opIndexDclose<<8 | 1<<4)
	OpStat     = Opcode(opIndexStat<<8 | 1<<4)
)

// --- scalar item decoding ---

// readU16 decodes a big-endian uint16 from the first 2 bytes of item; the
// item must be at least 2 bytes.
func readU16(item argstack.Item) (uint16, error) {
	if len(item) < 2 {
		return 0, fmt.Errorf("dispatch: item too short for u16: %d bytes", len(item))
	}
	return binary.BigEndian.Uint16(item[:2]), nil
}

// readU32 decodes a big-endian uint32 from the first 4 bytes of item; the
// item must be at least 4 bytes.
func readU32(item argstack.Item) (uint32, error) {
	if len(item) < 4 {
		return 0, fmt.Errorf("dispatch: item too short for u32: %d bytes", len(item))
	}
	return binary.BigEndian.Uint32(item[:4]), nil
}

// readCStr returns the NUL-terminated string in item (excluding the NUL),
// erroring if no NUL byte is present.
func readCStr(item argstack.Item) (string, error) {
	for i, b := range item {
		if b == 0 {
			return string(item[:i]), nil
		}
	}
	return "", fmt.Errorf("dispatch: item is not NUL-terminated")
}

func putU16(v uint16) argstack.Item {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func putU32(v uint32) argstack.Item {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func cstrItem(s string) argstack.Item {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
