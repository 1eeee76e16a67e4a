package rtld

import "encoding/binary"

// JMP *0(%rip) followed by the absolute 64-bit destination.
var jmpIndirectCode = []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}

func trampoline(from, to uintptr) []byte {
	code := make([]byte, len(jmpIndirectCode)+8)
	copy(code, jmpIndirectCode)
	binary.LittleEndian.PutUint64(code[len(jmpIndirectCode):], uint64(to))
	return code
}
