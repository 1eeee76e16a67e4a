package rtld

import "encoding/binary"

const jmpNearCode = 0xe9

// JMP rel32; every address is in reach on a 32-bit machine.
func trampoline(from, to uintptr) []byte {
	code := make([]byte, 5)
	code[0] = jmpNearCode
	binary.LittleEndian.PutUint32(code[1:], uint32(to-(from+5)))
	return code
}
