package rtld

import (
	"bytes"
	"testing"
)

func TestTrampolineAbsoluteJump(t *testing.T) {
	code := trampoline(0x1000, 0x1122334455667788)
	want := []byte{
		0xff, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}
	if !bytes.Equal(code, want) {
		t.Fatalf("trampoline = % x, want % x", code, want)
	}
}
