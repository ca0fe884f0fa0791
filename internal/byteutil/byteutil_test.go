package byteutil

import (
	"math/big"
	"testing"
)

func TestUint64LERoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutUint64LE(buf, 0x0102030405060708)
	if got := Uint64LE(buf); got != 0x0102030405060708 {
		t.Fatalf("Uint64LE() = %#x, want %#x", got, 0x0102030405060708)
	}
}

func TestInt64LENegative(t *testing.T) {
	buf := make([]byte, 8)
	PutInt64LE(buf, -1)
	for i, b := range buf {
		if b != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff", i, b)
		}
	}
	if got := Int64LE(buf); got != -1 {
		t.Fatalf("Int64LE() = %d, want -1", got)
	}
}

func TestXORTruncatesToShorter(t *testing.T) {
	a := []byte{0xff, 0xff, 0xff}
	b := []byte{0x0f, 0x0f}
	got := XOR(a, b)
	want := []byte{0xf0, 0xf0}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("XOR() = %x, want %x", got, want)
	}
}

func TestFixedBytesPadsAndTruncates(t *testing.T) {
	small := big.NewInt(1)
	out := FixedBytes(small, 4)
	if len(out) != 4 || out[3] != 1 || out[0] != 0 {
		t.Fatalf("FixedBytes(1, 4) = %x", out)
	}

	big256 := new(big.Int).Lsh(big.NewInt(1), 2050) // overflows 256 bytes
	out = FixedBytes(big256, 32)
	if len(out) != 32 {
		t.Fatalf("FixedBytes overflow: len = %d, want 32", len(out))
	}
}
