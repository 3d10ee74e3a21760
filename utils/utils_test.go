package utils

import "testing"

func TestAlignTo(t *testing.T) {
	cases := []struct{ val, align, want uint64 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{0x4000b4, 8, 0x4000b8},
		{13, 0, 13},
		{0x10001, 0x10000, 0x20000},
	}
	for _, c := range cases {
		if got := AlignTo(c.val, c.align); got != c.want {
			t.Errorf("AlignTo(%#x, %#x) = %#x, want %#x", c.val, c.align, got, c.want)
		}
	}
}

func TestSignExtend(t *testing.T) {
	cases := []struct {
		val  uint64
		bits uint
		want int64
	}{
		{0x7fff, 16, 0x7fff},
		{0x8000, 16, -0x8000},
		{0xffff, 16, -1},
		{0xffffffc, 28, -4},
		{0x7fffffc, 28, 0x7fffffc},
		{0xffffffff, 32, -1},
	}
	for _, c := range cases {
		if got := SignExtend(c.val, c.bits); got != c.want {
			t.Errorf("SignExtend(%#x, %d) = %d, want %d", c.val, c.bits, got, c.want)
		}
	}
}

func TestBits(t *testing.T) {
	if got := Bits(uint32(0xdeadbeef), 15, 0); got != 0xbeef {
		t.Errorf("Bits low half = %#x", got)
	}
	if got := Bits(uint32(0xdeadbeef), 31, 16); got != 0xdead {
		t.Errorf("Bits high half = %#x", got)
	}
}

func TestRanges(t *testing.T) {
	if !IsInt(-0x8000, 16) || IsInt(0x8000, 16) || !IsInt(0x7fff, 16) {
		t.Error("IsInt 16-bit bounds")
	}
	if !IsUint(0xffff, 16) || IsUint(0x10000, 16) {
		t.Error("IsUint 16-bit bounds")
	}
	if !IsInt(1<<62, 64) {
		t.Error("IsInt 64-bit")
	}
}

func TestRemoveIf(t *testing.T) {
	got := RemoveIf([]int{1, 2, 3, 4, 5}, func(v int) bool { return v%2 == 0 })
	if len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Errorf("RemoveIf = %v", got)
	}
}
