package billboard

import (
	"testing"
)

func TestTexelForIndex(t *testing.T) {
	cases := []struct {
		index, size int
		x, y        int
	}{
		{0, 128, 0, 0},
		{1, 128, 1, 0},
		{127, 128, 127, 0},
		{128, 128, 0, 1},
		{129, 128, 1, 1},
		{16383, 128, 127, 127},
		{5, 4, 1, 1},
	}
	for _, c := range cases {
		x, y := texelForIndex(c.index, c.size)
		if x != c.x || y != c.y {
			t.Errorf("texelForIndex(%d, %d) = (%d, %d), want (%d, %d)", c.index, c.size, x, y, c.x, c.y)
		}
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{
		-3:   1,
		0:    1,
		1:    1,
		2:    2,
		3:    4,
		4:    4,
		5:    8,
		127:  128,
		128:  128,
		129:  256,
		1000: 1024,
	}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTextureSizeFor(t *testing.T) {
	cases := map[int]int{
		1:     1,
		2:     1,
		4:     2,
		16:    4,
		17:    4, // 17 does not fit 4x4; the billboard rejects it later
		100:   16,
		16384: 128,
		20000: 256,
		65536: 256,
	}
	for in, want := range cases {
		if got := textureSizeFor(in); got != want {
			t.Errorf("textureSizeFor(%d) = %d, want %d", in, got, want)
		}
	}
}
