package billboard

import "math"

// texelForIndex maps a flat instance index to its fixed storage texel.
// Instance i lives at column i mod size, row i div size.
func texelForIndex(index int, textureSize int) (x int, y int) {
	return index % textureSize, index / textureSize
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// textureSizeFor returns the side length of the square simulation texture
// holding one texel per instance: the next power of two above the truncated
// square root. The result may fall short of maxInstances just past a
// power-of-two square (e.g. 17 with a 4x4 texture); the billboard rejects
// such capacities at construction.
func textureSizeFor(maxInstances int) int {
	if maxInstances <= 0 {
		return 1
	}
	side := int(math.Floor(math.Sqrt(float64(maxInstances))))
	return nextPowerOfTwo(side)
}
