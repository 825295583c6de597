package billboard

import (
	"math/rand"
)

// makeNoiseTexture uploads a size x size texture of uniform-random RGBA
// bytes. The initialize pipeline folds two of these into the starting
// particle positions; they are written once here and read-only afterwards.
func makeNoiseTexture(engine Engine, size int, label string) (Texture, error) {
	pixels := make([]byte, size*size*4)
	for i := range pixels {
		pixels[i] = byte(rand.Intn(256))
	}
	return engine.CreateTexture(size, size, pixels, label)
}
