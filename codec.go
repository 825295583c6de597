package billboard

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/x448/float16"
)

// Position codec: a 3-component position is spread over two RGBA16F texels.
// The first texel stores the half-float quantization of each component, the
// second stores the residual the first one lost. Summing both recovers the
// value with roughly single-float precision even though each attachment only
// stores halves. The WGSL side (wgslPositionCodec) must stay in lockstep with
// the Go mirror below, which the tests round-trip.

const wgslPositionCodec = `
fn packPositionCoarse(p: vec3f) -> vec3f {
    return vec3f(quantizeToF16(p.x), quantizeToF16(p.y), quantizeToF16(p.z));
}

fn packPositionFine(p: vec3f, coarse: vec3f) -> vec3f {
    return p - coarse;
}

fn unpackPosition(coarse: vec4f, fine: vec4f) -> vec3f {
    return coarse.xyz + fine.xyz;
}

fn wrapPosition(p: vec3f, bounds: vec3f) -> vec3f {
    return p - bounds * floor(p / bounds);
}
`

// encodePosition returns the two texel values as they exist after being
// written to RGBA16F storage, i.e. both already half-float quantized.
func encodePosition(p mgl32.Vec3) (coarse, fine mgl32.Vec4) {
	for i := 0; i < 3; i++ {
		c := quantizeF16(p[i])
		coarse[i] = c
		fine[i] = quantizeF16(p[i] - c)
	}
	coarse[3] = 1
	fine[3] = 1
	return coarse, fine
}

func decodePosition(coarse, fine mgl32.Vec4) mgl32.Vec3 {
	return mgl32.Vec3{
		coarse[0] + fine[0],
		coarse[1] + fine[1],
		coarse[2] + fine[2],
	}
}

// wrapVec folds each component into [0, bounds[i]), mirroring wrapPosition.
func wrapVec(p mgl32.Vec3, bounds mgl32.Vec3) mgl32.Vec3 {
	var out mgl32.Vec3
	for i := 0; i < 3; i++ {
		b := float64(bounds[i])
		m := math.Mod(float64(p[i]), b)
		if m < 0 {
			m += b
		}
		out[i] = float32(m)
	}
	return out
}

// quantizeF16 rounds a float32 through IEEE 754 binary16 and back, matching
// what an RGBA16F attachment does on store. float16.Fromfloat32 rounds to
// nearest even, the same rule quantizeToF16 follows on the GPU.
func quantizeF16(f float32) float32 {
	return float16.Fromfloat32(f).Float32()
}
