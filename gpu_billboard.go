package billboard

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

const (
	channelPositions1 = "positions1"
	channelPositions2 = "positions2"

	pipelineInitialize = "initialize"
	pipelineUpdate     = "update"

	// Largest simulation texture the system will allocate. Capacity above
	// maxSimulationTextureSize^2 instances is a construction error.
	maxSimulationTextureSize = 4096
)

type GpuBillboardRendering struct {
	Material    MaterialKind
	Blending    BlendingMode
	DepthWrite  bool
	Transparent bool

	// Size is the quad extent in world units. Zero means unit size.
	Size mgl32.Vec2

	// Uniforms and ColorCode feed the composed display program; ColorCode
	// computes the final color from surfaceUv.
	Uniforms  map[string]Uniform
	ColorCode string
}

type GpuBillboardSimulation struct {
	// Range scales the unit simulation box per axis into world space.
	// Zero means {1,1,1}.
	Range mgl32.Vec3

	// WrapBounds is the per-axis modulo keeping particles inside the box.
	// Zero means {1,1,1}; a flattened slab such as {1,1,0.5} is legal, but
	// every axis must be positive.
	WrapBounds mgl32.Vec3
}

type GpuBillboardParams struct {
	Label             string
	Origin            mgl32.Vec2
	LockAxis          *mgl32.Vec3
	MaxInstancesCount int
	Rendering         GpuBillboardRendering
	Simulation        GpuBillboardSimulation
	Logger            Logger
}

// GpuBillboard is a complete GPU-resident particle system: positions live in
// a square ping-pong texture (one texel per instance), evolve through the
// initialize/update pipelines without any host readback, and are decoded by
// the composed display program from each draw invocation's own index.
type GpuBillboard struct {
	engine Engine
	logger Logger
	label  string

	maxInstancesCount int
	textureSize       int
	instancesCount    int

	state          *PingPongState
	noise1, noise2 Texture
	display        Program
	displayKey     uint64

	disposed bool
}

// NewGpuBillboard allocates every GPU resource the system needs up front.
// The simulated texel count is fixed at textureSize^2 for the system's
// lifetime; only the drawn count changes later.
func NewGpuBillboard(engine Engine, p GpuBillboardParams) (*GpuBillboard, error) {
	if p.MaxInstancesCount <= 0 {
		return nil, fmt.Errorf("max instances count must be positive, got %d", p.MaxInstancesCount)
	}
	textureSize := textureSizeFor(p.MaxInstancesCount)
	if textureSize > maxSimulationTextureSize {
		capacity := maxSimulationTextureSize * maxSimulationTextureSize
		return nil, fmt.Errorf("too many particles: %d requested, at most %d supported", p.MaxInstancesCount, capacity)
	}
	if p.MaxInstancesCount > textureSize*textureSize {
		return nil, fmt.Errorf("too many particles: %d requested, texture %dx%d holds %d",
			p.MaxInstancesCount, textureSize, textureSize, textureSize*textureSize)
	}
	wrap := orUnitVec3(p.Simulation.WrapBounds)
	for i := 0; i < 3; i++ {
		if wrap[i] <= 0 {
			return nil, fmt.Errorf("wrap bounds must be positive per axis, got %g on axis %d", wrap[i], i)
		}
	}

	label := p.Label
	if label == "" {
		label = "billboard-" + uuid.NewString()
	}
	logger := orNopLogger(p.Logger)

	b := &GpuBillboard{
		engine:            engine,
		logger:            logger,
		label:             label,
		maxInstancesCount: p.MaxInstancesCount,
		textureSize:       textureSize,
		instancesCount:    p.MaxInstancesCount,
	}

	var err error
	if b.noise1, err = makeNoiseTexture(engine, textureSize, label+"-noise-1"); err != nil {
		return nil, err
	}
	if b.noise2, err = makeNoiseTexture(engine, textureSize, label+"-noise-2"); err != nil {
		b.releaseResources()
		return nil, err
	}

	pipelines := map[string]Pipeline{
		pipelineInitialize: {
			Uniforms: map[string]Uniform{
				"uNoiseTexture1": {Kind: UniformTexture, Value: b.noise1},
				"uNoiseTexture2": {Kind: UniformTexture, Value: b.noise2},
			},
			Code: initializePipelineCode,
		},
		pipelineUpdate: {
			RequiresPreviousState: true,
			Uniforms: map[string]Uniform{
				"uDeltaTime": {Kind: UniformFloat, Value: float32(0)},
				"uMovement":  {Kind: UniformVec3, Value: mgl32.Vec3{}},
			},
			Code: updatePipelineCode(wrap),
		},
	}
	channels := []string{channelPositions1, channelPositions2}
	if b.state, err = NewPingPongState(engine, textureSize, textureSize, channels, pipelines, wgslPositionCodec, logger); err != nil {
		b.releaseResources()
		return nil, err
	}

	src, err := b.composeDisplayProgram(p)
	if err != nil {
		b.releaseResources()
		return nil, err
	}
	b.displayKey = src.CacheKey
	if b.display, err = engine.BuildProgram(src); err != nil {
		b.releaseResources()
		return nil, fmt.Errorf("building display program: %w", err)
	}
	if err = b.repointDisplayTextures(); err != nil {
		b.releaseResources()
		return nil, err
	}

	logger.Infof("billboard %q ready: %d instances in a %dx%d position texture", label, p.MaxInstancesCount, textureSize, textureSize)
	return b, nil
}

const initializePipelineCode = `
        let n1 = textureLoad(uNoiseTexture1, texelIndex, 0);
        let n2 = textureLoad(uNoiseTexture2, texelIndex, 0);
        let p = fract(n1.rgb + n2.rgb / 256.0);
        let coarse = packPositionCoarse(p);
        out_positions1 = vec4f(coarse, 1.0);
        out_positions2 = vec4f(packPositionFine(p, coarse), 1.0);
`

func updatePipelineCode(wrap mgl32.Vec3) string {
	return fmt.Sprintf(`
        let p = unpackPosition(in_positions1, in_positions2);
        let moved = wrapPosition(p + uMovement * uDeltaTime, vec3f(%s, %s, %s));
        let coarse = packPositionCoarse(moved);
        out_positions1 = vec4f(coarse, 1.0);
        out_positions2 = vec4f(packPositionFine(moved, coarse), 1.0);
`, wgslFloat(wrap[0]), wgslFloat(wrap[1]), wgslFloat(wrap[2]))
}

func (b *GpuBillboard) composeDisplayProgram(p GpuBillboardParams) (ProgramSource, error) {
	size := p.Rendering.Size
	if size == (mgl32.Vec2{}) {
		size = mgl32.Vec2{1, 1}
	}

	uniforms := map[string]Uniform{
		"uPositionsTexture1": {Kind: UniformTexture},
		"uPositionsTexture2": {Kind: UniformTexture},
		"uBillboardSize":     {Kind: UniformVec2, Value: size},
		"uPositionsRange":    {Kind: UniformVec3, Value: orUnitVec3(p.Simulation.Range)},
	}
	for name, u := range p.Rendering.Uniforms {
		if _, taken := uniforms[name]; taken {
			return ProgramSource{}, fmt.Errorf("uniform %q collides with a billboard binding", name)
		}
		uniforms[name] = u
	}

	positionCode := fmt.Sprintf(`
        let texelIndex = vec2i(i32(instanceIndex) %% %d, i32(instanceIndex) / %d);
        let coarse = textureLoad(uPositionsTexture1, texelIndex, 0);
        let fine = textureLoad(uPositionsTexture2, texelIndex, 0);
        out_anchor = unpackPosition(coarse, fine) * uPositionsRange;
        out_localTransform = mat2x2f(uBillboardSize.x, 0.0, 0.0, uBillboardSize.y);
`, b.textureSize, b.textureSize)

	colorCode := p.Rendering.ColorCode
	if colorCode == "" {
		colorCode = "    return vec4f(1.0);"
	}

	return ComposeBillboardProgram(BillboardMaterialParams{
		Label:    b.label + "-display",
		Material: p.Rendering.Material,
		Declarations: ShaderDeclarations{
			Uniforms: uniforms,
		},
		PositionCode: positionCode,
		ColorCode:    colorCode,
		Helpers:      wgslPositionCodec,
		Origin:       p.Origin,
		LockAxis:     p.LockAxis,
		Blending:     p.Rendering.Blending,
		DepthWrite:   p.Rendering.DepthWrite,
		Transparent:  p.Rendering.Transparent,
	})
}

// repointDisplayTextures re-binds the display program's position textures to
// the current ping-pong set. Called after every flip; the bindings are
// re-pointed, never copied.
func (b *GpuBillboard) repointDisplayTextures() error {
	for uniform, channel := range map[string]string{
		"uPositionsTexture1": channelPositions1,
		"uPositionsTexture2": channelPositions2,
	} {
		tex, err := b.state.CurrentTexture(channel)
		if err != nil {
			return err
		}
		if err := b.display.SetUniform(uniform, tex); err != nil {
			return err
		}
	}
	return nil
}

// SetInstancesCount changes how many of the preallocated instances are drawn.
// Simulation cost is unaffected: every texel keeps being updated. Counts
// beyond the construction capacity fail without mutating the current count.
func (b *GpuBillboard) SetInstancesCount(n int) error {
	if n < 0 {
		return fmt.Errorf("instances count must not be negative, got %d", n)
	}
	if n > b.maxInstancesCount {
		return fmt.Errorf("instances count %d exceeds max instances count %d", n, b.maxInstancesCount)
	}
	b.instancesCount = n
	return nil
}

func (b *GpuBillboard) InstancesCount() int    { return b.instancesCount }
func (b *GpuBillboard) MaxInstancesCount() int { return b.maxInstancesCount }
func (b *GpuBillboard) TextureSize() int       { return b.textureSize }

// DisplayCacheKey identifies the composed display program configuration.
func (b *GpuBillboard) DisplayCacheKey() uint64 { return b.displayKey }

// InitializePositions seeds every texel from the noise textures. Must run
// before the first UpdatePositions or Draw, otherwise positions are whatever
// the freshly allocated targets hold (zero at best).
func (b *GpuBillboard) InitializePositions() error {
	if b.disposed {
		return fmt.Errorf("billboard %q is disposed", b.label)
	}
	if err := b.state.RunPipeline(pipelineInitialize); err != nil {
		return err
	}
	return b.repointDisplayTextures()
}

// UpdatePositions advances every particle by movement*deltaTime with
// per-axis wrap-around. Call at most once per displayed frame.
func (b *GpuBillboard) UpdatePositions(deltaTime float32, movement mgl32.Vec3) error {
	if b.disposed {
		return fmt.Errorf("billboard %q is disposed", b.label)
	}
	if err := b.state.SetPipelineUniform(pipelineUpdate, "uDeltaTime", deltaTime); err != nil {
		return err
	}
	if err := b.state.SetPipelineUniform(pipelineUpdate, "uMovement", movement); err != nil {
		return err
	}
	if err := b.state.RunPipeline(pipelineUpdate); err != nil {
		return err
	}
	return b.repointDisplayTextures()
}

// SetCamera feeds the view and projection matrices the billboard math needs.
func (b *GpuBillboard) SetCamera(view, projection mgl32.Mat4) error {
	if b.disposed {
		return fmt.Errorf("billboard %q is disposed", b.label)
	}
	if err := b.display.SetUniform("uViewMatrix", view); err != nil {
		return err
	}
	return b.display.SetUniform("uProjectionMatrix", projection)
}

// SetUniform forwards a caller-declared rendering uniform to the display
// program.
func (b *GpuBillboard) SetUniform(name string, value any) error {
	if b.disposed {
		return fmt.Errorf("billboard %q is disposed", b.label)
	}
	return b.display.SetUniform(name, value)
}

// Draw submits the visible instances. Invocation i reads texel
// (i mod textureSize, i div textureSize) of the current position texture.
func (b *GpuBillboard) Draw() error {
	if b.disposed {
		return fmt.Errorf("billboard %q is disposed", b.label)
	}
	return b.engine.DrawInstanced(b.display, b.instancesCount)
}

// Dispose releases every owned texture, render target and program. Idempotent.
// Must not be called while a draw using these resources is outstanding.
func (b *GpuBillboard) Dispose() error {
	if b.disposed {
		return nil
	}
	b.disposed = true
	b.releaseResources()
	return nil
}

func (b *GpuBillboard) releaseResources() {
	if b.display != nil {
		b.display.Release()
		b.display = nil
	}
	if b.state != nil {
		b.state.Release()
		b.state = nil
	}
	if b.noise1 != nil {
		b.noise1.Release()
		b.noise1 = nil
	}
	if b.noise2 != nil {
		b.noise2.Release()
		b.noise2 = nil
	}
}

func orUnitVec3(v mgl32.Vec3) mgl32.Vec3 {
	if v == (mgl32.Vec3{}) {
		return mgl32.Vec3{1, 1, 1}
	}
	return v
}

// stepPosition is the host-side mirror of the update pipeline's rule,
// including the storage quantization positions go through between frames.
// Tests round-trip it against the codec.
func stepPosition(p mgl32.Vec3, movement mgl32.Vec3, deltaTime float32, wrap mgl32.Vec3) mgl32.Vec3 {
	moved := wrapVec(p.Add(movement.Mul(deltaTime)), wrap)
	coarse, fine := encodePosition(moved)
	return decodePosition(coarse, fine)
}

// initialPosition is the host-side mirror of the initialize pipeline: two
// normalized RGBA8 noise texels fold into one starting position (the second
// texel contributes sub-level detail), which then passes through the same
// storage quantization as every later frame.
func initialPosition(n1, n2 [3]byte) mgl32.Vec3 {
	var p mgl32.Vec3
	for i := 0; i < 3; i++ {
		v := float64(n1[i])/255 + float64(n2[i])/255/256
		p[i] = float32(v - math.Floor(v))
	}
	coarse, fine := encodePosition(p)
	return decodePosition(coarse, fine)
}
