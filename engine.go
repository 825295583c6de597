package billboard

// The core never talks to a graphics device directly. Everything it needs
// from the host renderer is collected in Engine: allocate a multi-attachment
// render target, upload a texture, build a program from composed sources,
// rasterize one full-screen pass, and draw N instances of the shared unit
// quad. WgpuEngine is the production implementation; tests substitute a fake.

type Engine interface {
	// AllocateRenderTarget creates a render target with attachmentCount
	// RGBA16F color attachments, each readable as a texture afterwards.
	AllocateRenderTarget(width, height, attachmentCount int, label string) (RenderTarget, error)

	// CreateTexture uploads an 8-bit RGBA pixel buffer (len = w*h*4) into an
	// immutable sampleable texture.
	CreateTexture(width, height int, rgba []byte, label string) (Texture, error)

	// BuildProgram compiles composed vertex/fragment sources into a program
	// and applies the initial uniform values carried by the source.
	BuildProgram(src ProgramSource) (Program, error)

	// SubmitFullScreenPass rasterizes a quad exactly covering target in
	// [-1,1] clip space, writing every attachment, then restores whatever
	// output was bound before.
	SubmitFullScreenPass(p Program, target RenderTarget) error

	// DrawInstanced draws instanceCount copies of the unit billboard quad
	// with the given program into the engine's current output.
	DrawInstanced(p Program, instanceCount int) error

	Release()
}

// Texture is an opaque device texture handle. Identity is comparable: the
// same storage yields the same handle.
type Texture interface {
	Release()
}

type RenderTarget interface {
	Attachment(i int) Texture
	Width() int
	Height() int
	Release()
}

// Program is a built shading program. SetUniform re-points a texture binding
// or rewrites a scalar value; the change is observed by the next pass or draw
// using the program.
type Program interface {
	SetUniform(name string, value any) error
	Release()
}

type BlendingMode int

const (
	BlendNone BlendingMode = iota
	BlendAlpha
	BlendAdditive
)

// ProgramSource is the output of shader composition: complete WGSL for both
// stages plus the binding layout the engine must honor. ScalarNames lists the
// non-texture uniforms in the order they are packed into the uniform block at
// binding 0; TextureNames lists texture uniforms in binding order starting at
// binding 1. Both are sorted by name so composer and engine agree without
// sharing state.
type ProgramSource struct {
	Label        string
	VertexCode   string
	FragmentCode string

	Uniforms     map[string]Uniform
	ScalarNames  []string
	TextureNames []string

	// Attachments is the color target count: 1 for display programs, one
	// per channel for ping-pong pipelines.
	Attachments int

	Blending    BlendingMode
	DepthWrite  bool
	Transparent bool

	// CacheKey is a content hash of the declarations and code fragments,
	// stable across processes for identical inputs.
	CacheKey uint64
}

type UniformKind int

const (
	UniformFloat UniformKind = iota
	UniformInt
	UniformVec2
	UniformVec3
	UniformVec4
	UniformMat4
	UniformTexture
)

// Uniform declares one program-global binding. Value is the initial value
// (float32, int32, mgl32.Vec2/Vec3/Vec4, mgl32.Mat4 or Texture) and may be
// nil for textures bound later via SetUniform.
type Uniform struct {
	Kind  UniformKind
	Value any
}
