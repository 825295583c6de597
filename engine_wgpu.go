package billboard

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// WgpuEngine is the production Engine on top of WebGPU. It can run headless
// (ping-pong simulation only) or against a GLFW window surface for on-screen
// draws. Device-level faults past construction panic; configuration faults
// come back as errors.
type WgpuEngine struct {
	instance      *wgpu.Instance
	surface       *wgpu.Surface
	adapter       *wgpu.Adapter
	device        *wgpu.Device
	queue         *wgpu.Queue
	surfaceConfig *wgpu.SurfaceConfiguration

	// Unit billboard quad: two triangles on a square centered at origin.
	quadVertexBuf *wgpu.Buffer
	quadIndexBuf  *wgpu.Buffer
	// Full-screen quad covering clip space with [0,1] uv.
	fsVertexBuf *wgpu.Buffer
	fsIndexBuf  *wgpu.Buffer

	depthTexture *wgpu.Texture
	depthView    *wgpu.TextureView
	frameTexture *wgpu.Texture
	frameView    *wgpu.TextureView

	ClearColor wgpu.Color

	logger   Logger
	released bool
}

const renderTargetFormat = wgpu.TextureFormatRGBA16Float

type quadVertex struct {
	pos [2]float32
	uv  [2]float32
}

var billboardQuadVertices = []quadVertex{
	{pos: [2]float32{-0.5, -0.5}, uv: [2]float32{0, 1}},
	{pos: [2]float32{0.5, -0.5}, uv: [2]float32{1, 1}},
	{pos: [2]float32{0.5, 0.5}, uv: [2]float32{1, 0}},
	{pos: [2]float32{-0.5, 0.5}, uv: [2]float32{0, 0}},
}

var fullScreenQuadVertices = []quadVertex{
	{pos: [2]float32{-1, -1}, uv: [2]float32{0, 1}},
	{pos: [2]float32{1, -1}, uv: [2]float32{1, 1}},
	{pos: [2]float32{1, 1}, uv: [2]float32{1, 0}},
	{pos: [2]float32{-1, 1}, uv: [2]float32{0, 0}},
}

var quadIndices = []uint16{0, 1, 2, 0, 2, 3}

// NewWgpuEngine creates a headless engine. DrawInstanced is unavailable
// without a surface; everything else works.
func NewWgpuEngine(logger Logger) (*WgpuEngine, error) {
	return newWgpuEngine(nil, 0, 0, logger)
}

// NewWgpuWindowEngine creates an engine presenting into a GLFW window.
func NewWgpuWindowEngine(win *glfw.Window, logger Logger) (*WgpuEngine, error) {
	w, h := win.GetSize()
	return newWgpuEngineForWindow(win, w, h, logger)
}

func newWgpuEngineForWindow(win *glfw.Window, width, height int, logger Logger) (*WgpuEngine, error) {
	instance := wgpu.CreateInstance(nil)
	surface := instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(win))
	e, err := newWgpuEngineWithSurface(instance, surface, width, height, logger)
	if err != nil {
		surface.Release()
		instance.Release()
		return nil, err
	}
	return e, nil
}

func newWgpuEngine(surface *wgpu.Surface, width, height int, logger Logger) (*WgpuEngine, error) {
	instance := wgpu.CreateInstance(nil)
	e, err := newWgpuEngineWithSurface(instance, surface, width, height, logger)
	if err != nil {
		instance.Release()
		return nil, err
	}
	return e, nil
}

func newWgpuEngineWithSurface(instance *wgpu.Instance, surface *wgpu.Surface, width, height int, logger Logger) (*WgpuEngine, error) {
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting adapter: %w", err)
	}
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "Billboard Device",
	})
	if err != nil {
		return nil, fmt.Errorf("requesting device: %w", err)
	}

	e := &WgpuEngine{
		instance:   instance,
		surface:    surface,
		adapter:    adapter,
		device:     device,
		queue:      device.GetQueue(),
		ClearColor: wgpu.Color{R: 0.1, G: 0.2, B: 0.3, A: 1.0},
		logger:     orNopLogger(logger),
	}

	if surface != nil {
		caps := surface.GetCapabilities(adapter)
		e.surfaceConfig = &wgpu.SurfaceConfiguration{
			Usage:       wgpu.TextureUsageRenderAttachment,
			Format:      caps.Formats[0],
			Width:       uint32(width),
			Height:      uint32(height),
			PresentMode: wgpu.PresentModeFifo,
			AlphaMode:   caps.AlphaModes[0],
		}
		surface.Configure(adapter, device, e.surfaceConfig)
		e.createDepthBuffer(width, height)
	}

	e.quadVertexBuf, e.quadIndexBuf = e.createQuadBuffers("billboard-quad", billboardQuadVertices)
	e.fsVertexBuf, e.fsIndexBuf = e.createQuadBuffers("fullscreen-quad", fullScreenQuadVertices)
	return e, nil
}

func (e *WgpuEngine) createDepthBuffer(width, height int) {
	tex, err := e.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         "depth",
		Size:          wgpu.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        wgpu.TextureFormatDepth24Plus,
		Usage:         wgpu.TextureUsageRenderAttachment,
	})
	if err != nil {
		panic(err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		panic(err)
	}
	e.depthTexture = tex
	e.depthView = view
}

func (e *WgpuEngine) createQuadBuffers(name string, vertices []quadVertex) (*wgpu.Buffer, *wgpu.Buffer) {
	data := make([]byte, 0, len(vertices)*16)
	for _, v := range vertices {
		data = appendFloats(data, v.pos[0], v.pos[1], v.uv[0], v.uv[1])
	}
	vertexBuf, err := e.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    name + "-vertices",
		Contents: data,
		Usage:    wgpu.BufferUsageVertex,
	})
	if err != nil {
		panic(err)
	}
	indexBuf, err := e.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    name + "-indices",
		Contents: wgpu.ToBytes(quadIndices),
		Usage:    wgpu.BufferUsageIndex,
	})
	if err != nil {
		panic(err)
	}
	return vertexBuf, indexBuf
}

func quadVertexLayout() wgpu.VertexBufferLayout {
	return wgpu.VertexBufferLayout{
		ArrayStride: 16,
		StepMode:    wgpu.VertexStepModeVertex,
		Attributes: []wgpu.VertexAttribute{
			{ShaderLocation: 0, Offset: 0, Format: wgpu.VertexFormatFloat32x2},
			{ShaderLocation: 1, Offset: 8, Format: wgpu.VertexFormatFloat32x2},
		},
	}
}

type wgpuTexture struct {
	texture  *wgpu.Texture
	view     *wgpu.TextureView
	released bool
}

func (t *wgpuTexture) Release() {
	if t.released {
		return
	}
	t.released = true
	t.view.Release()
	if t.texture != nil {
		t.texture.Release()
	}
}

type wgpuRenderTarget struct {
	width       int
	height      int
	attachments []*wgpuTexture
	released    bool
}

func (rt *wgpuRenderTarget) Attachment(i int) Texture { return rt.attachments[i] }
func (rt *wgpuRenderTarget) Width() int               { return rt.width }
func (rt *wgpuRenderTarget) Height() int              { return rt.height }

func (rt *wgpuRenderTarget) Release() {
	if rt.released {
		return
	}
	rt.released = true
	for _, a := range rt.attachments {
		a.Release()
	}
}

func (e *WgpuEngine) AllocateRenderTarget(width, height, attachmentCount int, label string) (RenderTarget, error) {
	if width <= 0 || height <= 0 || attachmentCount <= 0 {
		return nil, fmt.Errorf("invalid render target %dx%d with %d attachments", width, height, attachmentCount)
	}
	if label == "" {
		label = "target-" + uuid.NewString()
	}
	rt := &wgpuRenderTarget{width: width, height: height}
	for i := 0; i < attachmentCount; i++ {
		tex, err := e.device.CreateTexture(&wgpu.TextureDescriptor{
			Label:         fmt.Sprintf("%s-attachment-%d", label, i),
			Size:          wgpu.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     wgpu.TextureDimension2D,
			Format:        renderTargetFormat,
			Usage:         wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageTextureBinding,
		})
		if err != nil {
			rt.Release()
			return nil, fmt.Errorf("allocating attachment %d: %w", i, err)
		}
		view, err := tex.CreateView(nil)
		if err != nil {
			panic(err)
		}
		rt.attachments = append(rt.attachments, &wgpuTexture{texture: tex, view: view})
	}
	return rt, nil
}

func (e *WgpuEngine) CreateTexture(width, height int, rgba []byte, label string) (Texture, error) {
	if len(rgba) != width*height*4 {
		return nil, fmt.Errorf("texture data is %d bytes, want %d for %dx%d RGBA", len(rgba), width*height*4, width, height)
	}
	if label == "" {
		label = "texture-" + uuid.NewString()
	}
	extent := wgpu.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1}
	tex, err := e.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         label,
		Size:          extent,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        wgpu.TextureFormatRGBA8Unorm,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating texture %q: %w", label, err)
	}
	if err := e.queue.WriteTexture(
		tex.AsImageCopy(),
		rgba,
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(width * 4),
			RowsPerImage: uint32(height),
		},
		&extent,
	); err != nil {
		panic(err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		panic(err)
	}
	return &wgpuTexture{texture: tex, view: view}, nil
}

type wgpuProgram struct {
	engine *WgpuEngine
	src    ProgramSource

	vertexModule   *wgpu.ShaderModule
	fragmentModule *wgpu.ShaderModule

	layout        *wgpu.BindGroupLayout
	scalarOffsets map[string]int
	scalarData    []byte
	uniformBuf    *wgpu.Buffer
	textures      map[string]*wgpuTexture

	bindGroup *wgpu.BindGroup
	bindDirty bool

	// One pipeline per use: full-screen passes target RGBA16F attachments,
	// instanced draws target the surface. Built lazily, cached after.
	fullScreenPipeline *wgpu.RenderPipeline
	displayPipeline    *wgpu.RenderPipeline

	released bool
}

func (e *WgpuEngine) BuildProgram(src ProgramSource) (Program, error) {
	vs, err := e.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          src.Label + "-vs",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src.VertexCode},
	})
	if err != nil {
		return nil, fmt.Errorf("compiling vertex stage of %q: %w", src.Label, err)
	}
	fs, err := e.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          src.Label + "-fs",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src.FragmentCode},
	})
	if err != nil {
		vs.Release()
		return nil, fmt.Errorf("compiling fragment stage of %q: %w", src.Label, err)
	}

	p := &wgpuProgram{
		engine:         e,
		src:            src,
		vertexModule:   vs,
		fragmentModule: fs,
		textures:       make(map[string]*wgpuTexture, len(src.TextureNames)),
		bindDirty:      true,
	}

	var layoutEntries []wgpu.BindGroupLayoutEntry
	offsets, size := scalarLayout(src.ScalarNames, src.Uniforms)
	p.scalarOffsets = offsets
	if size > 0 {
		p.scalarData = make([]byte, size)
		buf, err := e.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: src.Label + "-uniforms",
			Size:  uint64(size),
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("allocating uniform buffer of %q: %w", src.Label, err)
		}
		p.uniformBuf = buf
		layoutEntries = append(layoutEntries, wgpu.BindGroupLayoutEntry{
			Binding:    0,
			Visibility: wgpu.ShaderStageVertex | wgpu.ShaderStageFragment,
			Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
		})
	}
	for i := range src.TextureNames {
		layoutEntries = append(layoutEntries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(1 + i),
			Visibility: wgpu.ShaderStageVertex | wgpu.ShaderStageFragment,
			Texture: wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeUnfilterableFloat,
				ViewDimension: wgpu.TextureViewDimension2D,
			},
		})
	}
	layout, err := e.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   src.Label + "-layout",
		Entries: layoutEntries,
	})
	if err != nil {
		p.Release()
		return nil, fmt.Errorf("creating bind group layout of %q: %w", src.Label, err)
	}
	p.layout = layout

	// Apply initial uniform values from the composed source.
	for name, u := range src.Uniforms {
		if u.Value == nil {
			continue
		}
		if err := p.SetUniform(name, u.Value); err != nil {
			p.Release()
			return nil, fmt.Errorf("initializing uniform %q of %q: %w", name, src.Label, err)
		}
	}
	return p, nil
}

func (p *wgpuProgram) SetUniform(name string, value any) error {
	for _, tn := range p.src.TextureNames {
		if tn != name {
			continue
		}
		tex, ok := value.(*wgpuTexture)
		if !ok {
			return fmt.Errorf("uniform %q wants a texture, got %T", name, value)
		}
		p.textures[name] = tex
		p.bindDirty = true
		return nil
	}
	off, ok := p.scalarOffsets[name]
	if !ok {
		return fmt.Errorf("unknown uniform %q", name)
	}
	data, err := packUniformValue(p.src.Uniforms[name].Kind, value)
	if err != nil {
		return fmt.Errorf("uniform %q: %w", name, err)
	}
	copy(p.scalarData[off:], data)
	if err := p.engine.queue.WriteBuffer(p.uniformBuf, 0, p.scalarData); err != nil {
		panic(err)
	}
	return nil
}

func (p *wgpuProgram) ensureBindGroup() error {
	if !p.bindDirty && p.bindGroup != nil {
		return nil
	}
	var entries []wgpu.BindGroupEntry
	if p.uniformBuf != nil {
		entries = append(entries, wgpu.BindGroupEntry{Binding: 0, Buffer: p.uniformBuf, Size: wgpu.WholeSize})
	}
	for i, name := range p.src.TextureNames {
		tex, ok := p.textures[name]
		if !ok {
			return fmt.Errorf("texture uniform %q was never bound", name)
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(1 + i), TextureView: tex.view, Size: wgpu.WholeSize})
	}
	if p.bindGroup != nil {
		p.bindGroup.Release()
		p.bindGroup = nil
	}
	group, err := p.engine.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   p.src.Label + "-bindings",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		panic(err)
	}
	p.bindGroup = group
	p.bindDirty = false
	return nil
}

func (p *wgpuProgram) Release() {
	if p.released {
		return
	}
	p.released = true
	if p.bindGroup != nil {
		p.bindGroup.Release()
	}
	if p.uniformBuf != nil {
		p.uniformBuf.Release()
	}
	if p.layout != nil {
		p.layout.Release()
	}
	if p.fullScreenPipeline != nil {
		p.fullScreenPipeline.Release()
	}
	if p.displayPipeline != nil {
		p.displayPipeline.Release()
	}
	if p.fragmentModule != nil {
		p.fragmentModule.Release()
	}
	if p.vertexModule != nil {
		p.vertexModule.Release()
	}
}

func (p *wgpuProgram) pipelineLayout() *wgpu.PipelineLayout {
	layout, err := p.engine.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            p.src.Label + "-pipeline-layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{p.layout},
	})
	if err != nil {
		panic(err)
	}
	return layout
}

func blendState(mode BlendingMode) *wgpu.BlendState {
	switch mode {
	case BlendAlpha:
		return &wgpu.BlendState{
			Color: wgpu.BlendComponent{
				Operation: wgpu.BlendOperationAdd,
				SrcFactor: wgpu.BlendFactorSrcAlpha,
				DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
			},
			Alpha: wgpu.BlendComponent{
				Operation: wgpu.BlendOperationAdd,
				SrcFactor: wgpu.BlendFactorOne,
				DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
			},
		}
	case BlendAdditive:
		return &wgpu.BlendState{
			Color: wgpu.BlendComponent{
				Operation: wgpu.BlendOperationAdd,
				SrcFactor: wgpu.BlendFactorSrcAlpha,
				DstFactor: wgpu.BlendFactorOne,
			},
			Alpha: wgpu.BlendComponent{
				Operation: wgpu.BlendOperationAdd,
				SrcFactor: wgpu.BlendFactorOne,
				DstFactor: wgpu.BlendFactorOne,
			},
		}
	}
	return nil
}

func (p *wgpuProgram) ensureFullScreenPipeline() *wgpu.RenderPipeline {
	if p.fullScreenPipeline != nil {
		return p.fullScreenPipeline
	}
	targets := make([]wgpu.ColorTargetState, p.src.Attachments)
	for i := range targets {
		targets[i] = wgpu.ColorTargetState{
			Format:    renderTargetFormat,
			WriteMask: wgpu.ColorWriteMaskAll,
		}
	}
	layout := p.pipelineLayout()
	defer layout.Release()
	pipeline, err := p.engine.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  p.src.Label + "-fullscreen",
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     p.vertexModule,
			EntryPoint: "vs_main",
			Buffers:    []wgpu.VertexBufferLayout{quadVertexLayout()},
		},
		Fragment: &wgpu.FragmentState{
			Module:     p.fragmentModule,
			EntryPoint: "fs_main",
			Targets:    targets,
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		panic(err)
	}
	p.fullScreenPipeline = pipeline
	return pipeline
}

func (p *wgpuProgram) ensureDisplayPipeline() *wgpu.RenderPipeline {
	if p.displayPipeline != nil {
		return p.displayPipeline
	}
	layout := p.pipelineLayout()
	defer layout.Release()
	pipeline, err := p.engine.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  p.src.Label + "-display",
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     p.vertexModule,
			EntryPoint: "vs_main",
			Buffers:    []wgpu.VertexBufferLayout{quadVertexLayout()},
		},
		Fragment: &wgpu.FragmentState{
			Module:     p.fragmentModule,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    p.engine.surfaceConfig.Format,
					Blend:     blendState(p.src.Blending),
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		DepthStencil: &wgpu.DepthStencilState{
			Format:            wgpu.TextureFormatDepth24Plus,
			DepthWriteEnabled: p.src.DepthWrite,
			DepthCompare:      wgpu.CompareFunctionLess,
			StencilFront:      wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
			StencilBack:       wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		panic(err)
	}
	p.displayPipeline = pipeline
	return pipeline
}

// SubmitFullScreenPass rasterizes the full-screen quad once, writing every
// attachment of target. The previously bound output is untouched: each pass
// uses its own encoder and render pass.
func (e *WgpuEngine) SubmitFullScreenPass(prog Program, target RenderTarget) error {
	p, ok := prog.(*wgpuProgram)
	if !ok {
		return fmt.Errorf("program was not built by this engine")
	}
	rt, ok := target.(*wgpuRenderTarget)
	if !ok {
		return fmt.Errorf("render target was not allocated by this engine")
	}
	if len(rt.attachments) != p.src.Attachments {
		return fmt.Errorf("program writes %d attachments, target has %d", p.src.Attachments, len(rt.attachments))
	}
	if err := p.ensureBindGroup(); err != nil {
		return err
	}

	encoder, err := e.device.CreateCommandEncoder(nil)
	if err != nil {
		panic(err)
	}
	defer encoder.Release()

	colors := make([]wgpu.RenderPassColorAttachment, len(rt.attachments))
	for i, a := range rt.attachments {
		colors[i] = wgpu.RenderPassColorAttachment{
			View:       a.view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{},
		}
	}
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{ColorAttachments: colors})
	defer pass.Release()

	pass.SetPipeline(p.ensureFullScreenPipeline())
	pass.SetBindGroup(0, p.bindGroup, nil)
	pass.SetVertexBuffer(0, e.fsVertexBuf, 0, wgpu.WholeSize)
	pass.SetIndexBuffer(e.fsIndexBuf, wgpu.IndexFormatUint16, 0, wgpu.WholeSize)
	pass.DrawIndexed(uint32(len(quadIndices)), 1, 0, 0, 0)
	if err := pass.End(); err != nil {
		panic(err)
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		panic(err)
	}
	defer cmd.Release()
	e.queue.Submit(cmd)
	return nil
}

// BeginFrame acquires the next surface texture and clears it. Required
// before DrawInstanced on a window engine.
func (e *WgpuEngine) BeginFrame() error {
	if e.surface == nil {
		return fmt.Errorf("engine has no surface to draw into")
	}
	frame, err := e.surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("acquiring frame: %w", err)
	}
	view, err := frame.CreateView(nil)
	if err != nil {
		panic(err)
	}
	e.frameTexture = frame
	e.frameView = view

	encoder, err := e.device.CreateCommandEncoder(nil)
	if err != nil {
		panic(err)
	}
	defer encoder.Release()
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{View: view, LoadOp: wgpu.LoadOpClear, StoreOp: wgpu.StoreOpStore, ClearValue: e.ClearColor},
		},
		DepthStencilAttachment: &wgpu.RenderPassDepthStencilAttachment{
			View:            e.depthView,
			DepthLoadOp:     wgpu.LoadOpClear,
			DepthStoreOp:    wgpu.StoreOpStore,
			DepthClearValue: 1.0,
		},
	})
	if err := pass.End(); err != nil {
		panic(err)
	}
	pass.Release()
	cmd, err := encoder.Finish(nil)
	if err != nil {
		panic(err)
	}
	defer cmd.Release()
	e.queue.Submit(cmd)
	return nil
}

func (e *WgpuEngine) DrawInstanced(prog Program, instanceCount int) error {
	p, ok := prog.(*wgpuProgram)
	if !ok {
		return fmt.Errorf("program was not built by this engine")
	}
	if instanceCount < 0 {
		return fmt.Errorf("instance count must not be negative, got %d", instanceCount)
	}
	if e.frameView == nil {
		return fmt.Errorf("no active frame; call BeginFrame first")
	}
	if instanceCount == 0 {
		return nil
	}
	if err := p.ensureBindGroup(); err != nil {
		return err
	}

	encoder, err := e.device.CreateCommandEncoder(nil)
	if err != nil {
		panic(err)
	}
	defer encoder.Release()
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{View: e.frameView, LoadOp: wgpu.LoadOpLoad, StoreOp: wgpu.StoreOpStore},
		},
		DepthStencilAttachment: &wgpu.RenderPassDepthStencilAttachment{
			View:            e.depthView,
			DepthLoadOp:     wgpu.LoadOpLoad,
			DepthStoreOp:    wgpu.StoreOpStore,
		},
	})
	defer pass.Release()

	pass.SetPipeline(p.ensureDisplayPipeline())
	pass.SetBindGroup(0, p.bindGroup, nil)
	pass.SetVertexBuffer(0, e.quadVertexBuf, 0, wgpu.WholeSize)
	pass.SetIndexBuffer(e.quadIndexBuf, wgpu.IndexFormatUint16, 0, wgpu.WholeSize)
	pass.DrawIndexed(uint32(len(quadIndices)), uint32(instanceCount), 0, 0, 0)
	if err := pass.End(); err != nil {
		panic(err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		panic(err)
	}
	defer cmd.Release()
	e.queue.Submit(cmd)
	return nil
}

// Present shows the current frame and releases it.
func (e *WgpuEngine) Present() {
	if e.frameView == nil {
		return
	}
	e.surface.Present()
	e.frameView.Release()
	e.frameView = nil
	e.frameTexture = nil
}

func (e *WgpuEngine) Release() {
	if e.released {
		return
	}
	e.released = true
	for _, b := range []*wgpu.Buffer{e.quadVertexBuf, e.quadIndexBuf, e.fsVertexBuf, e.fsIndexBuf} {
		if b != nil {
			b.Release()
		}
	}
	if e.frameView != nil {
		e.frameView.Release()
	}
	if e.depthView != nil {
		e.depthView.Release()
	}
	if e.depthTexture != nil {
		e.depthTexture.Release()
	}
	if e.device != nil {
		e.device.Release()
	}
	if e.adapter != nil {
		e.adapter.Release()
	}
	if e.surface != nil {
		e.surface.Release()
	}
	if e.instance != nil {
		e.instance.Release()
	}
}

// scalarLayout computes each scalar uniform's byte offset in the packed
// block, following WGSL struct layout rules for the kinds the composer
// declares, and the total buffer size rounded up to 16.
func scalarLayout(names []string, uniforms map[string]Uniform) (map[string]int, int) {
	offsets := make(map[string]int, len(names))
	cur := 0
	for _, name := range names {
		align, size := kindLayout(uniforms[name].Kind)
		cur = alignUp(cur, align)
		offsets[name] = cur
		cur += size
	}
	return offsets, alignUp(cur, 16)
}

func kindLayout(k UniformKind) (align, size int) {
	switch k {
	case UniformFloat, UniformInt:
		return 4, 4
	case UniformVec2:
		return 8, 8
	case UniformVec3:
		return 16, 12
	case UniformVec4:
		return 16, 16
	case UniformMat4:
		return 16, 64
	}
	return 4, 0
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}

func packUniformValue(k UniformKind, value any) ([]byte, error) {
	switch k {
	case UniformFloat:
		f, ok := value.(float32)
		if !ok {
			return nil, fmt.Errorf("want float32, got %T", value)
		}
		return appendFloats(nil, f), nil
	case UniformInt:
		switch v := value.(type) {
		case int32:
			return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
		case int:
			return binary.LittleEndian.AppendUint32(nil, uint32(int32(v))), nil
		}
		return nil, fmt.Errorf("want int32, got %T", value)
	case UniformVec2:
		v, ok := value.(mgl32.Vec2)
		if !ok {
			return nil, fmt.Errorf("want mgl32.Vec2, got %T", value)
		}
		return appendFloats(nil, v[:]...), nil
	case UniformVec3:
		v, ok := value.(mgl32.Vec3)
		if !ok {
			return nil, fmt.Errorf("want mgl32.Vec3, got %T", value)
		}
		return appendFloats(nil, v[:]...), nil
	case UniformVec4:
		v, ok := value.(mgl32.Vec4)
		if !ok {
			return nil, fmt.Errorf("want mgl32.Vec4, got %T", value)
		}
		return appendFloats(nil, v[:]...), nil
	case UniformMat4:
		v, ok := value.(mgl32.Mat4)
		if !ok {
			return nil, fmt.Errorf("want mgl32.Mat4, got %T", value)
		}
		return appendFloats(nil, v[:]...), nil
	}
	return nil, fmt.Errorf("kind %d cannot be packed", k)
}

func appendFloats(dst []byte, values ...float32) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
