package billboard

import (
	"fmt"
)

// A fake Engine recording every allocation, pass and draw, so the state
// machinery can be tested without a graphics device.

type fakeTexture struct {
	label    string
	id       int
	width    int
	height   int
	released bool
}

func (t *fakeTexture) Release() { t.released = true }

type fakeRenderTarget struct {
	width       int
	height      int
	attachments []*fakeTexture
	released    bool
}

func (rt *fakeRenderTarget) Attachment(i int) Texture { return rt.attachments[i] }
func (rt *fakeRenderTarget) Width() int               { return rt.width }
func (rt *fakeRenderTarget) Height() int              { return rt.height }

func (rt *fakeRenderTarget) Release() {
	rt.released = true
	for _, tex := range rt.attachments {
		tex.Release()
	}
}

type fakeProgram struct {
	src      ProgramSource
	uniforms map[string]any
	released bool
}

func (p *fakeProgram) SetUniform(name string, value any) error {
	for _, n := range p.src.ScalarNames {
		if n == name {
			p.uniforms[name] = value
			return nil
		}
	}
	for _, n := range p.src.TextureNames {
		if n == name {
			p.uniforms[name] = value
			return nil
		}
	}
	return fmt.Errorf("unknown uniform %q", name)
}

func (p *fakeProgram) Release() { p.released = true }

type passRecord struct {
	program *fakeProgram
	target  *fakeRenderTarget
	// uniforms as they were when the pass was submitted
	uniforms map[string]any
}

type drawRecord struct {
	program       *fakeProgram
	instanceCount int
}

type fakeEngine struct {
	nextID   int
	textures []*fakeTexture
	targets  []*fakeRenderTarget
	programs []*fakeProgram
	passes   []passRecord
	draws    []drawRecord

	failPass  bool
	failBuild bool
	released  bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) AllocateRenderTarget(width, height, attachmentCount int, label string) (RenderTarget, error) {
	rt := &fakeRenderTarget{width: width, height: height}
	for i := 0; i < attachmentCount; i++ {
		e.nextID++
		tex := &fakeTexture{
			label:  fmt.Sprintf("%s-attachment-%d", label, i),
			id:     e.nextID,
			width:  width,
			height: height,
		}
		rt.attachments = append(rt.attachments, tex)
		e.textures = append(e.textures, tex)
	}
	e.targets = append(e.targets, rt)
	return rt, nil
}

func (e *fakeEngine) CreateTexture(width, height int, rgba []byte, label string) (Texture, error) {
	if len(rgba) != width*height*4 {
		return nil, fmt.Errorf("texture data is %d bytes, want %d", len(rgba), width*height*4)
	}
	e.nextID++
	tex := &fakeTexture{label: label, id: e.nextID, width: width, height: height}
	e.textures = append(e.textures, tex)
	return tex, nil
}

func (e *fakeEngine) BuildProgram(src ProgramSource) (Program, error) {
	if e.failBuild {
		return nil, fmt.Errorf("program build rejected")
	}
	p := &fakeProgram{src: src, uniforms: map[string]any{}}
	for name, u := range src.Uniforms {
		if u.Value != nil {
			if err := p.SetUniform(name, u.Value); err != nil {
				return nil, err
			}
		}
	}
	e.programs = append(e.programs, p)
	return p, nil
}

func (e *fakeEngine) SubmitFullScreenPass(prog Program, target RenderTarget) error {
	if e.failPass {
		return fmt.Errorf("pass rejected")
	}
	p := prog.(*fakeProgram)
	snapshot := make(map[string]any, len(p.uniforms))
	for k, v := range p.uniforms {
		snapshot[k] = v
	}
	e.passes = append(e.passes, passRecord{
		program:  p,
		target:   target.(*fakeRenderTarget),
		uniforms: snapshot,
	})
	return nil
}

func (e *fakeEngine) DrawInstanced(prog Program, instanceCount int) error {
	e.draws = append(e.draws, drawRecord{program: prog.(*fakeProgram), instanceCount: instanceCount})
	return nil
}

func (e *fakeEngine) Release() { e.released = true }

func (e *fakeEngine) programByLabel(label string) *fakeProgram {
	for _, p := range e.programs {
		if p.src.Label == label {
			return p
		}
	}
	return nil
}
