package billboard

import (
	"fmt"
)

// Pipeline is one named full-screen program run against the ping-pong state.
// Code receives texelCoord (normalized, [0,1]) and texelIndex (vec2i), plus
// in_<channel> texel values when RequiresPreviousState is set, and must
// assign every out_<channel> local. The engine does not verify that each
// output was written; an unwritten output is undefined downstream content.
type Pipeline struct {
	RequiresPreviousState bool
	Uniforms              map[string]Uniform
	Code                  string
}

// PingPongState owns two texture sets and guarantees that no pipeline run
// ever reads and writes the same storage: a run samples the current set (when
// it needs previous state at all), writes the other one, and flips the
// current index afterwards. The sets are allocated once and never resized.
type PingPongState struct {
	engine   Engine
	logger   Logger
	width    int
	height   int
	channels map[string]int // channel name -> attachment index
	order    []string

	targets  [2]RenderTarget
	current  int
	programs map[string]*pipelineProgram

	released bool
}

type pipelineProgram struct {
	program               Program
	requiresPreviousState bool
}

// NewPingPongState allocates both texture sets and composes one program per
// pipeline. helpers is WGSL shared by every pipeline (codec functions and the
// like); it may be empty.
func NewPingPongState(engine Engine, width, height int, channels []string, pipelines map[string]Pipeline, helpers string, logger Logger) (*PingPongState, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("ping-pong state needs positive dimensions, got %dx%d", width, height)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("ping-pong state needs at least one channel")
	}

	s := &PingPongState{
		engine:   engine,
		logger:   orNopLogger(logger),
		width:    width,
		height:   height,
		channels: make(map[string]int, len(channels)),
		order:    append([]string(nil), channels...),
		programs: make(map[string]*pipelineProgram, len(pipelines)),
	}
	for i, ch := range channels {
		if _, dup := s.channels[ch]; dup {
			return nil, fmt.Errorf("duplicate channel %q", ch)
		}
		s.channels[ch] = i
	}

	for i := range s.targets {
		rt, err := engine.AllocateRenderTarget(width, height, len(channels), fmt.Sprintf("pingpong-set-%d", i))
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("allocating texture set %d: %w", i, err)
		}
		s.targets[i] = rt
	}

	for name, pl := range pipelines {
		src, err := composeFullScreenProgram("pipeline-"+name, s.order, pl, helpers)
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("composing pipeline %q: %w", name, err)
		}
		prog, err := engine.BuildProgram(src)
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("building pipeline %q: %w", name, err)
		}
		s.programs[name] = &pipelineProgram{program: prog, requiresPreviousState: pl.RequiresPreviousState}
		s.logger.Debugf("composed pipeline %q (%d channels, previous state: %v)", name, len(channels), pl.RequiresPreviousState)
	}

	return s, nil
}

// RunPipeline issues one full-screen pass writing every channel of the
// non-current set, then flips. An unknown name fails without touching any
// state. All texels are processed independently within the pass.
func (s *PingPongState) RunPipeline(name string) error {
	pp, ok := s.programs[name]
	if !ok {
		return fmt.Errorf("unknown pipeline %q", name)
	}

	next := 1 - s.current
	if pp.requiresPreviousState {
		for _, ch := range s.order {
			tex := s.targets[s.current].Attachment(s.channels[ch])
			if err := pp.program.SetUniform(previousStateUniform(ch), tex); err != nil {
				return fmt.Errorf("binding previous state for %q: %w", ch, err)
			}
		}
	}
	if err := s.engine.SubmitFullScreenPass(pp.program, s.targets[next]); err != nil {
		return fmt.Errorf("running pipeline %q: %w", name, err)
	}
	s.current = next
	return nil
}

// SetPipelineUniform updates one uniform of a pipeline's program before its
// next run.
func (s *PingPongState) SetPipelineUniform(pipeline, uniform string, value any) error {
	pp, ok := s.programs[pipeline]
	if !ok {
		return fmt.Errorf("unknown pipeline %q", pipeline)
	}
	return pp.program.SetUniform(uniform, value)
}

// CurrentTexture returns the channel's texture in the current (readable) set.
// The identity is stable until the next RunPipeline.
func (s *PingPongState) CurrentTexture(channel string) (Texture, error) {
	idx, ok := s.channels[channel]
	if !ok {
		return nil, fmt.Errorf("unknown texture channel %q", channel)
	}
	return s.targets[s.current].Attachment(idx), nil
}

func (s *PingPongState) Width() int  { return s.width }
func (s *PingPongState) Height() int { return s.height }

// Release frees both texture sets and every pipeline program. Safe to call
// more than once.
func (s *PingPongState) Release() {
	if s.released {
		return
	}
	s.released = true
	for _, pp := range s.programs {
		pp.program.Release()
	}
	for _, rt := range s.targets {
		if rt != nil {
			rt.Release()
		}
	}
}
