package billboard

import (
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

type MaterialKind int

const (
	MaterialBasic MaterialKind = iota
	MaterialPhong
)

// ShaderDeclarations lists every name a caller-supplied code fragment may
// reference. Uniforms become program-global bindings in both stages,
// attributes become per-instance vertex inputs (CPU batching path only) and
// varyings carry a value from the position stage to the color stage.
// Fragment bodies themselves are never parsed: a fragment referencing an
// undeclared name composes fine and fails later at program build.
type ShaderDeclarations struct {
	Uniforms   map[string]Uniform
	Attributes map[string]UniformKind
	Varyings   map[string]UniformKind
}

// BillboardMaterialParams describes one complete billboard program.
// PositionCode fills out_anchor (vec3f) and out_localTransform (mat2x2f),
// plus out_<varying> locals for each declared varying. ColorCode is the body
// of a function (surfaceUv: vec2f, varyings...) -> vec4f and must return the
// final color.
type BillboardMaterialParams struct {
	Label        string
	Material     MaterialKind
	Declarations ShaderDeclarations
	PositionCode string
	ColorCode    string

	// Helpers is extra WGSL (functions, consts) spliced into both stages
	// before the caller fragments.
	Helpers string

	// Origin is the pivot offset subtracted from the quad corner before the
	// local transform is applied. Zero keeps the quad centered on its anchor.
	Origin mgl32.Vec2

	// LockAxis, when non-nil, fixes the billboard "up" vector instead of
	// following the camera. Normalized once at composition; a zero vector is
	// a composition error.
	LockAxis *mgl32.Vec3

	Blending    BlendingMode
	DepthWrite  bool
	Transparent bool
}

// Fixed anchor strings of the program skeletons. Composition is pure text
// substitution at these points; each must occur exactly once.
const (
	anchorDeclarations  = "//__DECLARATIONS__"
	anchorHelpers       = "//__HELPERS__"
	anchorAttributes    = "//__ATTRIBUTE_INPUTS__"
	anchorVaryingOut    = "//__VARYING_OUTPUTS__"
	anchorVaryingIn     = "//__VARYING_INPUTS__"
	anchorInstFields    = "//__INSTANCE_FIELDS__"
	anchorAliases       = "//__UNIFORM_ALIASES__"
	anchorVaryingLocals = "//__VARYING_LOCALS__"
	anchorPositionCode  = "//__POSITION_COMPUTE__"
	anchorInstCollect   = "//__INSTANCE_COLLECT__"
	anchorUpVector      = "//__UP_VECTOR__"
	anchorOrigin        = "/*__ORIGIN__*/"
	anchorVaryingFwd    = "//__VARYING_FORWARD__"
	anchorColorParams   = "/*__COLOR_PARAMS__*/"
	anchorColorArgs     = "/*__COLOR_ARGS__*/"
	anchorColorCode     = "//__COLOR_COMPUTE__"
	anchorShading       = "//__SHADING__"
)

const billboardVertexSkeleton = `struct VertexIn {
    @builtin(instance_index) instanceIndex: u32,
    @location(0) corner: vec2f,
    @location(1) uv: vec2f,
//__ATTRIBUTE_INPUTS__
}

struct VertexOut {
    @builtin(position) position: vec4f,
    @location(0) surfaceUv: vec2f,
//__VARYING_OUTPUTS__
}

//__DECLARATIONS__

//__HELPERS__

struct InstanceData {
    anchor: vec3f,
    localTransform: mat2x2f,
//__INSTANCE_FIELDS__
}

fn computeInstanceData(in: VertexIn) -> InstanceData {
    let instanceIndex = in.instanceIndex;
//__UNIFORM_ALIASES__
    var out_anchor = vec3f(0.0);
    var out_localTransform = mat2x2f(1.0, 0.0, 0.0, 1.0);
//__VARYING_LOCALS__
    {
//__POSITION_COMPUTE__
    }
    var inst: InstanceData;
    inst.anchor = out_anchor;
    inst.localTransform = out_localTransform;
//__INSTANCE_COLLECT__
    return inst;
}

@vertex
fn vs_main(in: VertexIn) -> VertexOut {
    let inst = computeInstanceData(in);
    let viewDir = -normalize(vec3f(params.uViewMatrix[0][2], params.uViewMatrix[1][2], params.uViewMatrix[2][2]));
//__UP_VECTOR__
    let right = normalize(cross(viewDir, up));
    let local = inst.localTransform * (in.corner - /*__ORIGIN__*/);
    let world = inst.anchor + local.x * right + local.y * up;
    var out: VertexOut;
    out.position = params.uProjectionMatrix * params.uViewMatrix * vec4f(world, 1.0);
    out.surfaceUv = in.uv;
//__VARYING_FORWARD__
    return out;
}
`

const billboardFragmentSkeleton = `struct FragmentIn {
    @builtin(position) position: vec4f,
    @location(0) surfaceUv: vec2f,
//__VARYING_INPUTS__
}

//__DECLARATIONS__

//__HELPERS__

fn computeFragmentColor(surfaceUv: vec2f/*__COLOR_PARAMS__*/) -> vec4f {
//__UNIFORM_ALIASES__
//__COLOR_COMPUTE__
}

@fragment
fn fs_main(in: FragmentIn) -> @location(0) vec4f {
    var color = computeFragmentColor(in.surfaceUv/*__COLOR_ARGS__*/);
//__SHADING__
    return color;
}
`

const fullScreenVertexSource = `struct FullScreenOut {
    @builtin(position) position: vec4f,
    @location(0) texelCoord: vec2f,
}

@vertex
fn vs_main(@location(0) corner: vec2f, @location(1) uv: vec2f) -> FullScreenOut {
    var out: FullScreenOut;
    out.position = vec4f(corner, 0.0, 1.0);
    out.texelCoord = uv;
    return out;
}
`

const fullScreenFragmentSkeleton = `struct FullScreenOut {
    @builtin(position) position: vec4f,
    @location(0) texelCoord: vec2f,
}

//__DECLARATIONS__

//__HELPERS__

struct PipelineOut {
//__INSTANCE_FIELDS__
}

@fragment
fn fs_main(in: FullScreenOut) -> PipelineOut {
//__UNIFORM_ALIASES__
    let texelCoord = in.texelCoord;
    let texelIndex = vec2i(in.position.xy);
//__VARYING_LOCALS__
    {
//__POSITION_COMPUTE__
    }
    var out: PipelineOut;
//__INSTANCE_COLLECT__
    return out;
}
`

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ComposeBillboardProgram assembles a full billboard rendering program from
// the declarations and the two caller code fragments. It returns a
// composition error for structural faults only (unsupported material,
// invalid declaration names, zero lock axis, broken anchors).
func ComposeBillboardProgram(p BillboardMaterialParams) (ProgramSource, error) {
	if p.Material != MaterialBasic && p.Material != MaterialPhong {
		return ProgramSource{}, fmt.Errorf("unsupported material kind %d", p.Material)
	}

	uniforms, err := builtinUniforms(p)
	if err != nil {
		return ProgramSource{}, err
	}
	for name, u := range p.Declarations.Uniforms {
		if err := validName(name, "uniform"); err != nil {
			return ProgramSource{}, err
		}
		if _, taken := uniforms[name]; taken {
			return ProgramSource{}, fmt.Errorf("uniform %q collides with a built-in binding", name)
		}
		uniforms[name] = u
	}
	for name, k := range p.Declarations.Attributes {
		if err := validName(name, "attribute"); err != nil {
			return ProgramSource{}, err
		}
		if k == UniformTexture || k == UniformMat4 {
			return ProgramSource{}, fmt.Errorf("attribute %q: kind not usable as a vertex input", name)
		}
	}
	for name, k := range p.Declarations.Varyings {
		if err := validName(name, "varying"); err != nil {
			return ProgramSource{}, err
		}
		if k == UniformTexture || k == UniformMat4 {
			return ProgramSource{}, fmt.Errorf("varying %q: kind not usable as a varying", name)
		}
	}

	scalars, textures := splitUniformNames(uniforms)
	attrNames := sortedKeys(p.Declarations.Attributes)
	varyNames := sortedKeys(p.Declarations.Varyings)

	decl := declarationBlock(uniforms, scalars, textures)
	aliases := aliasBlock(scalars)

	// Vertex stage.
	var attrIn, varyOut, varyIn, instFields, varyLocals, instCollect, varyFwd strings.Builder
	for i, name := range attrNames {
		fmt.Fprintf(&attrIn, "    @location(%d) %s: %s,\n", 2+i, name, wgslType(p.Declarations.Attributes[name]))
	}
	for i, name := range varyNames {
		k := p.Declarations.Varyings[name]
		fmt.Fprintf(&varyOut, "    @location(%d) %s: %s,\n", 1+i, name, wgslType(k))
		fmt.Fprintf(&varyIn, "    @location(%d) %s: %s,\n", 1+i, name, wgslType(k))
		fmt.Fprintf(&instFields, "    %s: %s,\n", name, wgslType(k))
		fmt.Fprintf(&varyLocals, "    var out_%s: %s;\n", name, wgslType(k))
		fmt.Fprintf(&instCollect, "    inst.%s = out_%s;\n", name, name)
		fmt.Fprintf(&varyFwd, "    out.%s = inst.%s;\n", name, name)
	}

	// Attribute aliases so the position fragment sees attributes by name.
	attrAliases := aliases
	for _, name := range attrNames {
		attrAliases += fmt.Sprintf("    let %s = in.%s;\n", name, name)
	}

	up := "    let up = normalize(vec3f(params.uViewMatrix[0][1], params.uViewMatrix[1][1], params.uViewMatrix[2][1]));"
	if p.LockAxis != nil {
		axis := p.LockAxis.Normalize()
		up = fmt.Sprintf("    let up = vec3f(%s, %s, %s);", wgslFloat(axis[0]), wgslFloat(axis[1]), wgslFloat(axis[2]))
	}

	vertex := billboardVertexSkeleton
	for _, sub := range []struct{ anchor, text string }{
		{anchorAttributes, attrIn.String()},
		{anchorVaryingOut, varyOut.String()},
		{anchorDeclarations, decl},
		{anchorHelpers, p.Helpers},
		{anchorInstFields, instFields.String()},
		{anchorAliases, attrAliases},
		{anchorVaryingLocals, varyLocals.String()},
		{anchorPositionCode, p.PositionCode},
		{anchorInstCollect, instCollect.String()},
		{anchorUpVector, up},
		{anchorOrigin, fmt.Sprintf("vec2f(%s, %s)", wgslFloat(p.Origin[0]), wgslFloat(p.Origin[1]))},
		{anchorVaryingFwd, varyFwd.String()},
	} {
		if vertex, err = injectAt(vertex, sub.anchor, sub.text); err != nil {
			return ProgramSource{}, err
		}
	}

	// Fragment stage.
	var colorParams, colorArgs strings.Builder
	for _, name := range varyNames {
		fmt.Fprintf(&colorParams, ", %s: %s", name, wgslType(p.Declarations.Varyings[name]))
		fmt.Fprintf(&colorArgs, ", in.%s", name)
	}

	shading := ""
	if p.Material == MaterialPhong {
		shading = `    let normal = normalize(vec3f(params.uViewMatrix[0][2], params.uViewMatrix[1][2], params.uViewMatrix[2][2]));
    let lambert = max(dot(normal, -normalize(params.uLightDirection)), 0.0);
    color = vec4f(color.rgb * (params.uAmbient + (1.0 - params.uAmbient) * lambert), color.a);`
	}

	fragment := billboardFragmentSkeleton
	for _, sub := range []struct{ anchor, text string }{
		{anchorVaryingIn, varyIn.String()},
		{anchorDeclarations, decl},
		{anchorHelpers, p.Helpers},
		{anchorColorParams, colorParams.String()},
		{anchorAliases, aliases},
		{anchorColorCode, p.ColorCode},
		{anchorColorArgs, colorArgs.String()},
		{anchorShading, shading},
	} {
		if fragment, err = injectAt(fragment, sub.anchor, sub.text); err != nil {
			return ProgramSource{}, err
		}
	}

	return ProgramSource{
		Label:        p.Label,
		VertexCode:   vertex,
		FragmentCode: fragment,
		Uniforms:     uniforms,
		ScalarNames:  scalars,
		TextureNames: textures,
		Attachments:  1,
		Blending:     p.Blending,
		DepthWrite:   p.DepthWrite,
		Transparent:  p.Transparent,
		CacheKey:     billboardCacheKey(p, uniforms),
	}, nil
}

// composeFullScreenProgram builds one ping-pong pipeline program writing all
// channels as simultaneous attachments. Previous-state inputs are bound as
// uPreviousState_<channel> when the pipeline asks for them.
func composeFullScreenProgram(label string, channels []string, pl Pipeline, helpers string) (ProgramSource, error) {
	uniforms := map[string]Uniform{}
	for name, u := range pl.Uniforms {
		if err := validName(name, "uniform"); err != nil {
			return ProgramSource{}, err
		}
		uniforms[name] = u
	}
	if pl.RequiresPreviousState {
		for _, ch := range channels {
			name := previousStateUniform(ch)
			if _, taken := uniforms[name]; taken {
				return ProgramSource{}, fmt.Errorf("uniform %q collides with a previous-state binding", name)
			}
			uniforms[name] = Uniform{Kind: UniformTexture}
		}
	}

	scalars, textures := splitUniformNames(uniforms)

	var outFields, outLocals, outCollect, stateIn strings.Builder
	for i, ch := range channels {
		if err := validName(ch, "channel"); err != nil {
			return ProgramSource{}, err
		}
		fmt.Fprintf(&outFields, "    @location(%d) out_%s: vec4f,\n", i, ch)
		fmt.Fprintf(&outLocals, "    var out_%s = vec4f(0.0);\n", ch)
		fmt.Fprintf(&outCollect, "    out.out_%s = out_%s;\n", ch, ch)
	}
	if pl.RequiresPreviousState {
		for _, ch := range channels {
			fmt.Fprintf(&stateIn, "    let in_%s = textureLoad(%s, texelIndex, 0);\n", ch, previousStateUniform(ch))
		}
	}

	fragment := fullScreenFragmentSkeleton
	var err error
	for _, sub := range []struct{ anchor, text string }{
		{anchorDeclarations, declarationBlock(uniforms, scalars, textures)},
		{anchorHelpers, helpers},
		{anchorInstFields, outFields.String()},
		{anchorAliases, aliasBlock(scalars)},
		{anchorVaryingLocals, stateIn.String() + outLocals.String()},
		{anchorPositionCode, pl.Code},
		{anchorInstCollect, outCollect.String()},
	} {
		if fragment, err = injectAt(fragment, sub.anchor, sub.text); err != nil {
			return ProgramSource{}, err
		}
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "fullscreen|%v|%s|", pl.RequiresPreviousState, pl.Code)
	for _, ch := range channels {
		fmt.Fprintf(h, "%s|", ch)
	}
	hashUniforms(h, uniforms, scalars, textures)

	return ProgramSource{
		Label:        label,
		VertexCode:   fullScreenVertexSource,
		FragmentCode: fragment,
		Uniforms:     uniforms,
		ScalarNames:  scalars,
		TextureNames: textures,
		Attachments:  len(channels),
		CacheKey:     h.Sum64(),
	}, nil
}

// injectAt substitutes text for the anchor. The anchor occurring zero or
// multiple times is a composition error, never a silent partial replacement.
func injectAt(skeleton, anchor, text string) (string, error) {
	switch n := strings.Count(skeleton, anchor); n {
	case 1:
		return strings.Replace(skeleton, anchor, text, 1), nil
	case 0:
		return "", fmt.Errorf("shader skeleton is missing anchor %q", anchor)
	default:
		return "", fmt.Errorf("shader skeleton has %d occurrences of anchor %q", n, anchor)
	}
}

func builtinUniforms(p BillboardMaterialParams) (map[string]Uniform, error) {
	uniforms := map[string]Uniform{
		"uViewMatrix":       {Kind: UniformMat4, Value: mgl32.Ident4()},
		"uProjectionMatrix": {Kind: UniformMat4, Value: mgl32.Ident4()},
	}
	if p.Material == MaterialPhong {
		uniforms["uLightDirection"] = Uniform{Kind: UniformVec3, Value: mgl32.Vec3{0, -1, 0}}
		uniforms["uAmbient"] = Uniform{Kind: UniformFloat, Value: float32(0.3)}
	}
	if p.LockAxis != nil && p.LockAxis.Len() == 0 {
		return nil, fmt.Errorf("lock axis must not be the zero vector")
	}
	return uniforms, nil
}

func previousStateUniform(channel string) string {
	return "uPreviousState_" + channel
}

func validName(name, role string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("%s name %q is not a valid identifier", role, name)
	}
	return nil
}

func splitUniformNames(uniforms map[string]Uniform) (scalars, textures []string) {
	for name, u := range uniforms {
		if u.Kind == UniformTexture {
			textures = append(textures, name)
		} else {
			scalars = append(scalars, name)
		}
	}
	sort.Strings(scalars)
	sort.Strings(textures)
	return scalars, textures
}

// declarationBlock emits the shared binding declarations: one uniform block
// holding every scalar at binding 0, then each texture at its own binding
// starting from 1. Textures keep their declared names; scalars are re-exposed
// by aliasBlock inside the wrapping functions.
func declarationBlock(uniforms map[string]Uniform, scalars, textures []string) string {
	var b strings.Builder
	if len(scalars) > 0 {
		b.WriteString("struct Params {\n")
		for _, name := range scalars {
			fmt.Fprintf(&b, "    %s: %s,\n", name, wgslType(uniforms[name].Kind))
		}
		b.WriteString("}\n\n")
		b.WriteString("@group(0) @binding(0) var<uniform> params: Params;\n")
	}
	for i, name := range textures {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var %s: texture_2d<f32>;\n", 1+i, name)
	}
	return b.String()
}

func aliasBlock(scalars []string) string {
	var b strings.Builder
	for _, name := range scalars {
		fmt.Fprintf(&b, "    let %s = params.%s;\n", name, name)
	}
	return b.String()
}

func wgslType(k UniformKind) string {
	switch k {
	case UniformFloat:
		return "f32"
	case UniformInt:
		return "i32"
	case UniformVec2:
		return "vec2f"
	case UniformVec3:
		return "vec3f"
	case UniformVec4:
		return "vec4f"
	case UniformMat4:
		return "mat4x4f"
	case UniformTexture:
		return "texture_2d<f32>"
	}
	return "f32"
}

func wgslFloat(f float32) string {
	s := fmt.Sprintf("%g", f)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// billboardCacheKey hashes everything that shapes the composed sources, so
// identical configurations map to the same program regardless of build order.
func billboardCacheKey(p BillboardMaterialParams, uniforms map[string]Uniform) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "billboard|%d|%d|%v|%v|%v|%v|", p.Material, p.Blending, p.DepthWrite, p.Transparent, p.Origin, p.LockAxis != nil)
	if p.LockAxis != nil {
		fmt.Fprintf(h, "%v|", *p.LockAxis)
	}
	fmt.Fprintf(h, "%s|%s|%s|", p.PositionCode, p.ColorCode, p.Helpers)
	scalars, textures := splitUniformNames(uniforms)
	hashUniforms(h, uniforms, scalars, textures)
	for _, name := range sortedKeys(p.Declarations.Attributes) {
		fmt.Fprintf(h, "attr:%s:%d|", name, p.Declarations.Attributes[name])
	}
	for _, name := range sortedKeys(p.Declarations.Varyings) {
		fmt.Fprintf(h, "vary:%s:%d|", name, p.Declarations.Varyings[name])
	}
	return h.Sum64()
}

func hashUniforms(h io.Writer, uniforms map[string]Uniform, scalars, textures []string) {
	for _, name := range scalars {
		fmt.Fprintf(h, "u:%s:%d|", name, uniforms[name].Kind)
	}
	for _, name := range textures {
		fmt.Fprintf(h, "t:%s|", name)
	}
}

func sortedKeys(m map[string]UniformKind) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
