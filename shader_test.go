package billboard

import (
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func basicMaterialParams() BillboardMaterialParams {
	return BillboardMaterialParams{
		Label:    "test",
		Material: MaterialBasic,
		Declarations: ShaderDeclarations{
			Uniforms: map[string]Uniform{
				"uTint":  {Kind: UniformVec4, Value: mgl32.Vec4{1, 0, 0, 1}},
				"uAtlas": {Kind: UniformTexture},
			},
			Varyings: map[string]UniformKind{
				"vFade": UniformFloat,
			},
		},
		PositionCode: `out_anchor = vec3f(0.0); out_fade_unused();`,
		ColorCode:    `return uTint;`,
	}
}

func TestComposeBillboardProgram(t *testing.T) {
	p := basicMaterialParams()
	p.PositionCode = "out_anchor = vec3f(1.0, 2.0, 3.0);\nout_vFade = 0.5;"
	src, err := ComposeBillboardProgram(p)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}

	if src.Attachments != 1 {
		t.Errorf("display programs write one attachment, got %d", src.Attachments)
	}
	for _, anchor := range []string{anchorDeclarations, anchorPositionCode, anchorColorCode, anchorUpVector} {
		if strings.Contains(src.VertexCode, anchor) || strings.Contains(src.FragmentCode, anchor) {
			t.Errorf("anchor %q survived composition", anchor)
		}
	}
	if !strings.Contains(src.VertexCode, "out_anchor = vec3f(1.0, 2.0, 3.0);") {
		t.Errorf("position fragment not injected:\n%s", src.VertexCode)
	}
	if !strings.Contains(src.FragmentCode, "return uTint;") {
		t.Errorf("color fragment not injected:\n%s", src.FragmentCode)
	}
	// Declared names must surface in both stages' binding declarations.
	if !strings.Contains(src.VertexCode, "uTint: vec4f") || !strings.Contains(src.FragmentCode, "uTint: vec4f") {
		t.Errorf("uniform uTint missing from a stage's declarations")
	}
	if !strings.Contains(src.VertexCode, "var uAtlas: texture_2d<f32>") {
		t.Errorf("texture uniform missing: %s", src.VertexCode)
	}
	// Varying plumbing: written in the vertex stage, received by the color
	// function's signature.
	if !strings.Contains(src.VertexCode, "out.vFade = inst.vFade;") {
		t.Errorf("varying not forwarded in vertex stage")
	}
	if !strings.Contains(src.FragmentCode, "vFade: f32) -> vec4f") {
		t.Errorf("varying missing from color signature")
	}

	// Built-ins come before caller uniforms in no particular relation, but
	// both live in the shared scalar block.
	if src.ScalarNames[len(src.ScalarNames)-1] != "uViewMatrix" {
		t.Errorf("scalar names not sorted: %v", src.ScalarNames)
	}
}

func TestComposeUnsupportedMaterial(t *testing.T) {
	p := basicMaterialParams()
	p.Material = MaterialKind(42)
	if _, err := ComposeBillboardProgram(p); err == nil {
		t.Fatalf("expected unsupported material kind to fail composition")
	}
}

func TestComposeDoesNotValidateFragmentBodies(t *testing.T) {
	// Fragments referencing undeclared names are the build step's problem,
	// never the composer's.
	p := basicMaterialParams()
	p.ColorCode = "return uNotDeclaredAnywhere;"
	if _, err := ComposeBillboardProgram(p); err != nil {
		t.Fatalf("composition must not parse fragment bodies, got %v", err)
	}
}

func TestComposeRejectsInvalidDeclarationNames(t *testing.T) {
	p := basicMaterialParams()
	p.Declarations.Uniforms["not an identifier"] = Uniform{Kind: UniformFloat}
	if _, err := ComposeBillboardProgram(p); err == nil {
		t.Fatalf("expected invalid uniform name to fail composition")
	}
}

func TestComposeRejectsBuiltinCollision(t *testing.T) {
	p := basicMaterialParams()
	p.Declarations.Uniforms["uViewMatrix"] = Uniform{Kind: UniformFloat}
	if _, err := ComposeBillboardProgram(p); err == nil {
		t.Fatalf("expected built-in collision to fail composition")
	}
}

func TestComposeRejectsZeroLockAxis(t *testing.T) {
	p := basicMaterialParams()
	p.LockAxis = &mgl32.Vec3{}
	if _, err := ComposeBillboardProgram(p); err == nil {
		t.Fatalf("expected zero lock axis to fail composition")
	}
}

func TestComposeLockAxisIsNormalizedOnce(t *testing.T) {
	p := basicMaterialParams()
	p.LockAxis = &mgl32.Vec3{0, 2, 0}
	src, err := ComposeBillboardProgram(p)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	if !strings.Contains(src.VertexCode, "let up = vec3f(0.0, 1.0, 0.0);") {
		t.Errorf("lock axis should be baked normalized, got:\n%s", src.VertexCode)
	}
	if strings.Contains(src.VertexCode, "let up = normalize(vec3f(params.uViewMatrix") {
		t.Errorf("camera up should be absent when an axis is locked")
	}
}

func TestComposePhongAddsShadingUniforms(t *testing.T) {
	p := basicMaterialParams()
	p.Material = MaterialPhong
	src, err := ComposeBillboardProgram(p)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	if _, ok := src.Uniforms["uLightDirection"]; !ok {
		t.Errorf("phong materials should declare uLightDirection")
	}
	if !strings.Contains(src.FragmentCode, "lambert") {
		t.Errorf("phong shading term missing from fragment stage")
	}
}

func TestCacheKeyIsContentAddressed(t *testing.T) {
	a, err := ComposeBillboardProgram(basicMaterialParams())
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComposeBillboardProgram(basicMaterialParams())
	if err != nil {
		t.Fatal(err)
	}
	if a.CacheKey != b.CacheKey {
		t.Errorf("identical configurations should share a cache key: %x vs %x", a.CacheKey, b.CacheKey)
	}

	changed := basicMaterialParams()
	changed.ColorCode = "return vec4f(0.0);"
	c, err := ComposeBillboardProgram(changed)
	if err != nil {
		t.Fatal(err)
	}
	if c.CacheKey == a.CacheKey {
		t.Errorf("different fragments must not share a cache key")
	}
}

func TestInjectAt(t *testing.T) {
	if out, err := injectAt("a //X b", "//X", "mid"); err != nil || out != "a mid b" {
		t.Errorf("injectAt: got %q, %v", out, err)
	}
	if _, err := injectAt("no anchors here", "//X", "mid"); err == nil {
		t.Errorf("missing anchor should be an error")
	}
	if _, err := injectAt("//X //X", "//X", "mid"); err == nil {
		t.Errorf("duplicate anchor should be an error")
	}
}

func TestComposeFullScreenProgram(t *testing.T) {
	src, err := composeFullScreenProgram("p", []string{"positions1", "positions2"}, Pipeline{
		RequiresPreviousState: true,
		Uniforms: map[string]Uniform{
			"uSpeed": {Kind: UniformFloat, Value: float32(2)},
		},
		Code: "out_positions1 = in_positions1; out_positions2 = in_positions2;",
	}, "")
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	if src.Attachments != 2 {
		t.Errorf("want one attachment per channel, got %d", src.Attachments)
	}
	if !strings.Contains(src.FragmentCode, "@location(0) out_positions1: vec4f") ||
		!strings.Contains(src.FragmentCode, "@location(1) out_positions2: vec4f") {
		t.Errorf("channel outputs missing:\n%s", src.FragmentCode)
	}
	if !strings.Contains(src.FragmentCode, "let in_positions1 = textureLoad(uPreviousState_positions1, texelIndex, 0);") {
		t.Errorf("previous-state input missing:\n%s", src.FragmentCode)
	}
	found := false
	for _, n := range src.TextureNames {
		if n == "uPreviousState_positions1" {
			found = true
		}
	}
	if !found {
		t.Errorf("previous-state binding missing from texture names %v", src.TextureNames)
	}
}

func TestComposeFullScreenStatelessHasNoStateInputs(t *testing.T) {
	src, err := composeFullScreenProgram("p", []string{"positions1"}, Pipeline{
		Code: "out_positions1 = vec4f(0.5);",
	}, "")
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	if strings.Contains(src.FragmentCode, "uPreviousState_") {
		t.Errorf("stateless pipeline must not bind previous state:\n%s", src.FragmentCode)
	}
}
