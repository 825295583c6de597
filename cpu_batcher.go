package billboard

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// CpuInstanceBatcher is the host-uploaded counterpart to GpuBillboard: per
// instance data lives in CPU buffers split across fixed-capacity batches so
// an unbounded instance count maps onto bounded draw submissions. It shares
// the shader composer's declaration model but none of the ping-pong
// machinery.
type CpuInstanceBatcher struct {
	batchCapacity int
	attributes    map[string]UniformKind
	batches       []*InstanceBatch
	visibleCount  int
}

// InstanceBatch holds one draw submission's worth of instances in
// structure-of-arrays layout. Attribute writes flip only that attribute's
// dirty flag, so the host re-uploads the buffers it needs and nothing else.
type InstanceBatch struct {
	capacity     int
	visibleCount int

	positions  []mgl32.Vec3
	transforms []mgl32.Mat2
	custom     map[string][]float32

	positionsDirty  bool
	transformsDirty bool
	customDirty     map[string]bool
}

func NewCpuInstanceBatcher(batchCapacity int, customAttributes map[string]UniformKind) (*CpuInstanceBatcher, error) {
	if batchCapacity <= 0 {
		return nil, fmt.Errorf("batch capacity must be positive, got %d", batchCapacity)
	}
	attrs := make(map[string]UniformKind, len(customAttributes))
	for name, k := range customAttributes {
		if err := validName(name, "attribute"); err != nil {
			return nil, err
		}
		if k == UniformTexture || k == UniformMat4 {
			return nil, fmt.Errorf("attribute %q: kind not usable as a vertex input", name)
		}
		attrs[name] = k
	}
	return &CpuInstanceBatcher{
		batchCapacity: batchCapacity,
		attributes:    attrs,
	}, nil
}

// SetInstancesCount grows the batch list as needed (never shrinks it) and
// splits the visible count across batches: full batches first, the remainder
// in the last one, zero in the rest.
func (c *CpuInstanceBatcher) SetInstancesCount(n int) error {
	if n < 0 {
		return fmt.Errorf("instances count must not be negative, got %d", n)
	}
	for len(c.batches)*c.batchCapacity < n {
		c.batches = append(c.batches, c.newBatch())
	}
	c.visibleCount = n
	remaining := n
	for _, batch := range c.batches {
		visible := remaining
		if visible > batch.capacity {
			visible = batch.capacity
		}
		batch.visibleCount = visible
		remaining -= visible
	}
	return nil
}

func (c *CpuInstanceBatcher) newBatch() *InstanceBatch {
	b := &InstanceBatch{
		capacity:    c.batchCapacity,
		positions:   make([]mgl32.Vec3, c.batchCapacity),
		transforms:  make([]mgl32.Mat2, c.batchCapacity),
		custom:      make(map[string][]float32, len(c.attributes)),
		customDirty: make(map[string]bool, len(c.attributes)),
	}
	for i := range b.transforms {
		b.transforms[i] = mgl32.Ident2()
	}
	for name, k := range c.attributes {
		b.custom[name] = make([]float32, c.batchCapacity*attributeComponents(k))
	}
	return b
}

// locate maps a global instance id to its batch and local index by scanning
// batch boundaries. Ids beyond the allocated batches are errors, not growth
// triggers.
func (c *CpuInstanceBatcher) locate(id int) (*InstanceBatch, int, error) {
	if id < 0 {
		return nil, 0, fmt.Errorf("instance id must not be negative, got %d", id)
	}
	rest := id
	for _, batch := range c.batches {
		if rest < batch.capacity {
			return batch, rest, nil
		}
		rest -= batch.capacity
	}
	return nil, 0, fmt.Errorf("instance id %d is beyond the %d allocated instances", id, len(c.batches)*c.batchCapacity)
}

func (c *CpuInstanceBatcher) SetInstancePosition(id int, position mgl32.Vec3) error {
	batch, local, err := c.locate(id)
	if err != nil {
		return err
	}
	batch.positions[local] = position
	batch.positionsDirty = true
	return nil
}

func (c *CpuInstanceBatcher) SetInstanceTransform(id int, transform mgl32.Mat2) error {
	batch, local, err := c.locate(id)
	if err != nil {
		return err
	}
	batch.transforms[local] = transform
	batch.transformsDirty = true
	return nil
}

// SetInstanceCustomAttribute writes one declared attribute's components for
// an instance. The component count must match the declared kind exactly.
func (c *CpuInstanceBatcher) SetInstanceCustomAttribute(id int, name string, components []float32) error {
	kind, ok := c.attributes[name]
	if !ok {
		return fmt.Errorf("unknown custom attribute %q", name)
	}
	want := attributeComponents(kind)
	if len(components) != want {
		return fmt.Errorf("attribute %q expects %d components, got %d", name, want, len(components))
	}
	batch, local, err := c.locate(id)
	if err != nil {
		return err
	}
	copy(batch.custom[name][local*want:], components)
	batch.customDirty[name] = true
	return nil
}

func (c *CpuInstanceBatcher) InstancesCount() int { return c.visibleCount }
func (c *CpuInstanceBatcher) BatchCount() int     { return len(c.batches) }

func (c *CpuInstanceBatcher) Batch(i int) (*InstanceBatch, error) {
	if i < 0 || i >= len(c.batches) {
		return nil, fmt.Errorf("batch index %d out of range (have %d)", i, len(c.batches))
	}
	return c.batches[i], nil
}

// Dispose is intentionally unimplemented: batch buffers are host memory with
// no device handles, and the surrounding lifecycle management has nothing to
// reclaim here. Failing loudly beats a silent no-op the caller might rely on.
func (c *CpuInstanceBatcher) Dispose() error {
	return fmt.Errorf("dispose is not implemented for CPU instance batches")
}

func (b *InstanceBatch) Capacity() int     { return b.capacity }
func (b *InstanceBatch) VisibleCount() int { return b.visibleCount }

func (b *InstanceBatch) Positions() []mgl32.Vec3  { return b.positions }
func (b *InstanceBatch) Transforms() []mgl32.Mat2 { return b.transforms }

func (b *InstanceBatch) Custom(name string) []float32 {
	return b.custom[name]
}

// DirtyAttributes reports which buffers changed since the last call and
// clears the flags.
func (b *InstanceBatch) DirtyAttributes() []string {
	var dirty []string
	if b.positionsDirty {
		dirty = append(dirty, "position")
		b.positionsDirty = false
	}
	if b.transformsDirty {
		dirty = append(dirty, "transform")
		b.transformsDirty = false
	}
	for name, d := range b.customDirty {
		if d {
			dirty = append(dirty, name)
			b.customDirty[name] = false
		}
	}
	return dirty
}

func attributeComponents(k UniformKind) int {
	switch k {
	case UniformFloat, UniformInt:
		return 1
	case UniformVec2:
		return 2
	case UniformVec3:
		return 3
	case UniformVec4:
		return 4
	}
	return 0
}
