package billboard

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatcher(t *testing.T) *CpuInstanceBatcher {
	t.Helper()
	c, err := NewCpuInstanceBatcher(4, map[string]UniformKind{
		"aFade":  UniformFloat,
		"aColor": UniformVec4,
	})
	require.NoError(t, err)
	return c
}

func TestNewCpuInstanceBatcherValidation(t *testing.T) {
	_, err := NewCpuInstanceBatcher(0, nil)
	assert.Error(t, err)
	_, err = NewCpuInstanceBatcher(4, map[string]UniformKind{"bad name": UniformFloat})
	assert.Error(t, err)
	_, err = NewCpuInstanceBatcher(4, map[string]UniformKind{"aTex": UniformTexture})
	assert.Error(t, err)
}

func TestBatcherGrowsLazily(t *testing.T) {
	c := newTestBatcher(t)
	assert.Equal(t, 0, c.BatchCount())

	require.NoError(t, c.SetInstancesCount(3))
	assert.Equal(t, 1, c.BatchCount())

	require.NoError(t, c.SetInstancesCount(9))
	assert.Equal(t, 3, c.BatchCount())

	// Shrinking the count keeps the batches around.
	require.NoError(t, c.SetInstancesCount(2))
	assert.Equal(t, 3, c.BatchCount())
	assert.Equal(t, 2, c.InstancesCount())

	assert.Error(t, c.SetInstancesCount(-1))
}

func TestVisibleCountDistribution(t *testing.T) {
	c := newTestBatcher(t)
	require.NoError(t, c.SetInstancesCount(9))

	want := []int{4, 4, 1}
	for i, n := range want {
		batch, err := c.Batch(i)
		require.NoError(t, err)
		assert.Equal(t, n, batch.VisibleCount(), "batch %d", i)
	}

	// Lowering the count zeroes the tail batches.
	require.NoError(t, c.SetInstancesCount(5))
	want = []int{4, 1, 0}
	for i, n := range want {
		batch, _ := c.Batch(i)
		assert.Equal(t, n, batch.VisibleCount(), "batch %d", i)
	}

	_, err := c.Batch(3)
	assert.Error(t, err)
}

func TestInstanceIdMapsAcrossBatches(t *testing.T) {
	c := newTestBatcher(t)
	require.NoError(t, c.SetInstancesCount(9))

	// Id 6 lands in the second batch at local index 2.
	require.NoError(t, c.SetInstancePosition(6, mgl32.Vec3{1, 2, 3}))
	batch, err := c.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, batch.Positions()[2])

	other, _ := c.Batch(0)
	assert.Equal(t, mgl32.Vec3{}, other.Positions()[2])

	err = c.SetInstancePosition(12, mgl32.Vec3{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "12")
	assert.Error(t, c.SetInstancePosition(-1, mgl32.Vec3{}))
}

func TestSetInstanceTransform(t *testing.T) {
	c := newTestBatcher(t)
	require.NoError(t, c.SetInstancesCount(2))

	batch, _ := c.Batch(0)
	assert.Equal(t, mgl32.Ident2(), batch.Transforms()[1], "transforms start as identity")

	rot := mgl32.Rotate2D(0.5)
	require.NoError(t, c.SetInstanceTransform(1, rot))
	assert.Equal(t, rot, batch.Transforms()[1])
}

func TestSetInstanceCustomAttribute(t *testing.T) {
	c := newTestBatcher(t)
	require.NoError(t, c.SetInstancesCount(4))

	require.NoError(t, c.SetInstanceCustomAttribute(2, "aFade", []float32{0.5}))
	require.NoError(t, c.SetInstanceCustomAttribute(1, "aColor", []float32{1, 0, 0, 1}))

	batch, _ := c.Batch(0)
	assert.Equal(t, float32(0.5), batch.Custom("aFade")[2])
	assert.Equal(t, []float32{1, 0, 0, 1}, batch.Custom("aColor")[4:8])

	assert.Error(t, c.SetInstanceCustomAttribute(0, "aNope", []float32{1}))
	assert.Error(t, c.SetInstanceCustomAttribute(0, "aColor", []float32{1, 2}))
}

func TestDirtyFlagsArePerAttribute(t *testing.T) {
	c := newTestBatcher(t)
	require.NoError(t, c.SetInstancesCount(4))
	batch, _ := c.Batch(0)

	assert.Empty(t, batch.DirtyAttributes(), "nothing dirty after allocation")

	require.NoError(t, c.SetInstancePosition(0, mgl32.Vec3{1, 0, 0}))
	require.NoError(t, c.SetInstanceCustomAttribute(0, "aFade", []float32{1}))
	dirty := batch.DirtyAttributes()
	assert.ElementsMatch(t, []string{"position", "aFade"}, dirty)

	// Reporting clears the flags.
	assert.Empty(t, batch.DirtyAttributes())

	require.NoError(t, c.SetInstanceTransform(0, mgl32.Ident2()))
	assert.ElementsMatch(t, []string{"transform"}, batch.DirtyAttributes())
}

func TestDirtyFlagsAreDistinctPerBatch(t *testing.T) {
	c := newTestBatcher(t)
	require.NoError(t, c.SetInstancesCount(8))

	require.NoError(t, c.SetInstancePosition(5, mgl32.Vec3{1, 1, 1}))
	first, _ := c.Batch(0)
	second, _ := c.Batch(1)
	assert.Empty(t, first.DirtyAttributes())
	assert.ElementsMatch(t, []string{"position"}, second.DirtyAttributes())
}

func TestBatcherDisposeFails(t *testing.T) {
	c := newTestBatcher(t)
	assert.Error(t, c.Dispose())
}
