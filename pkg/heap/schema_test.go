package heap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/pkg/heap"
)

func TestSchemaRegistry(t *testing.T) {
	opaque, ok := heap.SchemaOf(heap.OpaqueSchemaID)
	require.True(t, ok)
	assert.Equal(t, "<opaque>", opaque.Name)

	id := heap.RegisterSchema("test.node", 48)
	assert.Greater(t, id, heap.InvalidateSchemaID)

	schema, ok := heap.SchemaOf(id)
	require.True(t, ok)
	assert.Equal(t, "test.node", schema.Name)
	assert.Equal(t, uint32(48), schema.BaseSize)

	_, ok = heap.SchemaOf(heap.SchemaID(1 << 23))
	assert.False(t, ok)
}

func TestUnmanagedObjectCarriesSchema(t *testing.T) {
	id := heap.RegisterSchema("test.blob", 40)

	obj := heap.NewUnmanaged(id)
	require.False(t, obj.IsNil())
	assert.Equal(t, id, obj.Header().SchemaID())

	// The payload is usable for the schema's base size.
	assert.GreaterOrEqual(t, heap.Msize(obj.Data()), uintptr(40))

	heap.FreeObject(obj)
}
