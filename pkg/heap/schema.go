package heap

import (
	"sync/atomic"

	"github.com/flier/goheap/internal/xsync"
)

// SchemaID names a registered object schema; it occupies 24 bits of the
// object header.
type SchemaID uint32

// Reserved schema ids.
const (
	// OpaqueSchemaID is the schema of objects without traversal
	// information.
	OpaqueSchemaID SchemaID = 0

	// InvalidateSchemaID marks objects whose schema has been withdrawn.
	InvalidateSchemaID SchemaID = 1
)

const schemaIDMax = 1 << 24

// Schema describes one managed object kind: its base allocation size and a
// diagnostic name. The traversal machinery itself lives outside the heap
// core; the heap only needs the size and the id round-trip.
type Schema struct {
	Name     string
	BaseSize uint32
}

type schemaRegistry struct {
	byID  xsync.Map[SchemaID, Schema]
	count atomic.Uint32
}

var schemas = func() *schemaRegistry {
	r := new(schemaRegistry)
	r.byID.Store(OpaqueSchemaID, Schema{Name: "<opaque>"})
	r.byID.Store(InvalidateSchemaID, Schema{Name: "<invalid>"})
	r.count.Store(2)
	return r
}()

// RegisterSchema adds a schema and returns its id. It panics once the
// 24-bit id space is exhausted.
func RegisterSchema(name string, baseSize uint32) SchemaID {
	id := SchemaID(schemas.count.Add(1) - 1)
	if id >= schemaIDMax {
		panic("heap: schema id space exhausted")
	}
	schemas.byID.Store(id, Schema{Name: name, BaseSize: baseSize})
	return id
}

// SchemaOf returns a registered schema.
func SchemaOf(id SchemaID) (Schema, bool) {
	return schemas.byID.Load(id)
}
