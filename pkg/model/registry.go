package model

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openvhm/openvhm/pkg/store"
)

var registry = struct {
	sync.RWMutex
	factories map[string]func() Object
}{factories: make(map[string]func() Object)}

// Register makes a class decodable. The factory must return a new zero
// value of the type. Registration normally happens from package init
// functions; registering a class twice panics.
func Register(class string, factory func() Object) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.factories[class]; dup {
		panic(fmt.Sprintf("model: class %q already registered", class))
	}
	registry.factories[class] = factory
}

// New returns a fresh unbound instance of the named class.
func New(class string) (Object, error) {
	registry.RLock()
	factory, ok := registry.factories[class]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model: class %q not registered", class)
	}
	return factory(), nil
}

// Encode converts an object into its stored record form. The record
// carries the object's OID and class; object state is the JSON encoding
// of the concrete type's exported fields. Version and Seq are left for
// the caller to fill from the loaded state.
func Encode(o Object) (*store.Record, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("model: encode %s: %w", o.Class(), err)
	}
	return &store.Record{
		OID:   o.OID(),
		Class: o.Class(),
		Data:  data,
	}, nil
}

// Decode materializes an object from its stored record form. The object
// is returned unbound; the caller binds it to the loading attempt.
func Decode(rec *store.Record) (Object, error) {
	obj, err := New(rec.Class)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rec.Data, obj); err != nil {
		return nil, fmt.Errorf("model: decode %s %s: %w", rec.Class, rec.OID, err)
	}
	obj.meta().oid = rec.OID
	return obj, nil
}

// Copy produces an unbound structural copy of an object by round-tripping
// it through its record form. The copy keeps the object's OID.
func Copy(o Object) (Object, error) {
	rec, err := Encode(o)
	if err != nil {
		return nil, err
	}
	return Decode(rec)
}
