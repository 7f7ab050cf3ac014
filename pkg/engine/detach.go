package engine

import (
	"reflect"

	"github.com/openvhm/openvhm/pkg/model"
	"github.com/openvhm/openvhm/pkg/store"
)

// Ref is an opaque, stable reference to a persistent object. It can be
// taken in one attempt and resolved in a later one, possibly on a
// different connection. It is a weak name, not an ownership handle: it
// does not keep the object alive or guarantee it still exists.
type Ref struct {
	// OID is the object's store-wide identifier.
	OID store.OID

	// Class is the object's class at the time the reference was taken.
	Class string
}

// IsNil reports whether the reference names no object.
func (r Ref) IsNil() bool {
	return r.OID.IsNil()
}

// String returns the reference in class/oid form.
func (r Ref) String() string {
	return r.Class + "/" + r.OID.String()
}

// ReferenceOf returns a stable reference for a live or detached object.
func ReferenceOf(obj model.Object) (Ref, error) {
	if obj == nil || obj.OID().IsNil() {
		return Ref{}, NewFatalError("object has no identity", nil)
	}
	return Ref{OID: obj.OID(), Class: obj.Class()}, nil
}

// detach makes a value safe to hand across the worker boundary. Any
// persistent object in the value, directly or one container level deep
// (slice, array, map key or value), is replaced by a structural copy
// marked detached and tagged with the initiating subject and the source
// OID. Object-keyed maps are covered so sets of objects detach too.
// Primitives, non-container values and already-detached objects pass
// through unchanged. The returned value holds no dependency on the
// attempt or connection that produced it.
func detach(subject string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if obj, ok := v.(model.Object); ok {
		return detachObject(subject, obj)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v, nil
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := detachElem(subject, rv.Index(i))
			if err != nil {
				return nil, err
			}
			out.Index(i).Set(ev)
		}
		return out.Interface(), nil

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			ev, err := detachElem(subject, rv.Index(i))
			if err != nil {
				return nil, err
			}
			out.Index(i).Set(ev)
		}
		return out.Interface(), nil

	case reflect.Map:
		if rv.IsNil() {
			return v, nil
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			kv, err := detachElem(subject, iter.Key())
			if err != nil {
				return nil, err
			}
			ev, err := detachElem(subject, iter.Value())
			if err != nil {
				return nil, err
			}
			out.SetMapIndex(kv, ev)
		}
		return out.Interface(), nil
	}

	return v, nil
}

// detachElem detaches a single container element, leaving non-object
// elements untouched. Containers nested inside containers are not
// descended into; detachment is one level deep.
func detachElem(subject string, ev reflect.Value) (reflect.Value, error) {
	switch ev.Kind() {
	case reflect.Interface, reflect.Pointer:
		if ev.IsNil() {
			return ev, nil
		}
	}
	if !ev.CanInterface() {
		return ev, nil
	}

	obj, ok := ev.Interface().(model.Object)
	if !ok {
		return ev, nil
	}

	detached, err := detachObject(subject, obj)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(detached), nil
}

// detachObject copies one object out of its attempt. Already-detached
// objects pass through so repeated detachment is idempotent.
func detachObject(subject string, obj model.Object) (model.Object, error) {
	if model.IsDetached(obj) {
		return obj, nil
	}

	copied, err := model.Copy(obj)
	if err != nil {
		return nil, NewFatalError("failed to detach result", err).WithOID(obj.OID())
	}
	model.MarkDetached(copied, model.Origin{
		Subject: subject,
		Object:  obj.OID(),
	})
	return copied, nil
}
