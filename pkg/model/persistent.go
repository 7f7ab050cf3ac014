package model

import (
	"github.com/openvhm/openvhm/pkg/store"
)

// Object is implemented by all persistent types. The unexported method
// seals the interface: a type satisfies it only by embedding Persistent.
type Object interface {
	// OID returns the object's stable identifier, or the nil OID if the
	// object has not been stored yet.
	OID() store.OID

	// Class returns the registered class name the object decodes from.
	Class() string

	meta() *Persistent
}

// Origin identifies the initiator a detached copy was produced for. It is
// derived from the task that ran the producing transaction attempt.
type Origin struct {
	// Subject is the identity on whose behalf the call ran.
	Subject string `json:"subject,omitempty"`

	// Object is the domain object the call was issued against, if any.
	Object store.OID `json:"object,omitempty"`
}

// Persistent is the embeddable base of all persistent types. Its fields
// are engine bookkeeping and are excluded from the encoded object state.
type Persistent struct {
	oid      store.OID
	owner    any
	detached bool
	origin   Origin
}

// OID returns the object's stable identifier.
func (p *Persistent) OID() store.OID {
	return p.oid
}

func (p *Persistent) meta() *Persistent {
	return p
}

// Bind attaches an object to the transaction attempt that materialized it
// and records its identity. A nil owner leaves the object unbound.
func Bind(o Object, oid store.OID, owner any) {
	m := o.meta()
	m.oid = oid
	m.owner = owner
	m.detached = false
	m.origin = Origin{}
}

// OwnerOf returns the transaction attempt the object is bound to, or nil
// for new and detached objects.
func OwnerOf(o Object) any {
	return o.meta().owner
}

// IsLive reports whether the object is bound to a transaction attempt.
// Live objects must not be used outside the attempt that loaded them.
func IsLive(o Object) bool {
	return o.meta().owner != nil
}

// MarkDetached severs the object from its attempt and tags it with the
// origin of the call that produced it. Detached objects keep their OID so
// the canonical object can be re-resolved later.
func MarkDetached(o Object, origin Origin) {
	m := o.meta()
	m.owner = nil
	m.detached = true
	m.origin = origin
}

// IsDetached reports whether the object is a detached copy.
func IsDetached(o Object) bool {
	return o.meta().detached
}

// OriginOf returns the origin tag of a detached copy. The second return
// is false for objects that were never detached.
func OriginOf(o Object) (Origin, bool) {
	m := o.meta()
	return m.origin, m.detached
}
