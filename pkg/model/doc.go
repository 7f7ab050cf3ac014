// Package model defines the persistence contract for objects managed by
// the transaction engine. Domain types embed Persistent to become
// storable, register a class factory so records can be decoded, and use
// Container for named containment in the object graph.
//
// Objects loaded inside a transaction attempt are bound to that attempt;
// copies handed out of an attempt are detached and tagged with the origin
// of the call that produced them. The binding helpers in this package are
// the plumbing surface for the engine and are not meant for domain code.
package model
