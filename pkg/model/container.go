package model

import (
	"sort"

	"github.com/google/uuid"

	"github.com/openvhm/openvhm/pkg/store"
)

// ClassContainer is the registered class name of Container.
const ClassContainer = "container"

func init() {
	Register(ClassContainer, func() Object { return &Container{} })
}

// Container holds named references to child objects. Children are
// referenced by OID, never by pointer, so containment never leaks live
// objects across transaction attempts.
type Container struct {
	Persistent

	// Children maps child names to OIDs.
	Children map[string]store.OID `json:"children"`
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{Children: make(map[string]store.OID)}
}

// Class implements Object.
func (c *Container) Class() string {
	return ClassContainer
}

// Attach adds a child under the given name and returns the name used.
// An empty name is replaced with a generated unique one. An existing
// child under the same name is replaced.
func (c *Container) Attach(name string, oid store.OID) string {
	if c.Children == nil {
		c.Children = make(map[string]store.OID)
	}
	if name == "" {
		name = uuid.NewString()
	}
	c.Children[name] = oid
	return name
}

// Detach removes the named child and reports whether it was present.
func (c *Container) Detach(name string) bool {
	if _, ok := c.Children[name]; !ok {
		return false
	}
	delete(c.Children, name)
	return true
}

// Lookup returns the OID of the named child.
func (c *Container) Lookup(name string) (store.OID, bool) {
	oid, ok := c.Children[name]
	return oid, ok
}

// Names returns the child names in sorted order.
func (c *Container) Names() []string {
	names := make([]string, 0, len(c.Children))
	for name := range c.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of children.
func (c *Container) Len() int {
	return len(c.Children)
}
