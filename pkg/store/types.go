package store

import (
	"fmt"

	"github.com/google/uuid"
)

// OID is the stable identifier of a persistent object. It is assigned when
// an object is first stored and never changes for the lifetime of the
// object, so it can be held across transaction attempts and connections.
type OID uuid.UUID

// NilOID is the zero OID, held by objects that have not been stored yet.
var NilOID OID

// RootOID identifies the root container of the object graph. It is fixed
// so every connection can reach the graph without prior state.
var RootOID = OID(uuid.MustParse("00000000-0000-0000-0000-000000000001"))

// NewOID returns a freshly generated OID.
func NewOID() OID {
	return OID(uuid.New())
}

// ParseOID parses the canonical string form produced by String.
func ParseOID(s string) (OID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilOID, fmt.Errorf("invalid oid %q: %w", s, err)
	}
	return OID(u), nil
}

// IsNil reports whether the OID is the zero value.
func (o OID) IsNil() bool {
	return o == NilOID
}

// String returns the canonical text form of the OID.
func (o OID) String() string {
	return uuid.UUID(o).String()
}

// MarshalText implements encoding.TextMarshaler so OIDs embed cleanly in
// encoded object state.
func (o OID) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*o = OID(u)
	return nil
}

// Record is the stored form of a persistent object.
type Record struct {
	// OID identifies the object.
	OID OID `json:"oid"`

	// Class names the registered object type the data decodes into.
	Class string `json:"class"`

	// Data is the encoded object state.
	Data []byte `json:"data"`

	// Version counts committed writes to this object. It starts at 1 and
	// is bumped by every commit that touches the object; commit-time
	// conflict detection compares it against the version that was read.
	Version int64 `json:"version"`

	// Seq is the global commit sequence number of the commit that last
	// wrote the object.
	Seq int64 `json:"seq"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = make([]byte, len(r.Data))
		copy(c.Data, r.Data)
	}
	return &c
}

// Mode selects the transaction mode at begin time.
type Mode int

const (
	// ForWriting begins a transaction that may commit buffered writes.
	ForWriting Mode = iota

	// ForReading begins a snapshot transaction that is always aborted.
	// Write operations on it fail with ErrReadOnly.
	ForReading
)

// String returns the short label used in logs and metrics.
func (m Mode) String() string {
	switch m {
	case ForWriting:
		return "write"
	case ForReading:
		return "read"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}
