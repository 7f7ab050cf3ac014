package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openvhm/openvhm/pkg/store"
)

// envelope is the stored form of a record in Redis.
type envelope struct {
	Class   string          `json:"class"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
	Seq     int64           `json:"seq"`
}

// Conn is a single worker's connection. Redis sockets are multiplexed by
// the client; the connection exists to carry per-worker transaction state.
type Conn struct {
	st     *Store
	active *Txn
	closed bool
}

// Begin implements store.Conn. The transaction's snapshot boundary is the
// commit sequence observed here.
func (c *Conn) Begin(ctx context.Context, mode store.Mode) (store.Txn, error) {
	if c.closed || c.st.client == nil {
		return nil, store.ErrClosed
	}
	if c.active != nil {
		return nil, fmt.Errorf("redistore: connection already in a transaction")
	}
	seq, err := c.st.client.Get(ctx, c.st.seqKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redistore: failed to read commit sequence: %w", err)
	}
	t := &Txn{
		conn:    c,
		mode:    mode,
		begin:   seq,
		reads:   make(map[store.OID]int64),
		writes:  make(map[store.OID]*store.Record),
		deletes: make(map[store.OID]struct{}),
	}
	c.active = t
	return t, nil
}

// Close implements store.Conn.
func (c *Conn) Close() error {
	if c.active != nil {
		_ = c.active.Abort(context.Background())
	}
	c.closed = true
	return nil
}

// Txn is one transaction's view of the store.
type Txn struct {
	conn  *Conn
	mode  store.Mode
	begin int64

	reads   map[store.OID]int64
	writes  map[store.OID]*store.Record
	deletes map[store.OID]struct{}
	done    bool
}

// Mode implements store.Txn.
func (t *Txn) Mode() store.Mode {
	return t.mode
}

// Load implements store.Txn. The backend keeps only the latest version of
// each object; a record written after the transaction began cannot be
// read back at the snapshot, so it is reported as a load conflict.
func (t *Txn) Load(ctx context.Context, oid store.OID) (*store.Record, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	if _, deleted := t.deletes[oid]; deleted {
		return nil, store.ErrNotFound
	}
	if rec, ok := t.writes[oid]; ok {
		return rec.Clone(), nil
	}

	raw, err := t.conn.st.client.Get(ctx, t.conn.st.objKey(oid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redistore: failed to load %s: %w", oid, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("redistore: corrupt record %s: %w", oid, err)
	}
	if env.Seq > t.begin {
		return nil, &store.ConflictError{OID: oid, Op: "load"}
	}

	t.reads[oid] = env.Version
	return &store.Record{
		OID:     oid,
		Class:   env.Class,
		Data:    []byte(env.Data),
		Version: env.Version,
		Seq:     env.Seq,
	}, nil
}

// Store implements store.Txn.
func (t *Txn) Store(_ context.Context, rec *store.Record) error {
	if t.done {
		return store.ErrTxnDone
	}
	if t.mode == store.ForReading {
		return store.ErrReadOnly
	}
	if rec.OID.IsNil() {
		return store.ErrNotFound
	}
	t.writes[rec.OID] = rec.Clone()
	delete(t.deletes, rec.OID)
	return nil
}

// Delete implements store.Txn.
func (t *Txn) Delete(_ context.Context, oid store.OID) error {
	if t.done {
		return store.ErrTxnDone
	}
	if t.mode == store.ForReading {
		return store.ErrReadOnly
	}
	t.deletes[oid] = struct{}{}
	delete(t.writes, oid)
	return nil
}

// Commit implements store.Txn.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxnDone
	}
	if t.mode == store.ForReading {
		t.finish()
		return store.ErrReadOnly
	}
	defer t.finish()

	st := t.conn.st
	seen := make(map[store.OID]struct{}, len(t.reads)+len(t.writes)+len(t.deletes))
	for oid := range t.reads {
		seen[oid] = struct{}{}
	}
	for oid := range t.writes {
		seen[oid] = struct{}{}
	}
	for oid := range t.deletes {
		seen[oid] = struct{}{}
	}
	touched := make([]string, 0, len(seen))
	for oid := range seen {
		touched = append(touched, st.objKey(oid))
	}

	err := st.client.Watch(ctx, func(tx *redis.Tx) error {
		// Validate the read and write sets against the latest committed
		// state while the keys are under watch.
		for oid, version := range t.reads {
			env, err := t.fetch(ctx, tx, oid)
			if err != nil {
				return err
			}
			if env == nil || env.Version != version {
				return &store.ConflictError{OID: oid, Op: "commit"}
			}
		}
		for oid, rec := range t.writes {
			if _, read := t.reads[oid]; read {
				continue
			}
			env, err := t.fetch(ctx, tx, oid)
			if err != nil {
				return err
			}
			if rec.Version == 0 {
				if env != nil {
					return &store.ConflictError{OID: oid, Op: "commit"}
				}
				continue
			}
			if env == nil || env.Version != rec.Version {
				return &store.ConflictError{OID: oid, Op: "commit"}
			}
		}

		// The counter is not watched: bumping it here would abort our own
		// EXEC. Sequence gaps from aborted commits are harmless.
		seq, err := tx.Incr(ctx, st.seqKey()).Result()
		if err != nil {
			return fmt.Errorf("redistore: failed to advance commit sequence: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for oid, rec := range t.writes {
				env := envelope{
					Class:   rec.Class,
					Data:    json.RawMessage(rec.Data),
					Version: rec.Version + 1,
					Seq:     seq,
				}
				raw, err := json.Marshal(env)
				if err != nil {
					return fmt.Errorf("redistore: failed to encode %s: %w", oid, err)
				}
				pipe.Set(ctx, st.objKey(oid), raw, 0)
			}
			for oid := range t.deletes {
				pipe.Del(ctx, st.objKey(oid))
			}
			return nil
		})
		return err
	}, touched...)

	if errors.Is(err, redis.TxFailedErr) {
		return &store.ConflictError{Op: "commit"}
	}
	return err
}

// fetch reads an envelope on the watched connection, nil when absent.
func (t *Txn) fetch(ctx context.Context, tx *redis.Tx, oid store.OID) (*envelope, error) {
	raw, err := tx.Get(ctx, t.conn.st.objKey(oid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redistore: failed to validate %s: %w", oid, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("redistore: corrupt record %s: %w", oid, err)
	}
	return &env, nil
}

// Abort implements store.Txn.
func (t *Txn) Abort(_ context.Context) error {
	if t.done {
		return store.ErrTxnDone
	}
	t.finish()
	return nil
}

func (t *Txn) finish() {
	if t.done {
		return
	}
	t.done = true
	if t.conn.active == t {
		t.conn.active = nil
	}
	t.reads = nil
	t.writes = nil
	t.deletes = nil
}
