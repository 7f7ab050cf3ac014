package filestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"

	"github.com/openvhm/openvhm/pkg/store"
)

// Conn is a single worker's connection, pinned to one SQLite connection.
type Conn struct {
	st     *Store
	sc     *sql.Conn
	active *Txn
}

// Begin implements store.Conn. The deferred transaction establishes the
// read snapshot at the first query under WAL.
func (c *Conn) Begin(ctx context.Context, mode store.Mode) (store.Txn, error) {
	if c.sc == nil {
		return nil, store.ErrClosed
	}
	if c.active != nil {
		return nil, fmt.Errorf("filestore: connection already in a transaction")
	}
	read, err := c.sc.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to begin transaction: %w", err)
	}
	t := &Txn{
		conn:    c,
		mode:    mode,
		read:    read,
		reads:   make(map[store.OID]int64),
		writes:  make(map[store.OID]*store.Record),
		deletes: make(map[store.OID]struct{}),
	}
	c.active = t
	return t, nil
}

// Close implements store.Conn.
func (c *Conn) Close() error {
	if c.sc == nil {
		return nil
	}
	if c.active != nil {
		_ = c.active.Abort(context.Background())
	}
	err := c.sc.Close()
	c.sc = nil
	return err
}

// Txn is one transaction's view of the store. Loads run in the snapshot
// transaction; writes are buffered and applied under a separate write
// transaction at commit, guarded by version compare-and-swap.
type Txn struct {
	conn *Conn
	mode store.Mode
	read *sql.Tx

	reads   map[store.OID]int64
	writes  map[store.OID]*store.Record
	deletes map[store.OID]struct{}
	done    bool
}

// Mode implements store.Txn.
func (t *Txn) Mode() store.Mode {
	return t.mode
}

// Load implements store.Txn.
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

	rec := &store.Record{OID: oid}
	err := t.read.QueryRowContext(ctx,
		`SELECT class, data, version, seq FROM objects WHERE oid = ?`,
		oid.String(),
	).Scan(&rec.Class, &rec.Data, &rec.Version, &rec.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to load %s: %w", oid, err)
	}

	t.reads[oid] = rec.Version
	return rec, nil
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

	// End the snapshot before taking the write lock; correctness comes
	// from the version checks below, not from holding the snapshot.
	_ = t.read.Rollback()
	t.read = nil

	wtx, err := t.conn.sc.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		t.finish()
		return fmt.Errorf("filestore: failed to begin commit transaction: %w", err)
	}

	err = t.apply(ctx, wtx)
	if err != nil {
		_ = wtx.Rollback()
		t.finish()
		return err
	}
	if err := wtx.Commit(); err != nil {
		t.finish()
		if isBusy(err) {
			return &store.ConflictError{Op: "commit"}
		}
		return fmt.Errorf("filestore: failed to commit: %w", err)
	}
	t.finish()
	return nil
}

// apply validates the read set and applies the write set inside wtx.
func (t *Txn) apply(ctx context.Context, wtx *sql.Tx) error {
	// Bumping the sequence row first acquires the write lock, so every
	// validation below runs against the latest committed state.
	if _, err := wtx.ExecContext(ctx, `UPDATE commit_seq SET seq = seq + 1 WHERE id = 1`); err != nil {
		if isBusy(err) {
			return &store.ConflictError{Op: "commit"}
		}
		return fmt.Errorf("filestore: failed to advance commit sequence: %w", err)
	}
	var seq int64
	if err := wtx.QueryRowContext(ctx, `SELECT seq FROM commit_seq WHERE id = 1`).Scan(&seq); err != nil {
		return fmt.Errorf("filestore: failed to read commit sequence: %w", err)
	}

	for oid, version := range t.reads {
		if _, written := t.writes[oid]; written {
			continue
		}
		if _, deleted := t.deletes[oid]; deleted {
			continue
		}
		var current int64
		err := wtx.QueryRowContext(ctx, `SELECT version FROM objects WHERE oid = ?`, oid.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && current != version) {
			return &store.ConflictError{OID: oid, Op: "commit"}
		}
		if err != nil {
			return fmt.Errorf("filestore: failed to validate %s: %w", oid, err)
		}
	}

	for oid, rec := range t.writes {
		if rec.Version == 0 {
			_, err := wtx.ExecContext(ctx,
				`INSERT INTO objects (oid, class, data, version, seq) VALUES (?, ?, ?, ?, ?)`,
				oid.String(), rec.Class, rec.Data, 1, seq,
			)
			if err != nil {
				if isConstraint(err) {
					return &store.ConflictError{OID: oid, Op: "commit"}
				}
				if isBusy(err) {
					return &store.ConflictError{OID: oid, Op: "commit"}
				}
				return fmt.Errorf("filestore: failed to insert %s: %w", oid, err)
			}
			continue
		}
		res, err := wtx.ExecContext(ctx,
			`UPDATE objects SET class = ?, data = ?, version = ?, seq = ? WHERE oid = ? AND version = ?`,
			rec.Class, rec.Data, rec.Version+1, seq, oid.String(), rec.Version,
		)
		if err != nil {
			if isBusy(err) {
				return &store.ConflictError{OID: oid, Op: "commit"}
			}
			return fmt.Errorf("filestore: failed to update %s: %w", oid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &store.ConflictError{OID: oid, Op: "commit"}
		}
	}

	for oid := range t.deletes {
		query := `DELETE FROM objects WHERE oid = ?`
		args := []any{oid.String()}
		if version, ok := t.reads[oid]; ok {
			query += ` AND version = ?`
			args = append(args, version)
		}
		res, err := wtx.ExecContext(ctx, query, args...)
		if err != nil {
			if isBusy(err) {
				return &store.ConflictError{OID: oid, Op: "commit"}
			}
			return fmt.Errorf("filestore: failed to delete %s: %w", oid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, ok := t.reads[oid]; ok {
				return &store.ConflictError{OID: oid, Op: "commit"}
			}
		}
	}

	return nil
}

// Abort implements store.Txn.
func (t *Txn) Abort(_ context.Context) error {
	if t.done {
		return store.ErrTxnDone
	}
	if t.read != nil {
		_ = t.read.Rollback()
		t.read = nil
	}
	t.finish()
	return nil
}

func (t *Txn) finish() {
	if t.done {
		return
	}
	t.done = true
	if t.read != nil {
		_ = t.read.Rollback()
		t.read = nil
	}
	if t.conn.active == t {
		t.conn.active = nil
	}
	t.reads = nil
	t.writes = nil
	t.deletes = nil
}

// isBusy reports whether err is a SQLite busy error, raised when another
// writer holds the database lock past the busy timeout. Busy errors at
// commit are surfaced as conflicts so the caller retries with backoff.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 5
	}
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// isConstraint reports whether err is a SQLite constraint violation,
// raised when two transactions race to insert the same OID.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19
	}
	return err != nil && strings.Contains(err.Error(), "SQLITE_CONSTRAINT")
}
