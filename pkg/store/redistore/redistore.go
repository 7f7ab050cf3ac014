// Package redistore implements the networked-client storage backend on
// Redis. Records are stored one key per object together with a global
// commit sequence counter. The backend keeps only the latest version of
// each object, so a load that observes a record newer than the
// transaction's begin sequence cannot be served from the snapshot and
// reports a conflict. Commits run as WATCH-guarded optimistic
// transactions; a race on any touched key aborts the EXEC and surfaces
// as a conflict as well.
package redistore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openvhm/openvhm/pkg/store"
)

// Config holds networked store configuration.
type Config struct {
	// Address is the Redis server or cluster address.
	Address string

	// Password authenticates against the server, empty for none.
	Password string

	// DB selects the Redis logical database.
	DB int

	// Namespace prefixes every key written by this store.
	Namespace string
}

// DefaultConfig returns a config for a local unauthenticated server.
func DefaultConfig() Config {
	return Config{
		Address:   "localhost:6379",
		Namespace: "vhm",
	}
}

// Store implements the networked-client backend.
type Store struct {
	client *redis.Client
	ns     string
}

// New creates a new Redis-backed store. Init must be called before use.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redistore: server address is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "vhm"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, ns: cfg.Namespace}, nil
}

// Init verifies the server is reachable.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redistore: failed to ping server: %w", err)
	}
	return nil
}

// Open implements store.Store. The underlying client multiplexes sockets
// internally; the connection object carries per-worker transaction state.
func (s *Store) Open(_ context.Context) (store.Conn, error) {
	if s.client == nil {
		return nil, store.ErrClosed
	}
	return &Conn{st: s}, nil
}

// Close implements store.Store.
func (s *Store) Close(_ context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// objKey returns the record key for an OID.
func (s *Store) objKey(oid store.OID) string {
	return fmt.Sprintf("%s:obj:%s", s.ns, oid)
}

// seqKey returns the global commit sequence key.
func (s *Store) seqKey() string {
	return fmt.Sprintf("%s:seq", s.ns)
}
