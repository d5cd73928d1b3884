// Package store provides key-addressed persistence for projects,
// iterations, leases, and final artifacts on BadgerDB.
//
// Keys are namespaced per project (`p/<id>/...`) with read-after-write
// consistency inside a project provided by badger transactions.
// Iteration records are append-only: writing an index that already
// exists is refused at this layer.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrKeyNotFound indicates the requested key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Config holds BadgerDB settings.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string `koanf:"path"`

	// InMemory disables disk persistence. Used by tests.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites makes writes durable before returning.
	SyncWrites bool `koanf:"sync_writes"`

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration `koanf:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `koanf:"gc_discard_ratio"`
}

// DefaultConfig returns production defaults rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a BadgerDB-backed key-addressed store. Safe for concurrent
// use; Close is idempotent.
type Store struct {
	db     *badger.DB
	logger *zap.Logger

	gcStop chan struct{}
	gcDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// Open opens the store and starts the GC loop when configured.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

// gcLoop periodically rewrites the value log until Close.
func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				s.logger.Debug("value log GC completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// nothing to collect
			default:
				s.logger.Warn("value log GC failed", zap.Error(err))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// key builds the namespaced key for a project-scoped entry.
func key(projectID, k string) []byte {
	return []byte("p/" + projectID + "/" + k)
}

// prefix builds the key prefix covering every entry of a project.
func prefix(projectID string) []byte {
	return []byte("p/" + projectID + "/")
}

// Put writes value under the project-scoped key.
func (s *Store) Put(ctx context.Context, projectID, k string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(projectID, k), value)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", projectID, k, err)
	}
	return nil
}

// Get reads the value under the project-scoped key.
func (s *Store) Get(ctx context.Context, projectID, k string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(projectID, k))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, projectID, k)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", projectID, k, err)
	}
	return out, nil
}

// Delete removes the project-scoped key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, projectID, k string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(projectID, k))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", projectID, k, err)
	}
	return nil
}

// List returns the sorted keys stored for a project, with the project
// namespace stripped.
func (s *Store) List(ctx context.Context, projectID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pfx := prefix(projectID)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         pfx,
			PrefetchValues: false,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(pfx):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", projectID, err)
	}
	return keys, nil
}

// deletePrefix removes every key under the given project-scoped prefix
// and returns how many were removed.
func (s *Store) deletePrefix(ctx context.Context, projectID, sub string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pfx := key(projectID, sub)

	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         pfx,
			PrefetchValues: false,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s/%s: %w", projectID, sub, err)
	}

	removed := 0
	for _, k := range doomed {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(k)
		}); err != nil {
			return removed, fmt.Errorf("delete %s: %w", k, err)
		}
		removed++
	}
	return removed, nil
}
