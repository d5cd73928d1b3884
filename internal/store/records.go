package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/fyrsmithlabs/forged/internal/project"
)

// Record key names inside a project namespace.
const (
	keyProject  = "project"
	keyLease    = "lease"
	keyArtifact = "artifact"
)

func iterationKey(index int) string {
	return fmt.Sprintf("iter/%06d", index)
}

func archiveKey(generation, index int) string {
	return fmt.Sprintf("archive/%03d/iter/%06d", generation, index)
}

// SaveProject writes the project record.
func (s *Store) SaveProject(ctx context.Context, p *project.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding project %s: %w", p.ID, err)
	}
	return s.Put(ctx, p.ID, keyProject, data)
}

// GetProject reads the project record. Missing projects map to
// project.ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	data, err := s.Get(ctx, id, keyProject)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", project.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var p project.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding project %s: %w", id, err)
	}
	return &p, nil
}

// SaveIteration commits an iteration record. Overwriting a committed
// index is refused: iteration history is append-only.
func (s *Store) SaveIteration(ctx context.Context, it *project.Iteration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encoding iteration %d of %s: %w", it.Index, it.ProjectID, err)
	}
	k := key(it.ProjectID, iterationKey(it.Index))
	err = s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(k)
		if getErr == nil {
			return fmt.Errorf("%w: %s index %d", project.ErrIterationExists, it.ProjectID, it.Index)
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		return txn.Set(k, data)
	})
	if err != nil {
		if errors.Is(err, project.ErrIterationExists) {
			return err
		}
		return fmt.Errorf("saving iteration %d of %s: %w", it.Index, it.ProjectID, err)
	}
	return nil
}

// GetIteration reads one committed iteration.
func (s *Store) GetIteration(ctx context.Context, projectID string, index int) (*project.Iteration, error) {
	data, err := s.Get(ctx, projectID, iterationKey(index))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: iteration %d of %s", project.ErrNotFound, index, projectID)
	}
	if err != nil {
		return nil, err
	}
	var it project.Iteration
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("decoding iteration %d of %s: %w", index, projectID, err)
	}
	return &it, nil
}

// ListIterations returns the committed iterations of the active
// generation in index order.
func (s *Store) ListIterations(ctx context.Context, projectID string) ([]*project.Iteration, error) {
	keys, err := s.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	// Zero-padded indices make lexical order numeric order.
	sort.Strings(keys)

	var out []*project.Iteration
	for _, k := range keys {
		if !strings.HasPrefix(k, "iter/") {
			continue
		}
		data, err := s.Get(ctx, projectID, k)
		if err != nil {
			return nil, err
		}
		var it project.Iteration
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, fmt.Errorf("decoding %s of %s: %w", k, projectID, err)
		}
		out = append(out, &it)
	}
	return out, nil
}

// SaveLease writes the observability copy of a lease record. The
// in-process lease manager stays authoritative for exclusivity.
func (s *Store) SaveLease(ctx context.Context, l *project.Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding lease for %s: %w", l.ProjectID, err)
	}
	return s.Put(ctx, l.ProjectID, keyLease, data)
}

// DeleteLease removes the lease record.
func (s *Store) DeleteLease(ctx context.Context, projectID string) error {
	return s.Delete(ctx, projectID, keyLease)
}

// SaveArtifact writes the final artifact record.
func (s *Store) SaveArtifact(ctx context.Context, a *project.FinalArtifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding artifact for %s: %w", a.ProjectID, err)
	}
	return s.Put(ctx, a.ProjectID, keyArtifact, data)
}

// GetArtifact reads the final artifact record.
func (s *Store) GetArtifact(ctx context.Context, projectID string) (*project.FinalArtifact, error) {
	data, err := s.Get(ctx, projectID, keyArtifact)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: artifact for %s", project.ErrNotFound, projectID)
	}
	if err != nil {
		return nil, err
	}
	var a project.FinalArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding artifact for %s: %w", projectID, err)
	}
	return &a, nil
}

// ArchiveIterations moves the active iteration records under the given
// generation's archive namespace, clearing the way for a regenerate.
// Returns the number of archived records.
func (s *Store) ArchiveIterations(ctx context.Context, projectID string, generation int) (int, error) {
	iters, err := s.ListIterations(ctx, projectID)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, it := range iters {
		data, err := json.Marshal(it)
		if err != nil {
			return moved, fmt.Errorf("encoding iteration %d of %s: %w", it.Index, projectID, err)
		}
		src := key(projectID, iterationKey(it.Index))
		dst := key(projectID, archiveKey(generation, it.Index))
		err = s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(dst, data); err != nil {
				return err
			}
			return txn.Delete(src)
		})
		if err != nil {
			return moved, fmt.Errorf("archiving iteration %d of %s: %w", it.Index, projectID, err)
		}
		moved++
	}
	return moved, nil
}

// Cleanup removes iteration records (active and archived) for a
// project. With keepFinal the artifact record survives; without it the
// artifact is removed too. The project record always survives. Returns
// the number of removed records.
func (s *Store) Cleanup(ctx context.Context, projectID string, keepFinal bool) (int, error) {
	removed, err := s.deletePrefix(ctx, projectID, "iter/")
	if err != nil {
		return removed, err
	}
	archived, err := s.deletePrefix(ctx, projectID, "archive/")
	if err != nil {
		return removed + archived, err
	}
	removed += archived

	if !keepFinal {
		if _, err := s.Get(ctx, projectID, keyArtifact); err == nil {
			if err := s.Delete(ctx, projectID, keyArtifact); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
