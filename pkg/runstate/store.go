package runstate

import (
	"context"
	"fmt"
	"sync"
)

// Store persists Run checkpoints keyed by run id.
//
// Save is atomic: a reader observes either the previous or the new complete
// snapshot. Saves to the same id never interleave; saves to distinct ids do
// not wait on each other.
type Store interface {
	Save(ctx context.Context, run *Run) error
	Load(ctx context.Context, id string) (*Run, error)
	// ListActive returns ids of runs that are not terminal (ACTIVE or PAUSED).
	ListActive(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]Summary, error)
	// History returns the headline of every phase record of id in sequence
	// order: seq, phase, outcome, confidence, artifact ref, summary and time.
	History(ctx context.Context, id string) ([]PhaseRecord, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// keyedMutex hands out one mutex per run id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// headline drops the bulky parts of a record.
func headline(rec PhaseRecord) PhaseRecord {
	rec.Detail = ""
	rec.Attempts = nil
	return rec
}

func validateForSave(run *Run) error {
	if run == nil {
		return fmt.Errorf("%w: nil run", ErrPersistence)
	}
	if run.ID == "" {
		return fmt.Errorf("%w: run id cannot be empty", ErrPersistence)
	}
	return nil
}
