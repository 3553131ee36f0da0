// Package file provides a file-backed persistence implementation. Every
// transaction runs under an exclusive lock on the root against a freshly
// loaded copy of the state, which is written to disk before the lock is
// released.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
	"golang.org/x/sys/unix"
)

const (
	stateFile = "kernelflow.json"
	lockFile  = "kernelflow.lock"
)

type state struct {
	Entities  map[string]*models.Entity           `json:"entities"`
	Versions  map[string][]*models.EntityVersion  `json:"versions"`
	AuditLogs map[string][]*models.AuditLogEntry  `json:"audit_logs"`
	Instances map[string]*models.WorkflowInstance `json:"instances"`
	Steps     map[string][]*models.WorkflowStep   `json:"steps"`
	Outbox    []*models.OutboxEvent               `json:"outbox"`
}

func newState() *state {
	return &state{
		Entities:  map[string]*models.Entity{},
		Versions:  map[string][]*models.EntityVersion{},
		AuditLogs: map[string][]*models.AuditLogEntry{},
		Instances: map[string]*models.WorkflowInstance{},
		Steps:     map[string][]*models.WorkflowStep{},
		Outbox:    []*models.OutboxEvent{},
	}
}

func (s *state) clone() (*state, error) {
	cloned, err := clone(s)
	if err != nil {
		return nil, err
	}

	cloned.ensure()

	return cloned, nil
}

func (s *state) ensure() {
	if s.Entities == nil {
		s.Entities = map[string]*models.Entity{}
	}

	if s.Versions == nil {
		s.Versions = map[string][]*models.EntityVersion{}
	}

	if s.AuditLogs == nil {
		s.AuditLogs = map[string][]*models.AuditLogEntry{}
	}

	if s.Instances == nil {
		s.Instances = map[string]*models.WorkflowInstance{}
	}

	if s.Steps == nil {
		s.Steps = map[string][]*models.WorkflowStep{}
	}
}

// Persistence implements the persistence.Persistence interface using the file system.
// An empty root keeps the state in memory only.
type Persistence struct {
	root  string
	mu    sync.Mutex
	lock  *os.File
	state *state
}

// NewPersistence creates a new instance of Persistence with the specified root
// directory. Several processes may open the same root: every transaction
// holds an exclusive lock on the root and reloads the state written there.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot, state: newState()}
	if cleanRoot == "" {
		return p, nil
	}

	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(cleanRoot, lockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	p.lock = lock

	unlock, err := p.acquire()
	if err != nil {
		_ = lock.Close()

		return nil, err
	}

	loaded, err := p.load()

	unlock()

	if err != nil {
		_ = lock.Close()

		return nil, err
	}

	p.state = loaded

	return p, nil
}

// NewMemoryPersistence returns a store that never touches the disk.
func NewMemoryPersistence() *Persistence {
	return &Persistence{state: newState()}
}

// WithinTx runs fn against a private copy of the state. Transactions are
// serialized, which gives row locks and skip-locked claims for free.
func (fp *Persistence) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	unlock, err := fp.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	current := fp.state
	if fp.root != "" {
		if current, err = fp.load(); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		fp.state = current
	}

	working, err := current.clone()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &transaction{state: working}); err != nil {
		return err
	}

	if err := fp.flush(working); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	fp.state = working

	return nil
}

// acquire takes the cross-process lock on the root. The returned func
// releases it.
func (fp *Persistence) acquire() (func(), error) {
	if fp.lock == nil {
		return func() {}, nil
	}

	fd := int(fp.lock.Fd())

	for {
		err := unix.Flock(fd, unix.LOCK_EX)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("failed to lock %s: %w", fp.root, err)
		}
	}

	return func() { _ = unix.Flock(fd, unix.LOCK_UN) }, nil
}

// load reads the state last committed under root. The caller holds the lock.
func (fp *Persistence) load() (*state, error) {
	data, err := os.ReadFile(filepath.Join(fp.root, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	loaded := newState()
	if err := json.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	loaded.ensure()

	return loaded, nil
}

func (fp *Persistence) flush(s *state) error {
	if fp.root == "" {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	tmp := filepath.Join(fp.root, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, filepath.Join(fp.root, stateFile))
}

// Close releases the lock file handle.
func (fp *Persistence) Close(_ context.Context) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.lock == nil {
		return nil
	}

	err := fp.lock.Close()
	fp.lock = nil

	return err
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if fp.root == "" {
		return nil
	}

	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

type transaction struct {
	state *state
}

func (t *transaction) Entities() persistence.EntityRepository { return &entityRepository{state: t.state} }
func (t *transaction) Versions() persistence.VersionRepository { return &versionRepository{state: t.state} }
func (t *transaction) AuditLogs() persistence.AuditRepository { return &auditRepository{state: t.state} }
func (t *transaction) Instances() persistence.InstanceRepository { return &instanceRepository{state: t.state} }
func (t *transaction) Steps() persistence.StepRepository { return &stepRepository{state: t.state} }
func (t *transaction) Outbox() persistence.OutboxRepository { return &outboxRepository{state: t.state} }

func key(parts ...string) string {
	return strings.Join(parts, "/")
}

func clone[T any](v T) (T, error) {
	var out T

	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}

	err = json.Unmarshal(data, &out)

	return out, err
}
