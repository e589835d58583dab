// Package checkpoint persists immutable snapshots of workflow state so an
// interrupted workflow can resume after its last completed layer.
package checkpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/store"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

const (
	keyPrefix   = "checkpoint/"
	indexPrefix = "checkpoint-id/"
)

// Checkpoint is an immutable snapshot of a workflow after a layer.
type Checkpoint struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Layer      int             `json:"layer"`
	Digest     string          `json:"digest"`
	State      json.RawMessage `json:"state"`

	key string
}

// Config controls retention.
type Config struct {
	// Keep is how many of the most recent checkpoints Prune retains per workflow.
	Keep int `mapstructure:"keep"`
	// PruneOnSave starts a background prune after every save.
	PruneOnSave bool `mapstructure:"prune_on_save"`
}

// DefaultConfig returns the default checkpoint configuration
func DefaultConfig() Config {
	return Config{Keep: 5, PruneOnSave: true}
}

// Manager saves, loads and prunes checkpoints.
type Manager struct {
	store   store.DocumentStore
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	lastNano int64
	pinned   map[string]int

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records checkpoint metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a checkpoint manager backed by st.
func NewManager(st store.DocumentStore, cfg Config, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		cfg:    cfg,
		logger: log.OrDefault(logger).WithComponent("checkpoint"),
		pinned: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save snapshots state as the checkpoint of layer.
func (m *Manager) Save(ctx context.Context, workflowID string, layer int, state workflow.State) (*Checkpoint, error) {
	return m.persist(ctx, m.stamp(workflowID, layer), state)
}

// stamp fixes the creation time and storage key of the next checkpoint of
// workflowID. Keys order by the moment of stamping, not of writing.
func (m *Manager) stamp(workflowID string, layer int) *Checkpoint {
	cp := &Checkpoint{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		CreatedAt:  time.Now().UTC(),
		Layer:      layer,
	}
	cp.key = fmt.Sprintf("%s%s/%020d", keyPrefix, workflowID, m.sequence(cp.CreatedAt))
	return cp
}

func (m *Manager) persist(ctx context.Context, cp *Checkpoint, state workflow.State) (*Checkpoint, error) {
	workflowID, layer := cp.WorkflowID, cp.Layer
	start := time.Now()
	cp, err := m.save(ctx, cp, state)
	m.metrics.RecordCheckpointSave(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	m.logger.Debug("checkpoint saved",
		"workflow_id", workflowID,
		"checkpoint_id", cp.ID,
		"layer", layer,
		"duration", time.Since(start),
	)
	if m.cfg.PruneOnSave {
		m.PruneAsync(workflowID, m.cfg.Keep)
	}
	return cp, nil
}

func (m *Manager) save(ctx context.Context, cp *Checkpoint, state workflow.State) (*Checkpoint, error) {
	workflowID := cp.WorkflowID
	if workflowID == "" || strings.Contains(workflowID, "/") {
		return nil, errors.New(errors.ErrCodeCheckpointSave, fmt.Sprintf("invalid workflow id %q", workflowID))
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointSave, "failed to serialize workflow state", err).
			WithWorkflow(workflowID)
	}

	cp.Digest = digest(data)
	cp.State = data

	record, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointSave, "failed to serialize checkpoint", err).
			WithWorkflow(workflowID)
	}
	if err := m.store.Put(ctx, cp.key, record); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointSave, "failed to write checkpoint", err).
			WithWorkflow(workflowID)
	}
	if err := m.store.Put(ctx, indexPrefix+cp.ID, []byte(cp.key)); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointSave, "failed to index checkpoint", err).
			WithWorkflow(workflowID)
	}
	return cp, nil
}

// sequence returns a strictly increasing creation stamp so keys order by
// creation even within one clock tick.
func (m *Manager) sequence(t time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := t.UnixNano()
	if n <= m.lastNano {
		n = m.lastNano + 1
	}
	m.lastNano = n
	return n
}

// SaveResult is delivered by SaveAsync.
type SaveResult struct {
	Checkpoint *Checkpoint
	Err        error
}

// SaveAsync saves in the background. The checkpoint is stamped before
// SaveAsync returns, so successive calls keep their order however the
// writes interleave. The returned channel receives exactly one result and is
// then closed.
func (m *Manager) SaveAsync(ctx context.Context, workflowID string, layer int, state workflow.State) <-chan SaveResult {
	ch := make(chan SaveResult, 1)
	snapshot := state.Snapshot()
	stamped := m.stamp(workflowID, layer)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ch)
		cp, err := m.persist(context.WithoutCancel(ctx), stamped, snapshot)
		ch <- SaveResult{Checkpoint: cp, Err: err}
	}()
	return ch
}

// LoadLatest returns the most recently created checkpoint of a workflow, or
// nil when it has none.
func (m *Manager) LoadLatest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	docs, err := m.store.List(ctx, workflowPrefix(workflowID))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointNotFound, "failed to list checkpoints", err).
			WithWorkflow(workflowID)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	last := docs[len(docs)-1]
	return m.decode(workflowID, "", last.Key, last.Value)
}

// Load returns the checkpoint with id, verifying its digest and structure.
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	key, err := m.store.Get(ctx, indexPrefix+id)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NewCheckpointNotFoundError("", id)
		}
		return nil, errors.Wrap(errors.ErrCodeCheckpointNotFound, "failed to read checkpoint index", err)
	}
	value, err := m.store.Get(ctx, string(key))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NewCheckpointNotFoundError("", id)
		}
		return nil, errors.Wrap(errors.ErrCodeCheckpointNotFound, "failed to read checkpoint", err)
	}
	return m.decode("", id, string(key), value)
}

func (m *Manager) decode(workflowID, id, key string, value []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(value, &cp); err != nil {
		return nil, errors.NewCheckpointCorruptError(workflowID, id, "unreadable record")
	}
	cp.key = key
	if id != "" && cp.ID != id {
		return nil, errors.NewCheckpointCorruptError(cp.WorkflowID, id, "index points at another checkpoint")
	}
	if workflowID != "" && cp.WorkflowID != workflowID {
		return nil, errors.NewCheckpointCorruptError(workflowID, cp.ID, "record belongs to another workflow")
	}
	if got := digest(cp.State); got != cp.Digest {
		return nil, errors.NewCheckpointCorruptError(cp.WorkflowID, cp.ID, "digest mismatch")
	}
	if _, err := Restore(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Restore decodes the workflow state held by cp and checks that it is
// structurally valid and consistent with the checkpoint.
func Restore(cp *Checkpoint) (workflow.State, error) {
	var state workflow.State
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return workflow.State{}, errors.NewCheckpointCorruptError(cp.WorkflowID, cp.ID, "unreadable state")
	}
	if err := state.Validate(); err != nil {
		return workflow.State{}, errors.NewCheckpointCorruptError(cp.WorkflowID, cp.ID, err.Error())
	}
	if state.WorkflowID != cp.WorkflowID {
		return workflow.State{}, errors.NewCheckpointCorruptError(cp.WorkflowID, cp.ID, "state belongs to another workflow")
	}
	if state.Layer != cp.Layer {
		return workflow.State{}, errors.NewCheckpointCorruptError(cp.WorkflowID, cp.ID,
			fmt.Sprintf("state is at layer %d, checkpoint at %d", state.Layer, cp.Layer))
	}
	if state.Context == nil {
		state.Context = map[string]any{}
	}
	return state, nil
}

// List returns the checkpoints of a workflow, oldest first. Unreadable
// records are skipped.
func (m *Manager) List(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	docs, err := m.store.List(ctx, workflowPrefix(workflowID))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointNotFound, "failed to list checkpoints", err).
			WithWorkflow(workflowID)
	}
	out := make([]Checkpoint, 0, len(docs))
	for _, doc := range docs {
		var cp Checkpoint
		if err := json.Unmarshal(doc.Value, &cp); err != nil {
			m.logger.Warn("skipping unreadable checkpoint", "key", doc.Key)
			continue
		}
		cp.key = doc.Key
		out = append(out, cp)
	}
	return out, nil
}

// Workflows returns the ids of every workflow with at least one checkpoint.
func (m *Manager) Workflows(ctx context.Context) ([]string, error) {
	docs, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointNotFound, "failed to list checkpoints", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, doc := range docs {
		rest := strings.TrimPrefix(doc.Key, keyPrefix)
		wf, _, ok := strings.Cut(rest, "/")
		if ok && !seen[wf] {
			seen[wf] = true
			ids = append(ids, wf)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Pin protects a checkpoint from pruning until Unpin. Pins nest.
func (m *Manager) Pin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[id]++
}

// Unpin releases one Pin.
func (m *Manager) Unpin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned[id] <= 1 {
		delete(m.pinned, id)
		return
	}
	m.pinned[id]--
}

func (m *Manager) isPinned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned[id] > 0
}

// Prune deletes all but the keep most recent checkpoints of a workflow and
// returns how many were deleted. Pinned checkpoints are never deleted.
func (m *Manager) Prune(ctx context.Context, workflowID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	cps, err := m.List(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	if len(cps) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, cp := range cps[:len(cps)-keep] {
		if m.isPinned(cp.ID) {
			continue
		}
		if err := m.store.Delete(ctx, cp.key); err != nil {
			return deleted, errors.Wrap(errors.ErrCodeCheckpointSave, "failed to delete checkpoint", err).
				WithWorkflow(workflowID)
		}
		if err := m.store.Delete(ctx, indexPrefix+cp.ID); err != nil {
			return deleted, errors.Wrap(errors.ErrCodeCheckpointSave, "failed to delete checkpoint index", err).
				WithWorkflow(workflowID)
		}
		deleted++
	}
	return deleted, nil
}

// PruneAsync runs Prune in the background. Failures are logged, never returned.
func (m *Manager) PruneAsync(workflowID string, keep int) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		deleted, err := m.Prune(context.Background(), workflowID, keep)
		m.metrics.RecordCheckpointPrune(err == nil)
		if err != nil {
			m.logger.WithError(err).Warn("checkpoint prune failed", "workflow_id", workflowID)
			return
		}
		if deleted > 0 {
			m.logger.Debug("checkpoints pruned", "workflow_id", workflowID, "deleted", deleted)
		}
	}()
}

// Wait blocks until background saves and prunes have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func workflowPrefix(workflowID string) string {
	return keyPrefix + workflowID + "/"
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
