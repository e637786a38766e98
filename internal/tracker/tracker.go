// Package tracker owns asset records: it is the only component that
// mutates processing status and lifecycle state.
package tracker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tunedrop/pipeline/internal/model"
)

// Tracker serializes every read-modify-write per asset so concurrent
// sibling stages cannot lose each other's updates.
type Tracker struct {
	store    AssetStore
	critical map[string]bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a tracker. criticalStages lists the stages whose
// permanent failure fails the whole asset.
func New(store AssetStore, criticalStages []string) *Tracker {
	critical := make(map[string]bool, len(criticalStages))
	for _, s := range criticalStages {
		critical[s] = true
	}
	return &Tracker{
		store:    store,
		critical: critical,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) lock(assetID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[assetID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[assetID] = l
	}
	return l
}

// CreateAsset registers a new asset. The status map starts with only
// the stages dispatched so far (the ingest stage); fan-out stages are
// added when they are dispatched. Creating an existing asset is an
// error.
func (t *Tracker) CreateAsset(ctx context.Context, id, userID string, stages []string) (*model.Asset, error) {
	l := t.lock(id)
	l.Lock()
	defer l.Unlock()

	if _, err := t.store.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("asset %s already exists", id)
	}

	now := time.Now().UTC()
	asset := &model.Asset{
		ID:               id,
		UserID:           userID,
		Artifacts:        make(map[string]string),
		ProcessingStatus: make(map[string]model.StageState, len(stages)),
		LifecycleStatus:  model.LifecycleUploading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, s := range stages {
		asset.ProcessingStatus[s] = model.StagePending
	}
	if err := t.store.Save(ctx, asset); err != nil {
		return nil, err
	}
	return asset.Clone(), nil
}

// AddStages registers newly dispatched stages as pending. Stages that
// already have a state keep it, so a crash-retry of the fan-out cannot
// reset progress.
func (t *Tracker) AddStages(ctx context.Context, assetID string, stages []string) error {
	l := t.lock(assetID)
	l.Lock()
	defer l.Unlock()

	asset, err := t.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	changed := false
	for _, s := range stages {
		if _, ok := asset.ProcessingStatus[s]; !ok {
			asset.ProcessingStatus[s] = model.StagePending
			changed = true
		}
	}
	if !changed {
		return nil
	}
	asset.UpdatedAt = time.Now().UTC()
	return t.store.Save(ctx, asset)
}

// SetStage moves one stage forward. Transitions that would regress a
// stage are ignored; stages move pending → processing → {completed,
// failed} and nothing else.
func (t *Tracker) SetStage(ctx context.Context, assetID, stage string, state model.StageState) error {
	l := t.lock(assetID)
	l.Lock()
	defer l.Unlock()

	asset, err := t.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	current, ok := asset.ProcessingStatus[stage]
	if !ok {
		return fmt.Errorf("asset %s has no stage %s", assetID, stage)
	}
	if !current.CanTransition(state) {
		if current != state {
			log.Printf("Warning: ignoring stage regression %s/%s: %s -> %s", assetID, stage, current, state)
		}
		return nil
	}
	asset.ProcessingStatus[stage] = state
	asset.UpdatedAt = time.Now().UTC()
	return t.store.Save(ctx, asset)
}

// SetArtifacts records storage keys for derived artifacts.
func (t *Tracker) SetArtifacts(ctx context.Context, assetID string, artifacts map[string]string) error {
	if len(artifacts) == 0 {
		return nil
	}
	l := t.lock(assetID)
	l.Lock()
	defer l.Unlock()

	asset, err := t.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	for name, key := range artifacts {
		asset.Artifacts[name] = key
	}
	asset.UpdatedAt = time.Now().UTC()
	return t.store.Save(ctx, asset)
}

// SetMetadata records the probed file properties.
func (t *Tracker) SetMetadata(ctx context.Context, assetID string, meta *model.Metadata) error {
	if meta == nil {
		return nil
	}
	l := t.lock(assetID)
	l.Lock()
	defer l.Unlock()

	asset, err := t.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	m := *meta
	asset.Metadata = &m
	asset.UpdatedAt = time.Now().UTC()
	return t.store.Save(ctx, asset)
}

// SetError records the last critical-stage failure message.
func (t *Tracker) SetError(ctx context.Context, assetID, msg string) error {
	l := t.lock(assetID)
	l.Lock()
	defer l.Unlock()

	asset, err := t.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	asset.Error = &msg
	asset.UpdatedAt = time.Now().UTC()
	return t.store.Save(ctx, asset)
}

// ComputeLifecycle re-derives the aggregate state from the stage map:
// failed iff any critical stage failed, ready iff every critical stage
// was dispatched and completed. Persists only on change and never
// moves backward.
func (t *Tracker) ComputeLifecycle(ctx context.Context, assetID string) (model.LifecycleState, bool, error) {
	l := t.lock(assetID)
	l.Lock()
	defer l.Unlock()

	asset, err := t.store.Get(ctx, assetID)
	if err != nil {
		return "", false, err
	}

	derived := t.derive(asset)
	if derived == asset.LifecycleStatus || !asset.LifecycleStatus.CanTransition(derived) {
		return asset.LifecycleStatus, false, nil
	}

	asset.LifecycleStatus = derived
	asset.UpdatedAt = time.Now().UTC()
	if err := t.store.Save(ctx, asset); err != nil {
		return "", false, err
	}
	return derived, true, nil
}

func (t *Tracker) derive(asset *model.Asset) model.LifecycleState {
	started := false
	for _, state := range asset.ProcessingStatus {
		if state != model.StagePending {
			started = true
			break
		}
	}

	// A crash between a stage completing and its fan-out being
	// dispatched leaves critical stages absent from the status map, so
	// ready requires every critical stage present, not just the
	// dispatched ones clean.
	criticalDone := len(t.critical) > 0
	for stage := range t.critical {
		switch asset.ProcessingStatus[stage] {
		case model.StageFailed:
			return model.LifecycleFailed
		case model.StageCompleted:
		default:
			criticalDone = false
		}
	}
	if criticalDone {
		return model.LifecycleReady
	}
	if started {
		return model.LifecycleProcessing
	}
	return asset.LifecycleStatus
}

// Get returns a snapshot of the asset.
func (t *Tracker) Get(ctx context.Context, assetID string) (*model.Asset, error) {
	return t.store.Get(ctx, assetID)
}
