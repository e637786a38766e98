// Package pipeline contains the orchestrator: it consumes queued jobs,
// invokes stage implementations, applies retry/backoff and failure
// isolation, and fans out follow-on stages.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunedrop/pipeline/internal/media"
	"github.com/tunedrop/pipeline/internal/model"
	"github.com/tunedrop/pipeline/internal/notify"
	"github.com/tunedrop/pipeline/internal/queue"
	"github.com/tunedrop/pipeline/internal/tracker"
)

// Broadcaster pushes live progress to subscribed clients. Optional.
type Broadcaster interface {
	BroadcastStage(assetID, stage string, state model.StageState, attempt int)
	BroadcastLifecycle(assetID string, state model.LifecycleState, errMsg string)
}

// Orchestrator owns job dispatch, retries and failure policy. Jobs are
// created and mutated here only; stage invokers just return results.
type Orchestrator struct {
	registry *Registry
	queue    *queue.Queue
	tracker  *tracker.Tracker
	jobs     JobStore
	notifier notify.Notifier
	hub      Broadcaster

	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an orchestrator. hub may be nil.
func New(registry *Registry, q *queue.Queue, tr *tracker.Tracker, jobs JobStore, notifier notify.Notifier, hub Broadcaster, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: registry,
		queue:    q,
		tracker:  tr,
		jobs:     jobs,
		notifier: notifier,
		hub:      hub,
		workers:  workers,
		timers:   make(map[string]*time.Timer),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Submit registers a new asset and enqueues its ingest job at high
// priority.
func (o *Orchestrator) Submit(ctx context.Context, assetID, userID, tempKey string) error {
	def := o.registry.Get(model.StageUpload)

	if _, err := o.tracker.CreateAsset(ctx, assetID, userID, []string{model.StageUpload}); err != nil {
		return err
	}

	payload, err := json.Marshal(model.IngestPayload{TempKey: tempKey})
	if err != nil {
		return fmt.Errorf("failed to encode ingest payload: %w", err)
	}

	job := o.newJob(def, assetID, payload)
	if err := o.jobs.Save(ctx, job); err != nil {
		return err
	}
	o.queue.Enqueue(job)
	log.Printf("Submitted asset %s (job %s)", assetID, job.ID)
	return nil
}

// Status returns a read-only snapshot of an asset's pipeline state.
func (o *Orchestrator) Status(ctx context.Context, assetID string) (*model.StatusResponse, error) {
	asset, err := o.tracker.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return &model.StatusResponse{
		AssetID:          asset.ID,
		LifecycleStatus:  asset.LifecycleStatus,
		ProcessingStatus: asset.ProcessingStatus,
		Artifacts:        asset.Artifacts,
		Metadata:         asset.Metadata,
		Error:            asset.Error,
		UpdatedAt:        asset.UpdatedAt,
	}, nil
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	log.Printf("Pipeline started with %d workers", o.workers)
}

// Recover re-enqueues every persisted job at the tail of its lane.
// Attempt counts survive the restart; a retry whose backoff timer was
// pending at crash time runs immediately.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if o.registry.Get(job.Stage) == nil {
			log.Printf("Warning: dropping recovered job %s with unknown stage %s", job.ID, job.Stage)
			o.jobs.Delete(ctx, job.ID)
			continue
		}
		o.queue.Enqueue(job)
	}
	if len(jobs) > 0 {
		log.Printf("Recovered %d pending jobs", len(jobs))
	}
	return nil
}

// Shutdown stops intake, cancels pending retry timers and waits for
// in-flight stages to finish or the context to expire. Pending work
// stays in the job store for the next start's recovery sweep.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.queue.Close()

	o.mu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.cancel()
		return ctx.Err()
	}
	o.cancel()
	return nil
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		job, ok := o.queue.Dequeue()
		if !ok {
			return
		}
		o.process(job)
	}
}

func (o *Orchestrator) process(job *model.Job) {
	def := o.registry.Get(job.Stage)
	if def == nil {
		// Only reachable through a corrupted job record; recovery
		// filters unknown stages.
		panic(fmt.Sprintf("pipeline: no stage definition for %q", job.Stage))
	}

	ctx := o.baseCtx
	if err := o.tracker.SetStage(ctx, job.AssetID, job.Stage, model.StageProcessing); err != nil {
		log.Printf("Failed to mark %s/%s processing: %v", job.AssetID, job.Stage, err)
	}
	o.computeLifecycle(ctx, job.AssetID)
	o.broadcastStage(job.AssetID, job.Stage, model.StageProcessing, job.Attempt)

	stageCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	result, err := def.Invoker.Invoke(stageCtx, job.AssetID, job.Payload)
	cancel()

	if err != nil {
		if errors.Is(err, media.ErrBadPayload) {
			// Programming/config error: crash loudly, never retry.
			panic(fmt.Sprintf("pipeline: %s/%s: %v", job.AssetID, job.Stage, err))
		}
		o.handleFailure(ctx, job, def, err)
		return
	}

	o.handleSuccess(ctx, job, def, result)
}

func (o *Orchestrator) handleSuccess(ctx context.Context, job *model.Job, def *StageDef, result *media.Result) {
	if result != nil {
		if err := o.tracker.SetArtifacts(ctx, job.AssetID, result.Artifacts); err != nil {
			log.Printf("Failed to record artifacts for %s/%s: %v", job.AssetID, job.Stage, err)
		}
		if err := o.tracker.SetMetadata(ctx, job.AssetID, result.Metadata); err != nil {
			log.Printf("Failed to record metadata for %s: %v", job.AssetID, err)
		}
	}

	if err := o.tracker.SetStage(ctx, job.AssetID, job.Stage, model.StageCompleted); err != nil {
		log.Printf("Failed to mark %s/%s completed: %v", job.AssetID, job.Stage, err)
	}
	o.broadcastStage(job.AssetID, job.Stage, model.StageCompleted, job.Attempt)

	if len(def.Dependents) > 0 {
		o.fanOut(ctx, job.AssetID, def.Dependents)
	}

	o.computeLifecycle(ctx, job.AssetID)

	if err := o.jobs.Delete(ctx, job.ID); err != nil {
		log.Printf("Failed to delete job %s: %v", job.ID, err)
	}
	log.Printf("Stage %s completed for asset %s (attempt %d)", job.Stage, job.AssetID, job.Attempt)
}

func (o *Orchestrator) fanOut(ctx context.Context, assetID string, dependents []string) {
	if err := o.tracker.AddStages(ctx, assetID, dependents); err != nil {
		log.Printf("Failed to register stages for %s: %v", assetID, err)
		return
	}
	for _, name := range dependents {
		dep := o.registry.Get(name)
		if dep == nil {
			panic(fmt.Sprintf("pipeline: fan-out to unknown stage %q", name))
		}
		j := o.newJob(dep, assetID, dep.Payload)
		if err := o.jobs.Save(ctx, j); err != nil {
			log.Printf("Failed to persist job for %s/%s: %v", assetID, name, err)
		}
		o.queue.Enqueue(j)
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, job *model.Job, def *StageDef, cause error) {
	if job.Attempt < job.MaxAttempts {
		delay := job.NextBackoff()
		log.Printf("Stage %s failed for asset %s (attempt %d/%d), retrying in %s: %v",
			job.Stage, job.AssetID, job.Attempt, job.MaxAttempts, delay, cause)
		job.Attempt++
		if err := o.jobs.Save(ctx, job); err != nil {
			log.Printf("Failed to persist retry for job %s: %v", job.ID, err)
		}
		o.scheduleRetry(job, delay)
		return
	}

	log.Printf("Stage %s permanently failed for asset %s after %d attempts: %v",
		job.Stage, job.AssetID, job.Attempt, cause)

	if err := o.tracker.SetStage(ctx, job.AssetID, job.Stage, model.StageFailed); err != nil {
		log.Printf("Failed to mark %s/%s failed: %v", job.AssetID, job.Stage, err)
	}
	o.broadcastStage(job.AssetID, job.Stage, model.StageFailed, job.Attempt)

	if err := o.jobs.Delete(ctx, job.ID); err != nil {
		log.Printf("Failed to delete job %s: %v", job.ID, err)
	}

	if def.Critical {
		if err := o.tracker.SetError(ctx, job.AssetID, cause.Error()); err != nil {
			log.Printf("Failed to record error for %s: %v", job.AssetID, err)
		}
		// Dependents of a failed critical stage are never dispatched.
		state, changed := o.computeLifecycle(ctx, job.AssetID)
		if changed && state == model.LifecycleFailed {
			o.notifier.Notify(ctx, notify.Event{
				AssetID:  job.AssetID,
				Kind:     notify.EventAssetFailed,
				Severity: notify.SeverityError,
				Details: map[string]interface{}{
					"stage": job.Stage,
					"error": cause.Error(),
				},
			})
		}
		return
	}

	// Non-critical: absorbed. The asset can still reach ready.
	o.notifier.Notify(ctx, notify.Event{
		AssetID:  job.AssetID,
		Kind:     notify.EventStageFailed,
		Severity: notify.SeverityWarning,
		Details: map[string]interface{}{
			"stage": job.Stage,
			"error": cause.Error(),
		},
	})
	o.computeLifecycle(ctx, job.AssetID)
}

// scheduleRetry re-enqueues the job at the tail of its lane after the
// backoff delay. Deferred enqueue, not a busy wait.
func (o *Orchestrator) scheduleRetry(job *model.Job, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timers[job.ID] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, job.ID)
		o.mu.Unlock()
		o.queue.Enqueue(job)
	})
}

// computeLifecycle re-derives the aggregate state and emits the single
// ready notification when the asset gets there.
func (o *Orchestrator) computeLifecycle(ctx context.Context, assetID string) (model.LifecycleState, bool) {
	state, changed, err := o.tracker.ComputeLifecycle(ctx, assetID)
	if err != nil {
		log.Printf("Failed to compute lifecycle for %s: %v", assetID, err)
		return "", false
	}
	if changed {
		errMsg := ""
		if state == model.LifecycleFailed {
			if asset, err := o.tracker.Get(ctx, assetID); err == nil && asset.Error != nil {
				errMsg = *asset.Error
			}
		}
		if o.hub != nil {
			o.hub.BroadcastLifecycle(assetID, state, errMsg)
		}
		if state == model.LifecycleReady {
			o.notifier.Notify(ctx, notify.Event{
				AssetID:  assetID,
				Kind:     notify.EventAssetReady,
				Severity: notify.SeverityInfo,
			})
		}
	}
	return state, changed
}

func (o *Orchestrator) broadcastStage(assetID, stage string, state model.StageState, attempt int) {
	if o.hub != nil {
		o.hub.BroadcastStage(assetID, stage, state, attempt)
	}
}

func (o *Orchestrator) newJob(def *StageDef, assetID string, payload json.RawMessage) *model.Job {
	return &model.Job{
		ID:          uuid.New().String(),
		Stage:       def.Name,
		AssetID:     assetID,
		Lane:        def.Lane,
		Attempt:     1,
		MaxAttempts: def.MaxAttempts,
		Backoff:     def.Backoff,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
	}
}
