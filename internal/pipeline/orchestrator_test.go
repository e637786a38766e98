package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tunedrop/pipeline/internal/config"
	"github.com/tunedrop/pipeline/internal/media"
	"github.com/tunedrop/pipeline/internal/model"
	"github.com/tunedrop/pipeline/internal/notify"
	"github.com/tunedrop/pipeline/internal/queue"
	"github.com/tunedrop/pipeline/internal/tracker"
)

// scriptedInvoker fails a configurable number of leading calls, then
// returns its canned result.
type scriptedInvoker struct {
	mu         sync.Mutex
	calls      int
	failFirst  int
	alwaysFail bool
	result     *media.Result
}

func (s *scriptedInvoker) Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*media.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.alwaysFail || n <= s.failFirst {
		return nil, errors.New("tool failed")
	}
	if s.result != nil {
		return s.result, nil
	}
	return &media.Result{}, nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// bitrateInvoker plays the transcoder: per-bitrate failure scripting
// and per-bitrate call counts.
type bitrateInvoker struct {
	mu    sync.Mutex
	calls map[int]int
	fail  map[int]bool
}

func newBitrateInvoker() *bitrateInvoker {
	return &bitrateInvoker{calls: make(map[int]int), fail: make(map[int]bool)}
}

func (b *bitrateInvoker) Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*media.Result, error) {
	var p model.TranscodePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.BitrateKbps <= 0 {
		return nil, fmt.Errorf("%w: transcode: %v", media.ErrBadPayload, err)
	}
	b.mu.Lock()
	b.calls[p.BitrateKbps]++
	shouldFail := b.fail[p.BitrateKbps]
	b.mu.Unlock()
	if shouldFail {
		return nil, fmt.Errorf("encode failed at %dkbps", p.BitrateKbps)
	}
	name := fmt.Sprintf("%dkbps", p.BitrateKbps)
	return &media.Result{
		Artifacts: map[string]string{name: media.TranscodeKey(assetID, p.BitrateKbps)},
	}, nil
}

func (b *bitrateInvoker) callCount(kbps int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[kbps]
}

// recordingNotifier captures emitted events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

// waitFor polls until the count for kind reaches want, then returns
// the settled count. Events are emitted after the state they report, so
// counting right after a state wait races the notifier.
func (n *recordingNotifier) waitFor(kind notify.EventKind, want int) int {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.count(kind) >= want {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	return n.count(kind)
}

func (n *recordingNotifier) count(kind notify.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}

func testPipelineConfig() *config.PipelineConfig {
	fast := func(attempts int) config.StageConfig {
		return config.StageConfig{
			MaxAttempts: attempts,
			Backoff:     []time.Duration{time.Millisecond, 2 * time.Millisecond, 5 * time.Millisecond},
			Timeout:     time.Second,
		}
	}
	return &config.PipelineConfig{
		Workers:          4,
		Bitrates:         []int{320, 128},
		PreviewOffsetSec: 30,
		PreviewLengthSec: 30,
		WaveformSize:     "1800x280",
		WaveformColor:    "3498db",
		Ingest:           fast(3),
		Transcode:        fast(3),
		Preview:          fast(2),
		Waveform:         fast(2),
	}
}

type testPipeline struct {
	orch     *Orchestrator
	tracker  *tracker.Tracker
	jobs     *MemoryJobStore
	notifier *recordingNotifier

	ingest    *scriptedInvoker
	transcode *bitrateInvoker
	preview   *scriptedInvoker
	waveform  *scriptedInvoker
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	tp := &testPipeline{
		jobs:      NewMemoryJobStore(),
		notifier:  &recordingNotifier{},
		transcode: newBitrateInvoker(),
		preview: &scriptedInvoker{result: &media.Result{
			Artifacts: map[string]string{"preview": "assets/a/preview.mp3"},
		}},
		waveform: &scriptedInvoker{result: &media.Result{
			Artifacts: map[string]string{"waveform": "assets/a/waveform.png"},
		}},
	}
	tp.ingest = &scriptedInvoker{result: &media.Result{
		Artifacts: map[string]string{"original": "assets/a/original.mp3"},
		Metadata:  &model.Metadata{Duration: 180, Bitrate: 256000, SampleRate: 44100},
	}}

	registry, err := BuildRegistry(testPipelineConfig(), Invokers{
		Ingest:    tp.ingest,
		Transcode: tp.transcode,
		Preview:   tp.preview,
		Waveform:  tp.waveform,
	})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	tp.tracker = tracker.New(tracker.NewMemoryAssetStore(), registry.CriticalStages())
	tp.orch = New(registry, queue.New(), tp.tracker, tp.jobs, tp.notifier, nil, 4)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.orch.Shutdown(ctx)
	})
	return tp
}

func (tp *testPipeline) waitForLifecycle(t *testing.T, assetID string, want model.LifecycleState) *model.Asset {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		asset, err := tp.tracker.Get(context.Background(), assetID)
		if err == nil && asset.LifecycleStatus == want {
			return asset
		}
		time.Sleep(2 * time.Millisecond)
	}
	asset, _ := tp.tracker.Get(context.Background(), assetID)
	t.Fatalf("asset %s never reached %s; last: %+v", assetID, want, asset)
	return nil
}

func (tp *testPipeline) waitForStagesTerminal(t *testing.T, assetID string, stages ...string) *model.Asset {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		asset, err := tp.tracker.Get(context.Background(), assetID)
		if err == nil {
			done := true
			for _, s := range stages {
				if !asset.ProcessingStatus[s].Terminal() {
					done = false
					break
				}
			}
			if done {
				return asset
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	asset, _ := tp.tracker.Get(context.Background(), assetID)
	t.Fatalf("stages %v never terminal for %s; last: %+v", stages, assetID, asset)
	return nil
}

func TestRegistryStagesTopology(t *testing.T) {
	registry, err := BuildRegistry(testPipelineConfig(), Invokers{})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	stages := registry.Stages()
	want := map[string]bool{
		model.StageUpload: true, "320kbps": true, "128kbps": true,
		model.StagePreview: true, model.StageWaveform: true,
	}
	if len(stages) != len(want) {
		t.Fatalf("unexpected stages %v", stages)
	}
	for _, name := range stages {
		if !want[name] {
			t.Errorf("unexpected stage %s", name)
		}
	}

	critical := registry.CriticalStages()
	if len(critical) != 3 {
		t.Errorf("expected upload and both transcodes critical, got %v", critical)
	}
}

func TestHappyPathReachesReady(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tp.orch.Start()

	tp.waitForLifecycle(t, "A-1", model.LifecycleReady)
	// ready is declared once the critical stages finish; preview and
	// waveform may still be running.
	stages := []string{model.StageUpload, "320kbps", "128kbps", model.StagePreview, model.StageWaveform}
	asset := tp.waitForStagesTerminal(t, "A-1", stages...)

	for _, stage := range stages {
		if got := asset.ProcessingStatus[stage]; got != model.StageCompleted {
			t.Errorf("stage %s: expected completed, got %s", stage, got)
		}
	}
	if asset.Metadata == nil || asset.Metadata.Duration != 180 || asset.Metadata.Bitrate != 256000 || asset.Metadata.SampleRate != 44100 {
		t.Errorf("unexpected metadata %+v", asset.Metadata)
	}
	if asset.Artifacts["original"] == "" || asset.Artifacts["320kbps"] == "" {
		t.Errorf("missing artifacts %v", asset.Artifacts)
	}
	if got := tp.notifier.waitFor(notify.EventAssetReady, 1); got != 1 {
		t.Errorf("expected exactly one ready event, got %d", got)
	}
	if got := tp.notifier.count(notify.EventAssetFailed); got != 0 {
		t.Errorf("expected no failure events, got %d", got)
	}

	// Terminal jobs leave no persisted records behind. The delete
	// trails the stage update, so poll briefly.
	deadline := time.Now().Add(time.Second)
	for {
		jobs, _ := tp.jobs.List(ctx)
		if len(jobs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Errorf("expected empty job store, got %d records", len(jobs))
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCriticalTranscodeFailureFailsAsset(t *testing.T) {
	tp := newTestPipeline(t)
	tp.transcode.fail[128] = true
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tp.orch.Start()

	tp.waitForLifecycle(t, "A-1", model.LifecycleFailed)
	asset := tp.waitForStagesTerminal(t, "A-1", "320kbps", "128kbps", model.StagePreview, model.StageWaveform)

	if got := asset.ProcessingStatus["128kbps"]; got != model.StageFailed {
		t.Errorf("expected 128kbps failed, got %s", got)
	}
	if got := tp.transcode.callCount(128); got != 3 {
		t.Errorf("expected exactly maxAttempts=3 attempts, got %d", got)
	}
	if got := tp.notifier.waitFor(notify.EventAssetFailed, 1); got != 1 {
		t.Errorf("expected exactly one terminal-failure event, got %d", got)
	}
	if asset.Error == nil {
		t.Error("expected asset error message")
	}
	// The healthy sibling transcode still ran independently.
	if got := tp.transcode.callCount(320); got != 1 {
		t.Errorf("expected 320kbps to run once, got %d", got)
	}
}

func TestNonCriticalWaveformFailureAbsorbed(t *testing.T) {
	tp := newTestPipeline(t)
	tp.waveform.alwaysFail = true
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tp.orch.Start()

	asset := tp.waitForLifecycle(t, "A-1", model.LifecycleReady)
	asset = tp.waitForStagesTerminal(t, "A-1", model.StageWaveform)

	if got := asset.ProcessingStatus[model.StageWaveform]; got != model.StageFailed {
		t.Errorf("expected waveform failed, got %s", got)
	}
	if asset.LifecycleStatus != model.LifecycleReady {
		t.Errorf("expected asset ready despite waveform failure, got %s", asset.LifecycleStatus)
	}
	if got := tp.waveform.callCount(); got != 2 {
		t.Errorf("expected maxAttempts=2 attempts, got %d", got)
	}
	if got := tp.notifier.count(notify.EventAssetFailed); got != 0 {
		t.Errorf("expected no critical-failure event, got %d", got)
	}
	if got := tp.notifier.waitFor(notify.EventStageFailed, 1); got != 1 {
		t.Errorf("expected one warning event, got %d", got)
	}
}

func TestRetryBoundExhaustsAttempts(t *testing.T) {
	tp := newTestPipeline(t)
	tp.ingest.alwaysFail = true
	ctx := context.Background()

	start := time.Now()
	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tp.orch.Start()

	asset := tp.waitForLifecycle(t, "A-1", model.LifecycleFailed)

	if got := tp.ingest.callCount(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
	if got := asset.ProcessingStatus[model.StageUpload]; got != model.StageFailed {
		t.Errorf("expected upload failed, got %s", got)
	}
	// Two inter-attempt delays: backoff[0] + backoff[1].
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Errorf("retries ran without backoff delay: %s", elapsed)
	}
	// No fan-out after a critical ingest failure.
	if _, ok := asset.ProcessingStatus["320kbps"]; ok {
		t.Error("dependents dispatched despite ingest failure")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	tp := newTestPipeline(t)
	tp.ingest.failFirst = 2
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tp.orch.Start()

	tp.waitForLifecycle(t, "A-1", model.LifecycleReady)
	if got := tp.ingest.callCount(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitDuplicateAssetRejected(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err == nil {
		t.Error("expected duplicate submit to fail")
	}
}

func TestStatusSnapshot(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := tp.orch.Status(ctx, "A-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.AssetID != "A-1" || status.LifecycleStatus != model.LifecycleUploading {
		t.Errorf("unexpected snapshot %+v", status)
	}
	if _, err := tp.orch.Status(ctx, "missing"); !errors.Is(err, tracker.ErrAssetNotFound) {
		t.Errorf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestRecoverResumesPersistedJobs(t *testing.T) {
	// First process: submit but never start workers, then "crash".
	tp := newTestPipeline(t)
	ctx := context.Background()
	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	jobs, _ := tp.jobs.List(ctx)
	if len(jobs) != 1 {
		t.Fatalf("expected one persisted job, got %d", len(jobs))
	}

	// Second process: same stores, fresh queue and orchestrator.
	registry, err := BuildRegistry(testPipelineConfig(), Invokers{
		Ingest:    tp.ingest,
		Transcode: tp.transcode,
		Preview:   tp.preview,
		Waveform:  tp.waveform,
	})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	restarted := New(registry, queue.New(), tp.tracker, tp.jobs, tp.notifier, nil, 4)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = restarted.Shutdown(sctx)
	}()

	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	restarted.Start()

	// tp.tracker is shared, so the existing wait helper observes the
	// restarted orchestrator's progress.
	tp.waitForLifecycle(t, "A-1", model.LifecycleReady)
}

func TestRecoverAfterCrashBeforeFanOut(t *testing.T) {
	// Crash between marking upload completed and dispatching its
	// dependents: the ingest job is still persisted and the status map
	// holds only the upload stage. The recovered run must not declare
	// the asset ready early, and a later critical failure must still
	// fail it.
	tp := newTestPipeline(t)
	tp.transcode.fail[128] = true
	ctx := context.Background()

	if err := tp.orch.Submit(ctx, "A-1", "user-1", "staging/A-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := tp.tracker.SetStage(ctx, "A-1", model.StageUpload, model.StageCompleted); err != nil {
		t.Fatalf("SetStage: %v", err)
	}

	registry, err := BuildRegistry(testPipelineConfig(), Invokers{
		Ingest:    tp.ingest,
		Transcode: tp.transcode,
		Preview:   tp.preview,
		Waveform:  tp.waveform,
	})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	restarted := New(registry, queue.New(), tp.tracker, tp.jobs, tp.notifier, nil, 4)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = restarted.Shutdown(sctx)
	}()

	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	restarted.Start()

	tp.waitForLifecycle(t, "A-1", model.LifecycleFailed)

	if got := tp.notifier.count(notify.EventAssetReady); got != 0 {
		t.Errorf("premature ready events: %d", got)
	}
	if got := tp.notifier.waitFor(notify.EventAssetFailed, 1); got != 1 {
		t.Errorf("expected exactly one terminal-failure event, got %d", got)
	}
}

func TestConcurrentAssetsAllComplete(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	tp.orch.Start()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("A-%d", i)
		if err := tp.orch.Submit(ctx, id, "user-1", "staging/"+id); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}
	for i := 0; i < 5; i++ {
		asset := tp.waitForLifecycle(t, fmt.Sprintf("A-%d", i), model.LifecycleReady)
		if len(asset.ProcessingStatus) != 5 {
			t.Errorf("asset %s: expected 5 stages, got %v", asset.ID, asset.ProcessingStatus)
		}
	}
}
