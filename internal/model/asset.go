package model

import "time"

// StageState is the state of a single pipeline stage for an asset.
type StageState string

const (
	StagePending    StageState = "pending"
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// stageRank orders stage states so transitions can only move forward.
var stageRank = map[StageState]int{
	StagePending:    0,
	StageProcessing: 1,
	StageCompleted:  2,
	StageFailed:     2,
}

// CanTransition reports whether a stage may move from one state to another.
// Forward-only: pending → processing → {completed, failed}.
func (s StageState) CanTransition(to StageState) bool {
	if s == to {
		return false
	}
	return stageRank[to] > stageRank[s]
}

// Terminal reports whether the stage state is final.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// LifecycleState is the aggregate state of an asset.
type LifecycleState string

const (
	LifecycleUploading  LifecycleState = "uploading"
	LifecycleProcessing LifecycleState = "processing"
	LifecycleReady      LifecycleState = "ready"
	LifecycleFailed     LifecycleState = "failed"
)

var lifecycleRank = map[LifecycleState]int{
	LifecycleUploading:  0,
	LifecycleProcessing: 1,
	LifecycleReady:      2,
	LifecycleFailed:     2,
}

// CanTransition reports whether the lifecycle may move forward to the
// given state. ready and failed are both terminal.
func (s LifecycleState) CanTransition(to LifecycleState) bool {
	if s == to {
		return false
	}
	return lifecycleRank[to] > lifecycleRank[s]
}

// Well-known stage names. Transcode stages are named after their target
// bitrate ("320kbps", "128kbps") and are derived from configuration.
const (
	StageUpload   = "upload"
	StagePreview  = "preview"
	StageWaveform = "waveform"
)

// Metadata holds the probed properties of an uploaded file.
// Populated once by the ingest stage, immutable after.
type Metadata struct {
	Duration   int   `json:"duration"` // seconds
	Bitrate    int   `json:"bitrate"`
	SampleRate int   `json:"sampleRate"`
	Size       int64 `json:"size"`
}

// Asset represents an uploaded media item and its derived artifacts.
type Asset struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// Artifacts maps artifact name (original, 320kbps, preview,
	// waveform, ...) to its storage key.
	Artifacts map[string]string `json:"artifacts"`

	Metadata *Metadata `json:"metadata,omitempty"`

	// ProcessingStatus holds one entry per dispatched stage.
	ProcessingStatus map[string]StageState `json:"processingStatus"`
	LifecycleStatus  LifecycleState        `json:"lifecycleStatus"`

	// Error carries the last critical-stage failure message.
	Error *string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the tracked maps.
func (a *Asset) Clone() *Asset {
	cp := *a
	cp.Artifacts = make(map[string]string, len(a.Artifacts))
	for k, v := range a.Artifacts {
		cp.Artifacts[k] = v
	}
	cp.ProcessingStatus = make(map[string]StageState, len(a.ProcessingStatus))
	for k, v := range a.ProcessingStatus {
		cp.ProcessingStatus[k] = v
	}
	if a.Metadata != nil {
		m := *a.Metadata
		cp.Metadata = &m
	}
	if a.Error != nil {
		e := *a.Error
		cp.Error = &e
	}
	return &cp
}
