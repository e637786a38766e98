package model

import (
	"encoding/json"
	"time"
)

// Lane is a priority lane of the job queue.
type Lane string

const (
	LaneHigh    Lane = "high"
	LaneDefault Lane = "default"
	LaneLow     Lane = "low"
)

// Lanes lists all lanes in strict priority order.
var Lanes = []Lane{LaneHigh, LaneDefault, LaneLow}

// Job is one dispatched unit of pipeline work. Jobs are created and
// mutated only by the orchestrator; stage invokers just return results.
type Job struct {
	ID      string `json:"id"`
	Stage   string `json:"stage"`
	AssetID string `json:"assetId"`
	Lane    Lane   `json:"lane"`

	// Attempt is 1-based: the attempt currently running or about to run.
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     []time.Duration `json:"backoff"`

	Payload json.RawMessage `json:"payload,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NextBackoff returns the delay before the next attempt, clamped to the
// last schedule entry when attempts outrun the schedule.
func (j *Job) NextBackoff() time.Duration {
	if len(j.Backoff) == 0 {
		return 0
	}
	idx := j.Attempt - 1
	if idx >= len(j.Backoff) {
		idx = len(j.Backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return j.Backoff[idx]
}

// IngestPayload carries the staging location of a finished upload.
type IngestPayload struct {
	TempKey string `json:"tempKey"`
}

// TranscodePayload carries the target bitrate for a transcode stage.
type TranscodePayload struct {
	BitrateKbps int `json:"bitrateKbps"`
}

// PreviewPayload carries clip extraction parameters.
type PreviewPayload struct {
	OffsetSec int `json:"offsetSec"`
	LengthSec int `json:"lengthSec"`
}

// WaveformPayload carries waveform rendering parameters.
type WaveformPayload struct {
	Size  string `json:"size"`  // e.g. "1800x280"
	Color string `json:"color"` // hex without '#'
}
