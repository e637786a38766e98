package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tunedrop/pipeline/internal/config"
	"github.com/tunedrop/pipeline/internal/media"
	"github.com/tunedrop/pipeline/internal/model"
)

// StageDef is one row of the pipeline topology: which lane a stage
// runs in, its retry budget, whether its permanent failure fails the
// asset, and which stages it fans out to on success.
type StageDef struct {
	Name        string
	Lane        model.Lane
	Critical    bool
	MaxAttempts int
	Backoff     []time.Duration
	Timeout     time.Duration
	Dependents  []string
	Invoker     media.Invoker

	// Payload is the fixed stage payload used when the orchestrator
	// dispatches this stage as a dependent. The ingest payload is
	// built per submission instead.
	Payload json.RawMessage
}

// Registry is the explicit fan-out table consulted by the orchestrator.
type Registry struct {
	stages map[string]*StageDef
	order  []string
}

// Get returns a stage definition by name.
func (r *Registry) Get(name string) *StageDef {
	return r.stages[name]
}

// Stages lists all stage names in registration order.
func (r *Registry) Stages() []string {
	return append([]string(nil), r.order...)
}

// CriticalStages lists the stages whose permanent failure fails the
// whole asset.
func (r *Registry) CriticalStages() []string {
	var out []string
	for _, name := range r.order {
		if r.stages[name].Critical {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) add(def *StageDef) {
	r.stages[def.Name] = def
	r.order = append(r.order, def.Name)
}

// BuildRegistry derives the pipeline topology from configuration:
// ingest fans out to one transcode stage per configured bitrate plus
// the preview and waveform stages. Ingest and the transcodes are
// critical; preview and waveform are absorbed on failure.
func BuildRegistry(cfg *config.PipelineConfig, invokers Invokers) (*Registry, error) {
	r := &Registry{stages: make(map[string]*StageDef)}

	var dependents []string
	for _, kbps := range cfg.Bitrates {
		name := fmt.Sprintf("%dkbps", kbps)
		payload, err := json.Marshal(model.TranscodePayload{BitrateKbps: kbps})
		if err != nil {
			return nil, err
		}
		r.add(&StageDef{
			Name:        name,
			Lane:        model.LaneHigh,
			Critical:    true,
			MaxAttempts: cfg.Transcode.MaxAttempts,
			Backoff:     cfg.Transcode.Backoff,
			Timeout:     cfg.Transcode.Timeout,
			Invoker:     invokers.Transcode,
			Payload:     payload,
		})
		dependents = append(dependents, name)
	}

	previewPayload, err := json.Marshal(model.PreviewPayload{
		OffsetSec: cfg.PreviewOffsetSec,
		LengthSec: cfg.PreviewLengthSec,
	})
	if err != nil {
		return nil, err
	}
	r.add(&StageDef{
		Name:        model.StagePreview,
		Lane:        model.LaneDefault,
		Critical:    false,
		MaxAttempts: cfg.Preview.MaxAttempts,
		Backoff:     cfg.Preview.Backoff,
		Timeout:     cfg.Preview.Timeout,
		Invoker:     invokers.Preview,
		Payload:     previewPayload,
	})
	dependents = append(dependents, model.StagePreview)

	waveformPayload, err := json.Marshal(model.WaveformPayload{
		Size:  cfg.WaveformSize,
		Color: cfg.WaveformColor,
	})
	if err != nil {
		return nil, err
	}
	r.add(&StageDef{
		Name:        model.StageWaveform,
		Lane:        model.LaneLow,
		Critical:    false,
		MaxAttempts: cfg.Waveform.MaxAttempts,
		Backoff:     cfg.Waveform.Backoff,
		Timeout:     cfg.Waveform.Timeout,
		Invoker:     invokers.Waveform,
		Payload:     waveformPayload,
	})
	dependents = append(dependents, model.StageWaveform)

	r.add(&StageDef{
		Name:        model.StageUpload,
		Lane:        model.LaneHigh,
		Critical:    true,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		Backoff:     cfg.Ingest.Backoff,
		Timeout:     cfg.Ingest.Timeout,
		Dependents:  dependents,
		Invoker:     invokers.Ingest,
	})

	return r, nil
}

// Invokers bundles the stage implementations handed to BuildRegistry.
type Invokers struct {
	Ingest    media.Invoker
	Transcode media.Invoker
	Preview   media.Invoker
	Waveform  media.Invoker
}
