package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tunedrop/pipeline/internal/model"
	"github.com/tunedrop/pipeline/internal/storage"
)

// DefaultSampleRate is the fixed output sample rate for transcodes.
const DefaultSampleRate = 44100

// ErrBadPayload marks a malformed stage payload. This is a programming
// error, not a stage failure: the orchestrator must crash the worker
// instead of retrying.
var ErrBadPayload = errors.New("malformed stage payload")

// Artifact storage keys, one tree per asset.
func OriginalKey(assetID string) string {
	return fmt.Sprintf("assets/%s/original.mp3", assetID)
}

func TranscodeKey(assetID string, bitrateKbps int) string {
	return fmt.Sprintf("assets/%s/%dkbps.mp3", assetID, bitrateKbps)
}

func PreviewKey(assetID string) string {
	return fmt.Sprintf("assets/%s/preview.mp3", assetID)
}

func WaveformKey(assetID string) string {
	return fmt.Sprintf("assets/%s/waveform.png", assetID)
}

// Result is what a stage invoker hands back to the orchestrator:
// artifact name → storage key, plus probed metadata for ingest.
type Result struct {
	Artifacts map[string]string
	Metadata  *model.Metadata
}

// Invoker runs one stage as a pure function of stored inputs and the
// job payload. Invokers never mutate asset status.
type Invoker interface {
	Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*Result, error)
}

// Ingester validates a staged upload, probes it, promotes it to the
// permanent original location and replicates it.
type Ingester struct {
	gateway *storage.Gateway
	tool    Tool
}

func NewIngester(gateway *storage.Gateway, tool Tool) *Ingester {
	return &Ingester{gateway: gateway, tool: tool}
}

func (s *Ingester) Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*Result, error) {
	var p model.IngestPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TempKey == "" {
		return nil, fmt.Errorf("%w: ingest: %v", ErrBadPayload, err)
	}

	local := s.gateway.Local
	originalKey := OriginalKey(assetID)

	staged, err := local.Exists(ctx, p.TempKey)
	if err != nil {
		return nil, err
	}
	if !staged {
		// A crash after the move but before the status update leaves
		// the temp file gone and the original in place. Treat that as
		// already ingested instead of failing the asset.
		stored, err := local.Exists(ctx, originalKey)
		if err != nil {
			return nil, err
		}
		if !stored {
			return nil, fmt.Errorf("staged upload %s not found", p.TempKey)
		}
	} else {
		if err := local.Rename(ctx, p.TempKey, originalKey); err != nil {
			return nil, fmt.Errorf("failed to promote staged upload: %w", err)
		}
	}

	path, err := local.Path(originalKey)
	if err != nil {
		return nil, err
	}
	meta, err := s.tool.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if size, err := local.Size(ctx, originalKey); err == nil {
		meta.Size = size
	}

	if err := s.gateway.Replicate(ctx, originalKey); err != nil {
		return nil, err
	}

	return &Result{
		Artifacts: map[string]string{"original": originalKey},
		Metadata:  meta,
	}, nil
}

// Transcoder re-encodes the original to one target bitrate.
type Transcoder struct {
	gateway *storage.Gateway
	tool    Tool
}

func NewTranscoder(gateway *storage.Gateway, tool Tool) *Transcoder {
	return &Transcoder{gateway: gateway, tool: tool}
}

func (s *Transcoder) Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*Result, error) {
	var p model.TranscodePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.BitrateKbps <= 0 {
		return nil, fmt.Errorf("%w: transcode: %v", ErrBadPayload, err)
	}

	inPath, outKey, err := stagePaths(ctx, s.gateway, assetID, TranscodeKey(assetID, p.BitrateKbps))
	if err != nil {
		return nil, err
	}
	outPath, err := s.gateway.Local.Path(outKey)
	if err != nil {
		return nil, err
	}

	if err := s.tool.Transcode(ctx, inPath, outPath, p.BitrateKbps, DefaultSampleRate); err != nil {
		return nil, err
	}
	if err := checkOutput(ctx, s.gateway, outKey); err != nil {
		return nil, err
	}
	if err := s.gateway.Replicate(ctx, outKey); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%dkbps", p.BitrateKbps)
	return &Result{Artifacts: map[string]string{name: outKey}}, nil
}

// Previewer extracts a bounded clip from the original.
type Previewer struct {
	gateway *storage.Gateway
	tool    Tool
}

func NewPreviewer(gateway *storage.Gateway, tool Tool) *Previewer {
	return &Previewer{gateway: gateway, tool: tool}
}

func (s *Previewer) Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*Result, error) {
	var p model.PreviewPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.LengthSec <= 0 {
		return nil, fmt.Errorf("%w: preview: %v", ErrBadPayload, err)
	}

	inPath, outKey, err := stagePaths(ctx, s.gateway, assetID, PreviewKey(assetID))
	if err != nil {
		return nil, err
	}
	outPath, err := s.gateway.Local.Path(outKey)
	if err != nil {
		return nil, err
	}

	if err := s.tool.Clip(ctx, inPath, outPath, p.OffsetSec, p.LengthSec); err != nil {
		return nil, err
	}
	if err := checkOutput(ctx, s.gateway, outKey); err != nil {
		return nil, err
	}
	if err := s.gateway.Replicate(ctx, outKey); err != nil {
		return nil, err
	}

	return &Result{Artifacts: map[string]string{"preview": outKey}}, nil
}

// WaveformRenderer renders the peak image from the original.
type WaveformRenderer struct {
	gateway *storage.Gateway
	tool    Tool
}

func NewWaveformRenderer(gateway *storage.Gateway, tool Tool) *WaveformRenderer {
	return &WaveformRenderer{gateway: gateway, tool: tool}
}

func (s *WaveformRenderer) Invoke(ctx context.Context, assetID string, payload json.RawMessage) (*Result, error) {
	var p model.WaveformPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Size == "" {
		return nil, fmt.Errorf("%w: waveform: %v", ErrBadPayload, err)
	}

	inPath, outKey, err := stagePaths(ctx, s.gateway, assetID, WaveformKey(assetID))
	if err != nil {
		return nil, err
	}
	outPath, err := s.gateway.Local.Path(outKey)
	if err != nil {
		return nil, err
	}

	if err := s.tool.Waveform(ctx, inPath, outPath, p.Size, p.Color); err != nil {
		return nil, err
	}
	if err := checkOutput(ctx, s.gateway, outKey); err != nil {
		return nil, err
	}
	if err := s.gateway.Replicate(ctx, outKey); err != nil {
		return nil, err
	}

	return &Result{Artifacts: map[string]string{"waveform": outKey}}, nil
}

// stagePaths resolves the original's local path for a dependent stage.
// A missing original is a plain error; the stage's own criticality
// decides what that costs the asset.
func stagePaths(ctx context.Context, gw *storage.Gateway, assetID, outKey string) (inPath, outKeyOut string, err error) {
	originalKey := OriginalKey(assetID)
	ok, err := gw.Local.Exists(ctx, originalKey)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("original %s not found", originalKey)
	}
	inPath, err = gw.Local.Path(originalKey)
	if err != nil {
		return "", "", err
	}
	return inPath, outKey, nil
}

// checkOutput rejects a tool run that exited clean but produced an
// empty file.
func checkOutput(ctx context.Context, gw *storage.Gateway, key string) error {
	size, err := gw.Local.Size(ctx, key)
	if err != nil {
		return fmt.Errorf("stage output %s missing: %w", key, err)
	}
	if size == 0 {
		return fmt.Errorf("stage output %s is empty", key)
	}
	return nil
}
