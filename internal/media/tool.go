package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"github.com/tunedrop/pipeline/internal/model"
)

// Tool defines the narrow contract with the external audio binary.
// Every call runs to completion or until the context deadline; a
// deadline hit surfaces as an ordinary error.
type Tool interface {
	Probe(ctx context.Context, path string) (*model.Metadata, error)
	Transcode(ctx context.Context, inPath, outPath string, bitrateKbps, sampleRate int) error
	Clip(ctx context.Context, inPath, outPath string, offsetSec, lengthSec int) error
	Waveform(ctx context.Context, inPath, outPath, size, color string) error
}

// FFmpegTool implements Tool by shelling out to ffmpeg/ffprobe.
type FFmpegTool struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpegTool creates a tool using the given binary paths.
func NewFFmpegTool(ffmpegPath, ffprobePath string) *FFmpegTool {
	return &FFmpegTool{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
	}
}

// Probe extracts duration, bitrate, sample rate and byte size.
func (t *FFmpegTool) Probe(ctx context.Context, path string) (*model.Metadata, error) {
	out, err := t.run(ctx, t.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	return parseProbe(out)
}

// Transcode re-encodes to the target bitrate at a fixed sample rate.
func (t *FFmpegTool) Transcode(ctx context.Context, inPath, outPath string, bitrateKbps, sampleRate int) error {
	_, err := t.run(ctx, t.FFmpegPath,
		"-y",
		"-i", inPath,
		"-vn",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		"-ar", strconv.Itoa(sampleRate),
		"-f", "mp3",
		outPath,
	)
	if err != nil {
		return fmt.Errorf("ffmpeg transcode failed for %s: %w", inPath, err)
	}
	return nil
}

// Clip extracts a bounded-length segment starting at an offset.
func (t *FFmpegTool) Clip(ctx context.Context, inPath, outPath string, offsetSec, lengthSec int) error {
	_, err := t.run(ctx, t.FFmpegPath, clipArgs(inPath, outPath, offsetSec, lengthSec)...)
	if err != nil {
		return fmt.Errorf("ffmpeg clip failed for %s: %w", inPath, err)
	}
	return nil
}

// clipArgs always re-encodes: the original keeps whatever codec was
// uploaded (wav, flac, ogg, ...), and a stream copy of those into the
// mp3 container fails.
func clipArgs(inPath, outPath string, offsetSec, lengthSec int) []string {
	return []string{
		"-y",
		"-ss", strconv.Itoa(offsetSec),
		"-t", strconv.Itoa(lengthSec),
		"-i", inPath,
		"-vn",
		"-b:a", "128k",
		"-ar", strconv.Itoa(DefaultSampleRate),
		"-f", "mp3",
		outPath,
	}
}

// Waveform renders a fixed-dimension peak image.
func (t *FFmpegTool) Waveform(ctx context.Context, inPath, outPath, size, color string) error {
	filter := fmt.Sprintf("showwavespic=s=%s:colors=#%s", size, color)
	_, err := t.run(ctx, t.FFmpegPath,
		"-y",
		"-i", inPath,
		"-filter_complex", filter,
		"-frames:v", "1",
		outPath,
	)
	if err != nil {
		return fmt.Errorf("ffmpeg waveform failed for %s: %w", inPath, err)
	}
	return nil
}

func (t *FFmpegTool) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out: %w", bin, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %v: %s", bin, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// probeOutput mirrors the ffprobe JSON we care about. Numeric fields
// arrive as strings.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
}

func parseProbe(raw []byte) (*model.Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse probe output: %w", err)
	}

	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return nil, fmt.Errorf("probe output missing duration: %q", out.Format.Duration)
	}

	meta := &model.Metadata{
		Duration: int(math.Round(duration)),
	}
	if v, err := strconv.Atoi(out.Format.BitRate); err == nil {
		meta.Bitrate = v
	}
	if v, err := strconv.ParseInt(out.Format.Size, 10, 64); err == nil {
		meta.Size = v
	}
	for _, st := range out.Streams {
		if st.CodecType != "audio" {
			continue
		}
		if v, err := strconv.Atoi(st.SampleRate); err == nil {
			meta.SampleRate = v
		}
		break
	}
	return meta, nil
}
