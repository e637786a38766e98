package media

import "testing"

func TestClipArgsReencode(t *testing.T) {
	args := clipArgs("in.wav", "out.mp3", 30, 30)

	hasBitrate := false
	for i, a := range args {
		if a == "-acodec" || a == "copy" {
			t.Errorf("clip must not stream-copy, got arg %q", a)
		}
		if a == "-b:a" && i+1 < len(args) {
			hasBitrate = true
		}
	}
	if !hasBitrate {
		t.Error("clip args missing re-encode bitrate")
	}
	if args[len(args)-1] != "out.mp3" {
		t.Errorf("expected output path last, got %v", args)
	}
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{
		"format": {"duration": "179.613", "bit_rate": "256000", "size": "5743213"},
		"streams": [
			{"codec_type": "video"},
			{"codec_type": "audio", "sample_rate": "44100"}
		]
	}`)

	meta, err := parseProbe(raw)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if meta.Duration != 180 {
		t.Errorf("expected duration 180 (rounded), got %d", meta.Duration)
	}
	if meta.Bitrate != 256000 {
		t.Errorf("expected bitrate 256000, got %d", meta.Bitrate)
	}
	if meta.SampleRate != 44100 {
		t.Errorf("expected sample rate 44100, got %d", meta.SampleRate)
	}
	if meta.Size != 5743213 {
		t.Errorf("expected size 5743213, got %d", meta.Size)
	}
}

func TestParseProbeMissingDuration(t *testing.T) {
	if _, err := parseProbe([]byte(`{"format": {}, "streams": []}`)); err == nil {
		t.Error("expected error for missing duration")
	}
}

func TestParseProbeInvalidJSON(t *testing.T) {
	if _, err := parseProbe([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseProbeOptionalFieldsAbsent(t *testing.T) {
	meta, err := parseProbe([]byte(`{"format": {"duration": "30.2"}, "streams": []}`))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if meta.Duration != 30 || meta.Bitrate != 0 || meta.SampleRate != 0 {
		t.Errorf("unexpected metadata %+v", meta)
	}
}
