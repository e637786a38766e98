package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	// Root is the local staging/serving directory.
	Root string

	// ReplicationEnabled copies every written artifact to the durable
	// remote store.
	ReplicationEnabled bool

	S3 S3Config
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// StageConfig holds the retry and timeout policy of one stage.
type StageConfig struct {
	MaxAttempts int
	Backoff     []time.Duration
	Timeout     time.Duration
}

type PipelineConfig struct {
	Workers int

	// Bitrates lists the target transcode bitrates in kbps. Each entry
	// becomes a "<n>kbps" stage.
	Bitrates []int

	PreviewOffsetSec int
	PreviewLengthSec int

	WaveformSize  string
	WaveformColor string

	FFmpegPath  string
	FFprobePath string

	Ingest    StageConfig
	Transcode StageConfig
	Preview   StageConfig
	Waveform  StageConfig
}

type RateLimitConfig struct {
	SubmitPerHour int
	UploadPerHour int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("storage.root", "./data")
	viper.SetDefault("storage.replication_enabled", false)
	viper.SetDefault("storage.s3.endpoint", "")
	viper.SetDefault("storage.s3.region", "auto")
	viper.SetDefault("storage.s3.bucket", "")
	viper.SetDefault("storage.s3.access_key_id", "")
	viper.SetDefault("storage.s3.secret_access_key", "")

	viper.SetDefault("pipeline.workers", 8)
	viper.SetDefault("pipeline.bitrates", []int{320, 128})
	viper.SetDefault("pipeline.preview.offset", 30)
	viper.SetDefault("pipeline.preview.length", 30)
	viper.SetDefault("pipeline.waveform.size", "1800x280")
	viper.SetDefault("pipeline.waveform.color", "3498db")
	viper.SetDefault("pipeline.ffmpeg_path", "ffmpeg")
	viper.SetDefault("pipeline.ffprobe_path", "ffprobe")

	// Timeouts reflect expected tool runtime: ingest (probe + move +
	// replicate) gets the longest bound, waveform the shortest.
	viper.SetDefault("pipeline.ingest.max_attempts", 3)
	viper.SetDefault("pipeline.ingest.backoff", []int{60, 120, 300})
	viper.SetDefault("pipeline.ingest.timeout", 600)
	viper.SetDefault("pipeline.transcode.max_attempts", 3)
	viper.SetDefault("pipeline.transcode.backoff", []int{60, 120, 300})
	viper.SetDefault("pipeline.transcode.timeout", 300)
	viper.SetDefault("pipeline.preview.max_attempts", 2)
	viper.SetDefault("pipeline.preview.backoff", []int{60, 120})
	viper.SetDefault("pipeline.preview.timeout", 120)
	viper.SetDefault("pipeline.waveform.max_attempts", 2)
	viper.SetDefault("pipeline.waveform.backoff", []int{60, 120})
	viper.SetDefault("pipeline.waveform.timeout", 60)

	viper.SetDefault("ratelimit.submit_per_hour", 100)
	viper.SetDefault("ratelimit.upload_per_hour", 50)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Root:               viper.GetString("storage.root"),
			ReplicationEnabled: viper.GetBool("storage.replication_enabled"),
			S3: S3Config{
				Endpoint:        viper.GetString("storage.s3.endpoint"),
				Region:          viper.GetString("storage.s3.region"),
				Bucket:          viper.GetString("storage.s3.bucket"),
				AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
				SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
			},
		},
		Pipeline: PipelineConfig{
			Workers:          viper.GetInt("pipeline.workers"),
			Bitrates:         viper.GetIntSlice("pipeline.bitrates"),
			PreviewOffsetSec: viper.GetInt("pipeline.preview.offset"),
			PreviewLengthSec: viper.GetInt("pipeline.preview.length"),
			WaveformSize:     viper.GetString("pipeline.waveform.size"),
			WaveformColor:    viper.GetString("pipeline.waveform.color"),
			FFmpegPath:       viper.GetString("pipeline.ffmpeg_path"),
			FFprobePath:      viper.GetString("pipeline.ffprobe_path"),
			Ingest:           stageConfig("pipeline.ingest"),
			Transcode:        stageConfig("pipeline.transcode"),
			Preview:          stageConfig("pipeline.preview"),
			Waveform:         stageConfig("pipeline.waveform"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			UploadPerHour: viper.GetInt("ratelimit.upload_per_hour"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func stageConfig(prefix string) StageConfig {
	secs := viper.GetIntSlice(prefix + ".backoff")
	backoff := make([]time.Duration, 0, len(secs))
	for _, s := range secs {
		backoff = append(backoff, time.Duration(s)*time.Second)
	}
	return StageConfig{
		MaxAttempts: viper.GetInt(prefix + ".max_attempts"),
		Backoff:     backoff,
		Timeout:     time.Duration(viper.GetInt(prefix+".timeout")) * time.Second,
	}
}

func (c *Config) validate() error {
	if len(c.Pipeline.Bitrates) == 0 {
		return fmt.Errorf("pipeline.bitrates must not be empty")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	for name, sc := range map[string]StageConfig{
		"ingest":    c.Pipeline.Ingest,
		"transcode": c.Pipeline.Transcode,
		"preview":   c.Pipeline.Preview,
		"waveform":  c.Pipeline.Waveform,
	} {
		if sc.MaxAttempts < 1 {
			return fmt.Errorf("pipeline.%s.max_attempts must be at least 1", name)
		}
	}
	if c.Storage.ReplicationEnabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when replication is enabled")
	}
	return nil
}
