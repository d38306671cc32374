// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs for the producer, worker and
// annotator binaries. Values come from an optional YAML file plus HARVESTER_*
// environment variables.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Board    BoardConfig    `mapstructure:"board"`
	Timeline TimelineConfig `mapstructure:"timeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Annotate AnnotateConfig `mapstructure:"annotate"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OpsConfig controls the operational HTTP endpoint (health, metrics).
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig points at the document store.
type StoreConfig struct {
	URI              string `mapstructure:"uri"`
	BoardDatabase    string `mapstructure:"board_database"`
	TimelineDatabase string `mapstructure:"timeline_database"`
	ConnectRetries   int    `mapstructure:"connect_retries"`
}

// QueueConfig selects and configures the job queue provider.
type QueueConfig struct {
	Provider  string `mapstructure:"provider"` // "pubsub" or "memory"
	ProjectID string `mapstructure:"project_id"`
	// Prefix namespaces topic and subscription ids, e.g. "harvester"
	// yields topic "harvester-board_threads".
	Prefix string `mapstructure:"prefix"`
}

// BlobConfig selects the media blob store.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"` // "gcs", "local" or "noop"
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// BoardConfig governs the image-board source.
type BoardConfig struct {
	BaseURL           string   `mapstructure:"base_url"`
	MediaBaseURL      string   `mapstructure:"media_base_url"`
	Boards            []string `mapstructure:"boards"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	CycleSeconds      int      `mapstructure:"cycle_seconds"`
	JobBatchSize      int      `mapstructure:"job_batch_size"`
	ReserveForMinutes int      `mapstructure:"reserve_for_minutes"`
	MirrorMedia       bool     `mapstructure:"mirror_media"`
}

// TimelineConfig governs the social-news source.
type TimelineConfig struct {
	BaseURL           string   `mapstructure:"base_url"`
	AuthURL           string   `mapstructure:"auth_url"`
	ClientID          string   `mapstructure:"client_id"`
	ClientSecret      string   `mapstructure:"client_secret"`
	UserAgent         string   `mapstructure:"user_agent"`
	Subreddits        []string `mapstructure:"subreddits"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	StartDate         string   `mapstructure:"start_date"` // RFC 3339 date
	EndDate           string   `mapstructure:"end_date"`
	ChunkHours        int      `mapstructure:"chunk_hours"`
	RefreshMinutes    int      `mapstructure:"refresh_minutes"`
	CycleSeconds      int      `mapstructure:"cycle_seconds"`
	ReserveForMinutes int      `mapstructure:"reserve_for_minutes"`
	CommentBatchSize  int      `mapstructure:"comment_batch_size"`
	CommentMaxDepth   int      `mapstructure:"comment_max_depth"`
}

// WorkerConfig sets per-queue consumer concurrency.
type WorkerConfig struct {
	BoardConcurrency    int `mapstructure:"board_concurrency"`
	TimelineConcurrency int `mapstructure:"timeline_concurrency"`
}

// AnnotateConfig configures the moderation classifier subsystem.
type AnnotateConfig struct {
	APIURL       string `mapstructure:"api_url"`
	APIKey       string `mapstructure:"api_key"`
	BatchSize    int    `mapstructure:"batch_size"`
	CycleSeconds int    `mapstructure:"cycle_seconds"`
	Concurrency  int    `mapstructure:"concurrency"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("ops.port", 9090)

	v.SetDefault("store.board_database", "harvest_board")
	v.SetDefault("store.timeline_database", "harvest_timeline")
	v.SetDefault("store.connect_retries", 3)

	v.SetDefault("queue.provider", "pubsub")
	v.SetDefault("queue.prefix", "harvester")

	v.SetDefault("blob.provider", "noop")
	v.SetDefault("blob.local_dir", "media")

	v.SetDefault("board.base_url", "https://a.4cdn.org")
	v.SetDefault("board.media_base_url", "https://i.4cdn.org")
	v.SetDefault("board.boards", []string{"pol", "b"})
	v.SetDefault("board.requests_per_minute", 60)
	v.SetDefault("board.cycle_seconds", 120)
	v.SetDefault("board.job_batch_size", 50)
	v.SetDefault("board.reserve_for_minutes", 15)
	v.SetDefault("board.mirror_media", false)

	v.SetDefault("timeline.base_url", "https://oauth.reddit.com")
	v.SetDefault("timeline.auth_url", "https://www.reddit.com/api/v1/access_token")
	v.SetDefault("timeline.subreddits", []string{"politics"})
	v.SetDefault("timeline.requests_per_minute", 99)
	v.SetDefault("timeline.chunk_hours", 3)
	v.SetDefault("timeline.refresh_minutes", 30)
	v.SetDefault("timeline.cycle_seconds", 1800)
	v.SetDefault("timeline.reserve_for_minutes", 30)
	v.SetDefault("timeline.comment_batch_size", 100)
	v.SetDefault("timeline.comment_max_depth", 10)

	v.SetDefault("worker.board_concurrency", 10)
	v.SetDefault("worker.timeline_concurrency", 1)

	v.SetDefault("annotate.batch_size", 100)
	v.SetDefault("annotate.cycle_seconds", 5)
	v.SetDefault("annotate.concurrency", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0")
	}
	if c.Store.URI == "" {
		return fmt.Errorf("store.uri must be set")
	}
	switch c.Queue.Provider {
	case "pubsub":
		if c.Queue.ProjectID == "" {
			return fmt.Errorf("queue.project_id must be set for the pubsub provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue provider: %s", c.Queue.Provider)
	}
	switch c.Blob.Provider {
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs provider")
		}
	case "local", "noop":
	default:
		return fmt.Errorf("unknown blob provider: %s", c.Blob.Provider)
	}
	if c.Board.RequestsPerMinute <= 0 || c.Timeline.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be > 0")
	}
	if c.Timeline.ChunkHours <= 0 {
		return fmt.Errorf("timeline.chunk_hours must be > 0")
	}
	if c.Timeline.CommentBatchSize <= 0 || c.Timeline.CommentMaxDepth <= 0 {
		return fmt.Errorf("timeline comment batch size and max depth must be > 0")
	}
	if c.Worker.BoardConcurrency <= 0 || c.Worker.TimelineConcurrency <= 0 {
		return fmt.Errorf("worker concurrency must be > 0")
	}
	if _, _, err := c.Timeline.DateRange(); err != nil {
		return err
	}
	return nil
}

// DateRange parses the configured backfill window. An empty start disables
// window jobs; an empty end means "now" at each producer cycle.
func (t TimelineConfig) DateRange() (start, end time.Time, err error) {
	if t.StartDate != "" {
		start, err = time.Parse(time.RFC3339, t.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse timeline.start_date: %w", err)
		}
	}
	if t.EndDate != "" {
		end, err = time.Parse(time.RFC3339, t.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse timeline.end_date: %w", err)
		}
	}
	return start, end, nil
}

// ChunkSize returns the window partition size.
func (t TimelineConfig) ChunkSize() time.Duration {
	return time.Duration(t.ChunkHours) * time.Hour
}

// RefreshInterval returns the staleness cutoff for refresh candidates.
func (t TimelineConfig) RefreshInterval() time.Duration {
	return time.Duration(t.RefreshMinutes) * time.Minute
}
