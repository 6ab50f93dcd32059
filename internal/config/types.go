package config

// Config is the observer's file configuration. Durations are Go duration
// strings ("500ms", "10s", "24h"). Secrets may be left empty in the file and
// supplied through the environment (see ApplyEnv).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Storage    StorageConfig    `json:"storage"`
	Blob       BlobConfig       `json:"blob"`
	AWS        AWSConfig        `json:"aws"`
	Imagery    ImageryConfig    `json:"imagery"`
	Detection  DetectionConfig  `json:"detection"`
	Notifier   NotifierConfig   `json:"notifier"`
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Pipeline   PipelineConfig   `json:"pipeline,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the marker API.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	Burst        int    `json:"burst,omitempty"`
}

// StorageConfig selects the marker store.
//
//	"storage": { "driver": "sqlite", "path": "./data/observer.db" }
//	"storage": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379", "prefix": "markers" } }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// BlobConfig selects where captured images are written.
type BlobConfig struct {
	Driver    string `json:"driver"` // "s3" | "local"
	Bucket    string `json:"bucket"`
	Dir       string `json:"dir,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	PublicURL string `json:"public_url,omitempty"`
}

type AWSConfig struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

type ImageryConfig struct {
	ClientID     string  `json:"client_id"`
	ClientSecret string  `json:"client_secret"`
	TokenURL     string  `json:"token_url,omitempty"`
	ProcessURL   string  `json:"process_url,omitempty"`
	Collection   string  `json:"collection,omitempty"`
	Buffer       float64 `json:"buffer,omitempty"`
	Resolution   float64 `json:"resolution,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	RetryMax     int     `json:"retry_max,omitempty"`
}

type DetectionConfig struct {
	MinConfidence float32 `json:"min_confidence,omitempty"`
	MaxLabels     int32   `json:"max_labels,omitempty"`
}

// NotifierConfig controls subscriber delivery. Channel "email" publishes
// to TopicARN; "log" only logs.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Channel         string `json:"channel"`
	TopicARN        string `json:"topic_arn,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// TelegramConfig enables the operator run summary.
type TelegramConfig struct {
	Token     string `json:"token,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
	OpsChatID int64  `json:"ops_chat_id,omitempty"`
}

type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule"`
	Timezone   string `json:"timezone,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
}

// TaskEngineConfig sizes the per-marker worker pool.
type TaskEngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type PipelineConfig struct {
	Eligibility string `json:"eligibility,omitempty"`
}
