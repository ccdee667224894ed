/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	DEFAULT_CONFIG_FILE = "./carenote.json"
)

// Capability names used as keys in PipelineConfig.Capabilities.
const (
	CapabilityTranscription  = "transcription"
	CapabilityNoteGeneration = "note_generation"
	CapabilityRiskScoring    = "risk_scoring"
	CapabilityInstruction    = "instruction_generation"
	CapabilityAudioSynthesis = "audio_synthesis"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"CARENOTE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"CARENOTE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"CARENOTE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"CARENOTE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"CARENOTE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"CARENOTE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CARENOTE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"CARENOTE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"CARENOTE_REDIS_SKIP_TLS_VERIFY"`
	PoolSize      int    `json:"pool_size" envconfig:"CARENOTE_REDIS_POOL_SIZE"`
}

type QueueConfig struct {
	RetryQueue     string `json:"retry_queue" envconfig:"CARENOTE_QUEUE_RETRY"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"CARENOTE_QUEUE_WEBHOOK"`
	Concurrency    int    `json:"concurrency" envconfig:"CARENOTE_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"CARENOTE_QUEUE_MONITORING_PORT"`
}

// CapabilityConfig holds the execution and retry policy of one external capability.
type CapabilityConfig struct {
	Endpoint           string  `json:"endpoint"`
	APIKey             string  `json:"api_key"`
	RequireAPIKey      bool    `json:"require_api_key"`
	Concurrency        int     `json:"concurrency"`
	QueueSize          int     `json:"queue_size"`
	MaxAttempts        int     `json:"max_attempts"`
	BaseDelayMs        int     `json:"base_delay_ms"`
	MaxDelayMs         int     `json:"max_delay_ms"`
	Multiplier         float64 `json:"multiplier"`
	Jitter             float64 `json:"jitter"`
	TimeoutSec         int     `json:"timeout_sec"`
	CapacityMultiplier float64 `json:"capacity_multiplier"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
}

type PipelineConfig struct {
	Capabilities map[string]CapabilityConfig `json:"capabilities"`
	// AsyncRetryLimit caps deferred retries of risk scoring and audio synthesis.
	AsyncRetryLimit      int `json:"async_retry_limit" envconfig:"CARENOTE_PIPELINE_ASYNC_RETRY_LIMIT"`
	AsyncRetryDelaySec   int `json:"async_retry_delay_sec" envconfig:"CARENOTE_PIPELINE_ASYNC_RETRY_DELAY_SEC"`
	StuckAfterSec        int `json:"stuck_after_sec" envconfig:"CARENOTE_PIPELINE_STUCK_AFTER_SEC"`
	RecoveryPollSec      int `json:"recovery_poll_sec" envconfig:"CARENOTE_PIPELINE_RECOVERY_POLL_SEC"`
	ConsultationLeaseSec int `json:"consultation_lease_sec" envconfig:"CARENOTE_PIPELINE_CONSULTATION_LEASE_SEC"`
	ConsultationWaitSec  int `json:"consultation_wait_sec" envconfig:"CARENOTE_PIPELINE_CONSULTATION_WAIT_SEC"`
}

type DedupConfig struct {
	Backend      string `json:"backend" envconfig:"CARENOTE_DEDUP_BACKEND"`
	LeaseTTLSec  int    `json:"lease_ttl_sec" envconfig:"CARENOTE_DEDUP_LEASE_TTL_SEC"`
	RetentionSec int    `json:"retention_sec" envconfig:"CARENOTE_DEDUP_RETENTION_SEC"`
}

type UploadConfig struct {
	AbandonAfterMin  int   `json:"abandon_after_min" envconfig:"CARENOTE_UPLOAD_ABANDON_AFTER_MIN"`
	SweepIntervalSec int   `json:"sweep_interval_sec" envconfig:"CARENOTE_UPLOAD_SWEEP_INTERVAL_SEC"`
	MaxChunkBytes    int64 `json:"max_chunk_bytes" envconfig:"CARENOTE_UPLOAD_MAX_CHUNK_BYTES"`
	MaxTotalBytes    int64 `json:"max_total_bytes" envconfig:"CARENOTE_UPLOAD_MAX_TOTAL_BYTES"`
}

type SyncConfig struct {
	MaxConcurrentBatches int `json:"max_concurrent_batches" envconfig:"CARENOTE_SYNC_MAX_CONCURRENT_BATCHES"`
	MaxBatchOperations   int `json:"max_batch_operations" envconfig:"CARENOTE_SYNC_MAX_BATCH_OPERATIONS"`
	PageSize             int `json:"page_size" envconfig:"CARENOTE_SYNC_PAGE_SIZE"`
}

type StorageConfig struct {
	Backend            string `json:"backend" envconfig:"CARENOTE_STORAGE_BACKEND"`
	Dir                string `json:"dir" envconfig:"CARENOTE_STORAGE_DIR"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"CARENOTE_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"CARENOTE_AWS_SECRET_ACCESS_KEY"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"CARENOTE_S3_ENDPOINT"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"CARENOTE_S3_BUCKET_NAME"`
	S3Region           string `json:"s3_region" envconfig:"CARENOTE_S3_REGION"`
	EncryptionKey      string `json:"encryption_key" envconfig:"CARENOTE_STORAGE_ENCRYPTION_KEY"`
	// MaxDiskUsagePercent stops admitting uploads to the file backend once
	// its volume is this full.
	MaxDiskUsagePercent float64 `json:"max_disk_usage_percent" envconfig:"CARENOTE_STORAGE_MAX_DISK_USAGE_PERCENT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CARENOTE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CARENOTE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CARENOTE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"CARENOTE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"CARENOTE_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type TelemetryConfig struct {
	Enable     bool   `json:"enable" envconfig:"CARENOTE_TELEMETRY_ENABLE"`
	PosthogKey string `json:"posthog_key" envconfig:"CARENOTE_POSTHOG_KEY"`
	OtelURL    string `json:"otel_url" envconfig:"CARENOTE_OTEL_URL"`
}

type DeviceConfig struct {
	DeviceID        string `json:"device_id" envconfig:"CARENOTE_DEVICE_ID"`
	ServerURL       string `json:"server_url" envconfig:"CARENOTE_DEVICE_SERVER_URL"`
	APIKey          string `json:"api_key" envconfig:"CARENOTE_DEVICE_API_KEY"`
	CaptureDir      string `json:"capture_dir" envconfig:"CARENOTE_DEVICE_CAPTURE_DIR"`
	CachePath       string `json:"cache_path" envconfig:"CARENOTE_DEVICE_CACHE_PATH"`
	SyncIntervalSec int    `json:"sync_interval_sec" envconfig:"CARENOTE_DEVICE_SYNC_INTERVAL_SEC"`
	ChunkBytes      int64  `json:"chunk_bytes" envconfig:"CARENOTE_DEVICE_CHUNK_BYTES"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"CARENOTE_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Pipeline     PipelineConfig   `json:"pipeline"`
	Dedup        DedupConfig      `json:"dedup"`
	Upload       UploadConfig     `json:"upload"`
	Sync         SyncConfig       `json:"sync"`
	Storage      StorageConfig    `json:"storage"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
	Device       DeviceConfig     `json:"device"`
}

// defaultCapabilities mirrors the retry policy table the pipeline ships with.
func defaultCapabilities() map[string]CapabilityConfig {
	return map[string]CapabilityConfig{
		CapabilityTranscription: {
			Concurrency: 4, QueueSize: 256, MaxAttempts: 3, BaseDelayMs: 1000, MaxDelayMs: 30000,
			Multiplier: 2, Jitter: 0.2, TimeoutSec: 120, CapacityMultiplier: 3,
		},
		CapabilityNoteGeneration: {
			Concurrency: 4, QueueSize: 256, MaxAttempts: 2, BaseDelayMs: 500, MaxDelayMs: 10000,
			Multiplier: 2, Jitter: 0.2, TimeoutSec: 60, CapacityMultiplier: 3,
		},
		CapabilityRiskScoring: {
			Concurrency: 8, QueueSize: 512, MaxAttempts: 3, BaseDelayMs: 500, MaxDelayMs: 10000,
			Multiplier: 2, Jitter: 0.2, TimeoutSec: 15, CapacityMultiplier: 3,
		},
		CapabilityInstruction: {
			Concurrency: 4, QueueSize: 256, MaxAttempts: 3, BaseDelayMs: 500, MaxDelayMs: 10000,
			Multiplier: 2, Jitter: 0.2, TimeoutSec: 60, CapacityMultiplier: 3,
		},
		CapabilityAudioSynthesis: {
			Concurrency: 2, QueueSize: 256, MaxAttempts: 3, BaseDelayMs: 1000, MaxDelayMs: 20000,
			Multiplier: 2, Jitter: 0.2, TimeoutSec: 60, CapacityMultiplier: 3,
		},
	}
}

func readConfig(file string) (*Configuration, error) {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return nil, err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("carenote", &cnf)
	if err != nil {
		return nil, err
	}
	return &cnf, nil
}

func loadConfigFromFile(file string) error {
	cnf, err := readConfig(file)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

// InitDeviceConfig loads the configuration for a capture device. A device talks
// to the server over HTTP only, so no data source or redis is required.
func InitDeviceConfig(configFile string) error {
	logger()
	cnf, err := readConfig(configFile)
	if err != nil {
		return err
	}
	if err := cnf.validateDevice(); err != nil {
		return err
	}
	ConfigStore.Store(cnf)
	return nil
}

func (cnf *Configuration) validateDevice() error {
	cnf.Device.DeviceID = strings.TrimSpace(cnf.Device.DeviceID)
	cnf.Device.ServerURL = strings.TrimRight(strings.TrimSpace(cnf.Device.ServerURL), "/")
	if cnf.Device.DeviceID == "" {
		return errors.New("device ID is required")
	}
	if cnf.Device.ServerURL == "" {
		return errors.New("device server URL is required")
	}
	if cnf.Device.CaptureDir == "" {
		cnf.Device.CaptureDir = "./captures"
	}
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Carenote Device"
	}
	cnf.setUploadAndSyncDefaults()
	return nil
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called carenote.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Carenote Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setPipelineDefaults()
	cnf.setDedupDefaults()
	cnf.setUploadAndSyncDefaults()

	if err := cnf.validateStorage(); err != nil {
		return err
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.RetryQueue == "" {
		cnf.Queue.RetryQueue = "capability_retries"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "audit_webhooks"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
}

// setPipelineDefaults merges configured capability policies over the defaults,
// field by field, so a partial entry in carenote.json only overrides what it names.
func (cnf *Configuration) setPipelineDefaults() {
	defaults := defaultCapabilities()
	if cnf.Pipeline.Capabilities == nil {
		cnf.Pipeline.Capabilities = map[string]CapabilityConfig{}
	}
	for name, def := range defaults {
		c, ok := cnf.Pipeline.Capabilities[name]
		if !ok {
			cnf.Pipeline.Capabilities[name] = def
			continue
		}
		if c.Concurrency <= 0 {
			c.Concurrency = def.Concurrency
		}
		if c.QueueSize <= 0 {
			c.QueueSize = def.QueueSize
		}
		if c.MaxAttempts <= 0 {
			c.MaxAttempts = def.MaxAttempts
		}
		if c.BaseDelayMs <= 0 {
			c.BaseDelayMs = def.BaseDelayMs
		}
		if c.MaxDelayMs <= 0 {
			c.MaxDelayMs = def.MaxDelayMs
		}
		if c.Multiplier <= 0 {
			c.Multiplier = def.Multiplier
		}
		if c.Jitter <= 0 || c.Jitter >= 1 {
			c.Jitter = def.Jitter
		}
		if c.TimeoutSec <= 0 {
			c.TimeoutSec = def.TimeoutSec
		}
		if c.CapacityMultiplier < 1 {
			c.CapacityMultiplier = def.CapacityMultiplier
		}
		cnf.Pipeline.Capabilities[name] = c
	}

	if cnf.Pipeline.AsyncRetryLimit <= 0 {
		cnf.Pipeline.AsyncRetryLimit = 10
	}
	if cnf.Pipeline.AsyncRetryDelaySec <= 0 {
		cnf.Pipeline.AsyncRetryDelaySec = 300
	}
	if cnf.Pipeline.StuckAfterSec <= 0 {
		cnf.Pipeline.StuckAfterSec = 900
	}
	if cnf.Pipeline.RecoveryPollSec <= 0 {
		cnf.Pipeline.RecoveryPollSec = 60
	}
	if cnf.Pipeline.ConsultationLeaseSec <= 0 {
		cnf.Pipeline.ConsultationLeaseSec = 600
	}
	if cnf.Pipeline.ConsultationWaitSec <= 0 {
		cnf.Pipeline.ConsultationWaitSec = 5
	}
}

func (cnf *Configuration) setDedupDefaults() {
	if cnf.Dedup.Backend == "" {
		cnf.Dedup.Backend = "redis"
	}
	if cnf.Dedup.LeaseTTLSec <= 0 {
		cnf.Dedup.LeaseTTLSec = 900
	}
	if cnf.Dedup.RetentionSec <= 0 {
		cnf.Dedup.RetentionSec = 86400
	}
}

func (cnf *Configuration) setUploadAndSyncDefaults() {
	if cnf.Upload.AbandonAfterMin <= 0 {
		cnf.Upload.AbandonAfterMin = 7 * 24 * 60
	}
	if cnf.Upload.SweepIntervalSec <= 0 {
		cnf.Upload.SweepIntervalSec = 300
	}
	if cnf.Upload.MaxChunkBytes <= 0 {
		cnf.Upload.MaxChunkBytes = 4 << 20
	}
	if cnf.Upload.MaxTotalBytes <= 0 {
		cnf.Upload.MaxTotalBytes = 2 << 30
	}
	if cnf.Sync.MaxConcurrentBatches <= 0 {
		cnf.Sync.MaxConcurrentBatches = 16
	}
	if cnf.Sync.MaxBatchOperations <= 0 {
		cnf.Sync.MaxBatchOperations = 500
	}
	if cnf.Sync.PageSize <= 0 {
		cnf.Sync.PageSize = 200
	}
	if cnf.Device.SyncIntervalSec <= 0 {
		cnf.Device.SyncIntervalSec = 30
	}
	if cnf.Device.ChunkBytes <= 0 {
		cnf.Device.ChunkBytes = 1 << 20
	}
	if cnf.Device.CachePath == "" {
		cnf.Device.CachePath = "./carenote-device.db"
	}
}

func (cnf *Configuration) validateStorage() error {
	switch cnf.Storage.Backend {
	case "":
		cnf.Storage.Backend = "file"
	case "file", "s3":
	default:
		return fmt.Errorf("unsupported storage backend %q", cnf.Storage.Backend)
	}
	if cnf.Storage.Backend == "file" && cnf.Storage.Dir == "" {
		cnf.Storage.Dir = "./carenote-data"
	}
	if cnf.Storage.MaxDiskUsagePercent <= 0 || cnf.Storage.MaxDiskUsagePercent > 100 {
		cnf.Storage.MaxDiskUsagePercent = 90
	}
	if cnf.Storage.Backend == "s3" && cnf.Storage.S3BucketName == "" {
		return errors.New("s3 bucket name is required for the s3 storage backend")
	}
	// The encryption key is checked again at use; an invalid one is a startup error.
	if cnf.Storage.EncryptionKey != "" {
		key, err := hex.DecodeString(cnf.Storage.EncryptionKey)
		if err != nil || len(key) != 32 {
			return errors.New("storage encryption key must be 64 hex characters")
		}
	}
	return nil
}

// Capability returns the configured policy for a capability, falling back to defaults.
func (cnf *Configuration) Capability(name string) CapabilityConfig {
	if c, ok := cnf.Pipeline.Capabilities[name]; ok {
		return c
	}
	return defaultCapabilities()[name]
}

// Duration helpers keep the integer config fields readable at call sites.

func (c CapabilityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c CapabilityConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c CapabilityConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
