/*
Copyright 2024 Blnk Finance Authors.

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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/wacul/ptr"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5010"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PROSPEKT_SERVER_SSL"`
	Domain    string `json:"domain" envconfig:"PROSPEKT_SERVER_DOMAIN"`
	Email     string `json:"email" envconfig:"PROSPEKT_SERVER_EMAIL"`
	Port      string `json:"port" envconfig:"PROSPEKT_SERVER_PORT"`
	Secure    bool   `json:"secure" envconfig:"PROSPEKT_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PROSPEKT_SERVER_SECRET_KEY"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PROSPEKT_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PROSPEKT_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PROSPEKT_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	IngestQueue    string `json:"ingest_queue" envconfig:"PROSPEKT_QUEUE_INGEST"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"PROSPEKT_QUEUE_NUMBER_OF_QUEUES"`
	MaxRetry       int    `json:"max_retry" envconfig:"PROSPEKT_QUEUE_MAX_RETRY"`
	Concurrency    int    `json:"concurrency" envconfig:"PROSPEKT_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"PROSPEKT_QUEUE_MONITORING_PORT"`
}

// PoolConfig holds the resource rotation policy. Durations are in milliseconds.
type PoolConfig struct {
	BackoffBaseMs  int     `json:"backoff_base_ms" envconfig:"PROSPEKT_POOL_BACKOFF_BASE_MS"`
	BackoffFactor  float64 `json:"backoff_factor" envconfig:"PROSPEKT_POOL_BACKOFF_FACTOR"`
	BackoffCapMs   int     `json:"backoff_cap_ms" envconfig:"PROSPEKT_POOL_BACKOFF_CAP_MS"`
	LeaseWaitMs    int     `json:"lease_wait_ms" envconfig:"PROSPEKT_POOL_LEASE_WAIT_MS"`
	PollIntervalMs int     `json:"poll_interval_ms" envconfig:"PROSPEKT_POOL_POLL_INTERVAL_MS"`
}

type SourceLimit struct {
	Concurrency       int     `json:"concurrency"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

type OrchestratorConfig struct {
	MaxAttempts        int                    `json:"max_attempts" envconfig:"PROSPEKT_ORCHESTRATOR_MAX_ATTEMPTS"`
	RequestTimeoutMs   int                    `json:"request_timeout_ms" envconfig:"PROSPEKT_ORCHESTRATOR_REQUEST_TIMEOUT_MS"`
	RetryBackoffMs     int                    `json:"retry_backoff_ms" envconfig:"PROSPEKT_ORCHESTRATOR_RETRY_BACKOFF_MS"`
	RetryBackoffCapMs  int                    `json:"retry_backoff_cap_ms" envconfig:"PROSPEKT_ORCHESTRATOR_RETRY_BACKOFF_CAP_MS"`
	DefaultConcurrency int                    `json:"default_concurrency" envconfig:"PROSPEKT_ORCHESTRATOR_DEFAULT_CONCURRENCY"`
	SearchCacheTTLSec  int                    `json:"search_cache_ttl_sec" envconfig:"PROSPEKT_ORCHESTRATOR_SEARCH_CACHE_TTL_SEC"`
	Sources            map[string]SourceLimit `json:"sources"`
}

type MergeConfig struct {
	MinConfidenceScore      *int     `json:"min_confidence_score" envconfig:"PROSPEKT_MERGE_MIN_CONFIDENCE_SCORE"`
	StorageRetries          int      `json:"storage_retries" envconfig:"PROSPEKT_MERGE_STORAGE_RETRIES"`
	StorageRetryBackoffMs   int      `json:"storage_retry_backoff_ms" envconfig:"PROSPEKT_MERGE_STORAGE_RETRY_BACKOFF_MS"`
	LockTTLMs               int      `json:"lock_ttl_ms" envconfig:"PROSPEKT_MERGE_LOCK_TTL_MS"`
	LockWaitMs              int      `json:"lock_wait_ms" envconfig:"PROSPEKT_MERGE_LOCK_WAIT_MS"`
	SuggestionThreshold     *float64 `json:"suggestion_threshold" envconfig:"PROSPEKT_MERGE_SUGGESTION_THRESHOLD"`
	PipelineWorkers         int      `json:"pipeline_workers" envconfig:"PROSPEKT_MERGE_PIPELINE_WORKERS"`
	PipelineBuffer          int      `json:"pipeline_buffer" envconfig:"PROSPEKT_MERGE_PIPELINE_BUFFER"`
	NameSimilarityThreshold *float64 `json:"name_similarity_threshold" envconfig:"PROSPEKT_MERGE_NAME_SIMILARITY_THRESHOLD"`
}

type FanoutConfig struct {
	SubscriberBuffer int    `json:"subscriber_buffer" envconfig:"PROSPEKT_FANOUT_SUBSCRIBER_BUFFER"`
	RedisChannel     string `json:"redis_channel" envconfig:"PROSPEKT_FANOUT_REDIS_CHANNEL"`
}

// SchedulerConfig drives the recurring job scheduler run by the server.
type SchedulerConfig struct {
	Disabled        bool   `json:"disabled" envconfig:"PROSPEKT_SCHEDULER_DISABLED"`
	PollIntervalSec int    `json:"poll_interval_sec" envconfig:"PROSPEKT_SCHEDULER_POLL_INTERVAL_SEC"`
	Timezone        string `json:"timezone" envconfig:"PROSPEKT_SCHEDULER_TIMEZONE"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PROSPEKT_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PROSPEKT_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PROSPEKT_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

// DirectorySelectors are the CSS selectors used to read one result listing.
type DirectorySelectors struct {
	Entry      string `json:"entry" yaml:"entry"`
	Name       string `json:"name" yaml:"name"`
	FirstName  string `json:"first_name" yaml:"first_name"`
	Phone      string `json:"phone" yaml:"phone"`
	Email      string `json:"email" yaml:"email"`
	Address    string `json:"address" yaml:"address"`
	PostalCode string `json:"postal_code" yaml:"postal_code"`
	City       string `json:"city" yaml:"city"`
	Company    string `json:"company" yaml:"company"`
	Link       string `json:"link" yaml:"link"`
}

// DirectorySource describes an HTML directory site scraped through the proxy pool.
type DirectorySource struct {
	Name          string             `json:"name" yaml:"name"`
	SearchURL     string             `json:"search_url" yaml:"search_url"`
	QueryParam    string             `json:"query_param" yaml:"query_param"`
	LocalityParam string             `json:"locality_param" yaml:"locality_param"`
	UserAgent     string             `json:"user_agent" yaml:"user_agent"`
	UseProxy      bool               `json:"use_proxy" yaml:"use_proxy"`
	Selectors     DirectorySelectors `json:"selectors" yaml:"selectors"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"PROSPEKT_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string             `json:"project_name" envconfig:"PROSPEKT_PROJECT_NAME"`
	EnableTelemetry bool               `json:"enable_telemetry" envconfig:"PROSPEKT_ENABLE_TELEMETRY"`
	Server          ServerConfig       `json:"server"`
	DataSource      DataSourceConfig   `json:"data_source"`
	Redis           RedisConfig        `json:"redis"`
	Queue           QueueConfig        `json:"queue"`
	Pool            PoolConfig         `json:"pool"`
	Orchestrator    OrchestratorConfig `json:"orchestrator"`
	Merge           MergeConfig        `json:"merge"`
	Fanout          FanoutConfig       `json:"fanout"`
	Scheduler       SchedulerConfig    `json:"scheduler"`
	Notification    Notification       `json:"notification"`
	RateLimit       RateLimitConfig    `json:"rate_limit"`
	Directories     []DirectorySource  `json:"directories"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("prospekt", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called prospekt.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Prospekt"
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Server.Secure && cnf.Server.SecretKey == "" {
		return errors.New("server secret key is required in secure mode")
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Warning: Data source DNS is empty. Prospects will be kept in memory.")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Warning: Redis DNS is empty. Locks, events and job results stay in this process.")
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	cnf.Queue.addDefaults()
	cnf.Pool.addDefaults()
	cnf.Orchestrator.addDefaults()
	cnf.Merge.addDefaults()
	cnf.Fanout.addDefaults()
	cnf.Scheduler.addDefaults()

	if cnf.Pool.BackoffFactor < 1 {
		return errors.New("pool backoff factor must be at least 1")
	}
	if *cnf.Merge.MinConfidenceScore < 0 || *cnf.Merge.MinConfidenceScore > 100 {
		return errors.New("merge min confidence score must be between 0 and 100")
	}
	if *cnf.Merge.SuggestionThreshold < 0 || *cnf.Merge.SuggestionThreshold > 1 {
		return errors.New("merge suggestion threshold must be between 0 and 1")
	}
	if _, err := time.LoadLocation(cnf.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	return nil
}

func (q *QueueConfig) addDefaults() {
	if q.IngestQueue == "" {
		q.IngestQueue = "prospekt:ingest"
	}
	if q.NumberOfQueues <= 0 {
		q.NumberOfQueues = 8
	}
	if q.MaxRetry <= 0 {
		q.MaxRetry = 5
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5004"
	}
}

func (p *PoolConfig) addDefaults() {
	if p.BackoffBaseMs <= 0 {
		p.BackoffBaseMs = 1000
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = 2
	}
	if p.BackoffCapMs <= 0 {
		p.BackoffCapMs = 60000
	}
	if p.LeaseWaitMs <= 0 {
		p.LeaseWaitMs = 5000
	}
	if p.PollIntervalMs <= 0 {
		p.PollIntervalMs = 250
	}
}

func (o *OrchestratorConfig) addDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RequestTimeoutMs <= 0 {
		o.RequestTimeoutMs = 30000
	}
	if o.RetryBackoffMs <= 0 {
		o.RetryBackoffMs = 500
	}
	if o.RetryBackoffCapMs <= 0 {
		o.RetryBackoffCapMs = 5000
	}
	if o.DefaultConcurrency <= 0 {
		o.DefaultConcurrency = 4
	}
	if o.Sources == nil {
		o.Sources = map[string]SourceLimit{}
	}
}

func (m *MergeConfig) addDefaults() {
	if m.MinConfidenceScore == nil {
		m.MinConfidenceScore = ptr.Int(60)
	}
	if m.StorageRetries <= 0 {
		m.StorageRetries = 3
	}
	if m.StorageRetryBackoffMs <= 0 {
		m.StorageRetryBackoffMs = 100
	}
	if m.LockTTLMs <= 0 {
		m.LockTTLMs = 10000
	}
	if m.LockWaitMs <= 0 {
		m.LockWaitMs = 5000
	}
	if m.SuggestionThreshold == nil {
		m.SuggestionThreshold = ptr.Float64(0.7)
	}
	if m.PipelineWorkers <= 0 {
		m.PipelineWorkers = 8
	}
	if m.PipelineBuffer <= 0 {
		m.PipelineBuffer = 1024
	}
	if m.NameSimilarityThreshold == nil {
		m.NameSimilarityThreshold = ptr.Float64(0.8)
	}
}

func (f *FanoutConfig) addDefaults() {
	if f.SubscriberBuffer <= 0 {
		f.SubscriberBuffer = 256
	}
	if f.RedisChannel == "" {
		f.RedisChannel = "prospekt:events"
	}
}

func (s *SchedulerConfig) addDefaults() {
	if s.PollIntervalSec <= 0 {
		s.PollIntervalSec = 60
	}
	s.Timezone = strings.TrimSpace(s.Timezone)
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
}

// WithDefaults returns a copy of s with every unset setting defaulted.
func (s SchedulerConfig) WithDefaults() SchedulerConfig {
	s.addDefaults()
	return s
}

// Location resolves the scheduler time zone, falling back to UTC.
func (s SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || s.Timezone == "" {
		return time.UTC
	}
	return loc
}

// WithDefaults returns a copy of o with every unset setting defaulted.
func (o OrchestratorConfig) WithDefaults() OrchestratorConfig {
	o.addDefaults()
	return o
}

// WithDefaults returns a copy of m with every unset setting defaulted.
func (m MergeConfig) WithDefaults() MergeConfig {
	m.addDefaults()
	return m
}

// Ms converts a millisecond setting into a duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// SourceLimitFor returns the concurrency ceiling and request rate for a source,
// falling back to the orchestrator default.
func (o OrchestratorConfig) SourceLimitFor(source string) SourceLimit {
	limit, ok := o.Sources[source]
	if !ok || limit.Concurrency <= 0 {
		limit.Concurrency = o.DefaultConcurrency
	}
	return limit
}

// Defaults returns a configuration with every default applied and nothing external
// configured. It is what tests and the scan command start from.
func Defaults() *Configuration {
	cnf := &Configuration{}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
