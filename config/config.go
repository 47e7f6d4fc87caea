/*
Copyright 2024 Logipool Authors.

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
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"

	"github.com/logipool/logipool/model"
)

const (
	DEFAULT_PORT                  = "5001"
	DEFAULT_WEBHOOK_QUEUE         = "webhook_queue"
	DEFAULT_MONITORING_PORT       = "5004"
	DEFAULT_SWEEP_INTERVAL_SEC    = 60
	DEFAULT_SWEEP_BATCH_SIZE      = 100
	DEFAULT_ALLOCATION_CONFLICTS  = 8
	DEFAULT_LOCK_TIMEOUT_SEC      = 30
	DEFAULT_LOCK_WAIT_SEC         = 5
	DEFAULT_HOOK_TIMEOUT_SEC      = 30
	DEFAULT_PROVENANCE_KEY_PREFIX = "journeys"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"LOGIPOOL_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"LOGIPOOL_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"LOGIPOOL_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"LOGIPOOL_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"LOGIPOOL_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"LOGIPOOL_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"LOGIPOOL_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"LOGIPOOL_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"LOGIPOOL_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"LOGIPOOL_QUEUE_WEBHOOK"`
	MonitoringPort string `json:"monitoring_port" envconfig:"LOGIPOOL_QUEUE_MONITORING_PORT"`
	Concurrency    int    `json:"concurrency" envconfig:"LOGIPOOL_QUEUE_CONCURRENCY"`
}

// CategoryConfig describes one produce category.
type CategoryConfig struct {
	Name         string   `json:"name"`
	MaxWaitHours float64  `json:"max_wait_hours"`
	ItemTypes    []string `json:"item_types"`
}

type PoolingConfig struct {
	Categories             []CategoryConfig   `json:"categories"`
	CapacityClasses        map[string]float64 `json:"capacity_classes" envconfig:"LOGIPOOL_POOLING_CAPACITY_CLASSES"`
	FastClass              string             `json:"fast_class" envconfig:"LOGIPOOL_POOLING_FAST_CLASS"`
	BulkClass              string             `json:"bulk_class" envconfig:"LOGIPOOL_POOLING_BULK_CLASS"`
	CriticalThreshold      *float64           `json:"critical_threshold" envconfig:"LOGIPOOL_POOLING_CRITICAL_THRESHOLD"`
	HighThreshold          *float64           `json:"high_threshold" envconfig:"LOGIPOOL_POOLING_HIGH_THRESHOLD"`
	MaxAllocationConflicts int                `json:"max_allocation_conflicts" envconfig:"LOGIPOOL_POOLING_MAX_ALLOCATION_CONFLICTS"`
	LockTimeoutSec         int                `json:"lock_timeout_sec" envconfig:"LOGIPOOL_POOLING_LOCK_TIMEOUT_SEC"`
	LockWaitSec            int                `json:"lock_wait_sec" envconfig:"LOGIPOOL_POOLING_LOCK_WAIT_SEC"`
}

type SweeperConfig struct {
	IntervalSeconds int `json:"interval_seconds" envconfig:"LOGIPOOL_SWEEPER_INTERVAL_SECONDS"`
	BatchSize       int `json:"batch_size" envconfig:"LOGIPOOL_SWEEPER_BATCH_SIZE"`
}

type RewardConfig struct {
	Enabled     bool     `json:"enabled" envconfig:"LOGIPOOL_REWARDS_ENABLED"`
	ThresholdKg *float64 `json:"threshold_kg" envconfig:"LOGIPOOL_REWARDS_THRESHOLD_KG"`
	RewardKg    *float64 `json:"reward_kg" envconfig:"LOGIPOOL_REWARDS_REWARD_KG"`
}

type ProvenanceConfig struct {
	Enabled            bool   `json:"enabled" envconfig:"LOGIPOOL_PROVENANCE_ENABLED"`
	KeyPrefix          string `json:"key_prefix" envconfig:"LOGIPOOL_PROVENANCE_KEY_PREFIX"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"LOGIPOOL_PROVENANCE_S3_ENDPOINT"`
	S3Region           string `json:"s3_region" envconfig:"LOGIPOOL_PROVENANCE_S3_REGION"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"LOGIPOOL_PROVENANCE_S3_BUCKET"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"LOGIPOOL_PROVENANCE_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"LOGIPOOL_PROVENANCE_AWS_SECRET_ACCESS_KEY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"LOGIPOOL_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"LOGIPOOL_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"LOGIPOOL_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"LOGIPOOL_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url        string            `json:"url" envconfig:"LOGIPOOL_WEBHOOK_URL"`
	Headers    map[string]string `json:"headers"`
	MaxRetries int               `json:"max_retries" envconfig:"LOGIPOOL_WEBHOOK_MAX_RETRIES"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"LOGIPOOL_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"LOGIPOOL_ENABLE_TELEMETRY"`
	EnableMetrics   bool             `json:"enable_metrics" envconfig:"LOGIPOOL_ENABLE_METRICS"`
	PostHogKey      string           `json:"posthog_key" envconfig:"LOGIPOOL_POSTHOG_KEY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Pooling         PoolingConfig    `json:"pooling"`
	Sweeper         SweeperConfig    `json:"sweeper"`
	Rewards         RewardConfig     `json:"rewards"`
	Provenance      ProvenanceConfig `json:"provenance"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
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
	err = envconfig.Process("logipool", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called logipool.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Logipool Server"
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

	cnf.Queue.addDefaults()
	cnf.Sweeper.addDefaults()
	cnf.Rewards.addDefaults()
	cnf.Provenance.addDefaults()
	if err := cnf.Pooling.addDefaults(); err != nil {
		return err
	}
	if cnf.Notification.Webhook.MaxRetries <= 0 {
		cnf.Notification.Webhook.MaxRetries = 3
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		cnf.RateLimit.Burst = ptr.Int(2 * int(*cnf.RateLimit.RequestsPerSecond))
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", *cnf.RateLimit.Burst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		cnf.RateLimit.RequestsPerSecond = ptr.Float64(float64(*cnf.RateLimit.Burst) / 2)
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", *cnf.RateLimit.RequestsPerSecond)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		cnf.RateLimit.CleanupIntervalSec = ptr.Int(10800) // 3 hours
	}

	return nil
}

func (q *QueueConfig) addDefaults() {
	if q.WebhookQueue == "" {
		q.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 5
	}
}

func (s *SweeperConfig) addDefaults() {
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = DEFAULT_SWEEP_INTERVAL_SEC
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DEFAULT_SWEEP_BATCH_SIZE
	}
}

func (r *RewardConfig) addDefaults() {
	if r.ThresholdKg == nil {
		r.ThresholdKg = ptr.Float64(1000)
	}
	if r.RewardKg == nil {
		r.RewardKg = ptr.Float64(10)
	}
}

func (p *ProvenanceConfig) addDefaults() {
	if p.KeyPrefix == "" {
		p.KeyPrefix = DEFAULT_PROVENANCE_KEY_PREFIX
	}
}

func (p *PoolingConfig) addDefaults() error {
	if len(p.Categories) == 0 {
		for _, rule := range model.DefaultCategoryRules() {
			p.Categories = append(p.Categories, CategoryConfig{
				Name:         string(rule.Category),
				MaxWaitHours: rule.MaxWait.Hours(),
				ItemTypes:    rule.ItemTypes,
			})
		}
	}
	if len(p.CapacityClasses) == 0 {
		p.CapacityClasses = map[string]float64{
			string(model.CapacityClassRegular): 1000,
			string(model.CapacityClassLarge):   2500,
		}
	}
	if p.FastClass == "" {
		p.FastClass = string(model.CapacityClassRegular)
	}
	if p.BulkClass == "" {
		p.BulkClass = string(model.CapacityClassLarge)
	}
	if p.CriticalThreshold == nil {
		p.CriticalThreshold = ptr.Float64(90)
	}
	if p.HighThreshold == nil {
		p.HighThreshold = ptr.Float64(50)
	}
	if p.MaxAllocationConflicts <= 0 {
		p.MaxAllocationConflicts = DEFAULT_ALLOCATION_CONFLICTS
	}
	if p.LockTimeoutSec <= 0 {
		p.LockTimeoutSec = DEFAULT_LOCK_TIMEOUT_SEC
	}
	if p.LockWaitSec <= 0 {
		p.LockWaitSec = DEFAULT_LOCK_WAIT_SEC
	}

	// fail at startup rather than on the first contribution
	if _, err := p.ToRegistry(); err != nil {
		return fmt.Errorf("invalid pooling categories: %w", err)
	}
	if _, err := p.ToPolicy(); err != nil {
		return fmt.Errorf("invalid pooling capacity policy: %w", err)
	}
	return nil
}

// ToRegistry builds the immutable category registry injected into the engine.
func (p PoolingConfig) ToRegistry() (*model.CategoryRegistry, error) {
	rules := make([]model.CategoryRule, 0, len(p.Categories))
	for _, c := range p.Categories {
		rules = append(rules, model.CategoryRule{
			Category:  model.Category(strings.ToUpper(strings.TrimSpace(c.Name))),
			MaxWait:   time.Duration(c.MaxWaitHours * float64(time.Hour)),
			ItemTypes: c.ItemTypes,
		})
	}
	return model.NewCategoryRegistry(rules)
}

// ToPolicy builds the immutable capacity policy injected into the engine.
func (p PoolingConfig) ToPolicy() (*model.CapacityPolicy, error) {
	ceilings := make(map[model.CapacityClass]decimal.Decimal, len(p.CapacityClasses))
	for name, kg := range p.CapacityClasses {
		ceilings[model.CapacityClass(strings.ToUpper(name))] = decimal.NewFromFloat(kg)
	}
	thresholds := model.PriorityThresholds{}
	if p.CriticalThreshold != nil {
		thresholds.Critical = *p.CriticalThreshold
	}
	if p.HighThreshold != nil {
		thresholds.High = *p.HighThreshold
	}
	return model.NewCapacityPolicy(ceilings,
		model.CapacityClass(strings.ToUpper(p.FastClass)),
		model.CapacityClass(strings.ToUpper(p.BulkClass)),
		thresholds)
}

// ToRewardRule converts the reward settings to a model rule.
func (r RewardConfig) ToRewardRule() model.RewardRule {
	rule := model.DefaultRewardRule()
	if r.ThresholdKg != nil {
		rule.Threshold = decimal.NewFromFloat(*r.ThresholdKg)
	}
	if r.RewardKg != nil {
		rule.Reward = decimal.NewFromFloat(*r.RewardKg)
	}
	return rule
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
