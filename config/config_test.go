package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/logipool/logipool/model"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: ""},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: ""},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource:  DataSourceConfig{Dns: "some-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.Queue.WebhookQueue != DEFAULT_WEBHOOK_QUEUE {
		t.Errorf("Expected default webhook queue, got %s", cnf.Queue.WebhookQueue)
	}
	if cnf.Sweeper.IntervalSeconds != DEFAULT_SWEEP_INTERVAL_SEC {
		t.Errorf("Expected default sweep interval, got %d", cnf.Sweeper.IntervalSeconds)
	}
	if len(cnf.Pooling.Categories) != 4 {
		t.Errorf("Expected 4 default categories, got %d", len(cnf.Pooling.Categories))
	}
	if *cnf.Pooling.CriticalThreshold != 90 || *cnf.Pooling.HighThreshold != 50 {
		t.Errorf("Unexpected default thresholds %v/%v", *cnf.Pooling.CriticalThreshold, *cnf.Pooling.HighThreshold)
	}
}

func TestValidateAndAddDefaults_RejectsBadPooling(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Pooling: PoolingConfig{
			CapacityClasses: map[string]float64{"REGULAR": 1000},
			BulkClass:       "LARGE",
		},
	}
	if err := cnf.validateAndAddDefaults(); err == nil {
		t.Error("Expected an error for a bulk class without a ceiling")
	}
}

func TestPoolingConfig_ToRegistryAndPolicy(t *testing.T) {
	critical, high := 80.0, 40.0
	p := PoolingConfig{
		Categories: []CategoryConfig{
			{Name: "grain", MaxWaitHours: 120, ItemTypes: []string{"wheat", "rice"}},
			{Name: "leafy", MaxWaitHours: 12, ItemTypes: []string{"spinach"}},
		},
		CapacityClasses:   map[string]float64{"regular": 1000, "large": 2500},
		FastClass:         "regular",
		BulkClass:         "large",
		CriticalThreshold: &critical,
		HighThreshold:     &high,
	}

	registry, err := p.ToRegistry()
	if err != nil {
		t.Fatalf("ToRegistry failed: %v", err)
	}
	category, err := registry.Resolve("RICE")
	if err != nil || category != model.CategoryGrain {
		t.Errorf("Expected GRAIN, got %s (%v)", category, err)
	}
	maxWait, _ := registry.Rule(model.CategoryLeafy)
	if maxWait != 12*time.Hour {
		t.Errorf("Expected 12h, got %s", maxWait)
	}

	policy, err := p.ToPolicy()
	if err != nil {
		t.Fatalf("ToPolicy failed: %v", err)
	}
	if policy.Classify(45, false) != model.CapacityClassRegular {
		t.Error("Expected fast class above the configured high threshold")
	}
	ceiling, _ := policy.Ceiling(model.CapacityClassLarge)
	if !ceiling.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("Expected 2500, got %s", ceiling)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "logipool.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Sweeper:     SweeperConfig{IntervalSeconds: 15},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("LOGIPOOL_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("LOGIPOOL_PROJECT_NAME")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	if loadedConfig.Sweeper.IntervalSeconds != 15 {
		t.Errorf("Expected sweep interval 15, got %d", loadedConfig.Sweeper.IntervalSeconds)
	}
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "logipool.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
	rule := loadedConfig.Rewards.ToRewardRule()
	if !rule.Threshold.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected default reward threshold 1000, got %s", rule.Threshold)
	}
}
