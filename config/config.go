package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	OffenseSync OffenseSyncConfig `yaml:"offensesync"`
}

// OffenseSyncConfig is the project configuration.
type OffenseSyncConfig struct {
	QRadar  QRadarConfig  `yaml:"qradar"`
	TheHive TheHiveConfig `yaml:"thehive"`
	Sync    SyncConfig    `yaml:"sync"`
	State   StateConfig   `yaml:"state"`
	Rules   RulesConfig   `yaml:"rules"`
	Report  ReportConfig  `yaml:"report"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// QRadarConfig controls the SIEM client.
type QRadarConfig struct {
	Server       string        `yaml:"server" validate:"required"`
	AuthToken    string        `yaml:"auth_token" validate:"required"`
	APIVersion   string        `yaml:"api_version"`
	CertFilePath string        `yaml:"cert_filepath"`
	Insecure     bool          `yaml:"insecure"`
	Timeout      time.Duration `yaml:"timeout"`
	Timezone     string        `yaml:"timezone"` // search window bounds; empty means local time
}

// TheHiveConfig controls the case-management client.
type TheHiveConfig struct {
	URL          string            `yaml:"url" validate:"required,url"`
	APIKey       string            `yaml:"api_key" validate:"required"`
	Timeout      time.Duration     `yaml:"timeout"`
	Insecure     bool              `yaml:"insecure"`
	CaseTemplate string            `yaml:"case_template"`
	Headers      map[string]string `yaml:"headers"`
}

// SyncConfig controls enrichment and orchestration.
type SyncConfig struct {
	AddressTimeout     time.Duration `yaml:"address_timeout"`
	AddressConcurrency int           `yaml:"address_concurrency" validate:"gte=0"`
	LogDelay           time.Duration `yaml:"log_delay"`
	LogLimit           int           `yaml:"log_limit" validate:"gte=0"`
	SearchPollInterval time.Duration `yaml:"search_poll_interval"`
	SearchTimeout      time.Duration `yaml:"search_timeout"`
	WindowMinutes      int           `yaml:"window_minutes" validate:"gte=0"`
}

// StateConfig controls where the cursor and run guard live.
type StateConfig struct {
	Mode          string        `yaml:"mode" validate:"omitempty,oneof=file redis"`
	File          string        `yaml:"file"`
	InitialCursor int64         `yaml:"initial_cursor"`
	GuardTTL      time.Duration `yaml:"guard_ttl"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig controls Redis state storage.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RulesConfig controls Sigma offense tagging.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ReportConfig controls run report outputs.
type ReportConfig struct {
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	Kafka      KafkaOutputConfig      `yaml:"kafka"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL      string            `yaml:"url" validate:"omitempty,url"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	Attempts int               `yaml:"attempts" validate:"gte=0"`
	Backoff  time.Duration     `yaml:"backoff"`
}

// KafkaOutputConfig config for publishing reports to a topic.
type KafkaOutputConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" validate:"required_with=Brokers"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ClickHouseOutputConfig config for per-offense outcome rows.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url" validate:"omitempty,url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// MetricsConfig controls the Prometheus textfile output.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
