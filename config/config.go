// Package config loads and validates the YAML run configuration.
package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// OracleConfig identifies the source database and table.
type OracleConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ServiceName string `yaml:"service_name"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TableName   string `yaml:"table_name"`
	SyncColumn  string `yaml:"sync_column"`
	PrimaryKey  string `yaml:"primary_key"`
}

// FeishuConfig identifies the destination app and its capacity limits.
type FeishuConfig struct {
	AppID                string `yaml:"app_id"`
	AppSecret            string `yaml:"app_secret"`
	AppToken             string `yaml:"app_token"`
	BaseURL              string `yaml:"base_url,omitempty"`
	TableNamePrefix      string `yaml:"table_name_prefix"`
	MaxRowsPerTable      int    `yaml:"max_rows_per_table"`
	MaxRequestsPerSecond int    `yaml:"max_requests_per_second"`
}

// SyncConfig holds the batch sizes and checkpoint location.
type SyncConfig struct {
	ReadBatchSize          int    `yaml:"read_batch_size"`
	WriteBatchSize         int    `yaml:"write_batch_size"`
	CheckpointFile         string `yaml:"checkpoint_file"`
	ConvertToFixedTimezone bool   `yaml:"convert_to_fixed_timezone"`
	TimezoneOffsetHours    int    `yaml:"timezone_offset_hours"`
}

// Config is the complete run configuration.
type Config struct {
	Oracle OracleConfig `yaml:"oracle"`
	Feishu FeishuConfig `yaml:"feishu"`
	Sync   SyncConfig   `yaml:"sync"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()

	log.WithField("path", path).Info("loaded configuration")
	return &cfg, nil
}

// Validate checks that the configuration possesses all required properties.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"oracle.host", c.Oracle.Host},
		{"oracle.service_name", c.Oracle.ServiceName},
		{"oracle.username", c.Oracle.Username},
		{"oracle.password", c.Oracle.Password},
		{"oracle.table_name", c.Oracle.TableName},
		{"oracle.sync_column", c.Oracle.SyncColumn},
		{"oracle.primary_key", c.Oracle.PrimaryKey},
		{"feishu.app_id", c.Feishu.AppID},
		{"feishu.app_secret", c.Feishu.AppSecret},
		{"feishu.app_token", c.Feishu.AppToken},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	return nil
}

// SetDefaults fills in the default values for unset optional parameters.
func (c *Config) SetDefaults() {
	if c.Oracle.Port == 0 {
		c.Oracle.Port = 1521
	}
	if c.Feishu.TableNamePrefix == "" {
		c.Feishu.TableNamePrefix = "DataSync"
	}
	if c.Feishu.MaxRowsPerTable == 0 {
		c.Feishu.MaxRowsPerTable = 20000
	}
	if c.Feishu.MaxRequestsPerSecond == 0 {
		c.Feishu.MaxRequestsPerSecond = 50
	}
	if c.Sync.ReadBatchSize == 0 {
		c.Sync.ReadBatchSize = 1000
	}
	if c.Sync.WriteBatchSize == 0 {
		c.Sync.WriteBatchSize = 1000
	}
	if c.Sync.CheckpointFile == "" {
		c.Sync.CheckpointFile = "sync_checkpoint.json"
	}
	if c.Sync.TimezoneOffsetHours == 0 {
		c.Sync.TimezoneOffsetHours = 8
	}
}
