// Package config loads and validates the restoro configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a restoro invocation.
type Config struct {
	AWS            AWSConfig            `yaml:"aws"`
	Restore        RestoreConfig        `yaml:"restore"`
	SystemsManager SystemsManagerConfig `yaml:"systems_manager"`
	State          StateConfig          `yaml:"state"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// AWSConfig selects the credentials and region used for API calls.
type AWSConfig struct {
	// Profile is the shared-credentials profile; empty uses the default chain.
	Profile string `yaml:"profile"`

	// Region overrides the region from the profile or environment.
	Region string `yaml:"region"`
}

// RestoreConfig tunes the restore workflow itself.
type RestoreConfig struct {
	// MaxAMIs bounds how many candidate images are offered for selection.
	MaxAMIs int `yaml:"max_amis" validate:"min=1,max=50"`

	// BackupDir receives instance snapshot records and restore reports.
	BackupDir string `yaml:"backup_dir" validate:"required"`

	// LogLevel is the minimum level emitted (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// LogFile duplicates log output to a file when set.
	LogFile string `yaml:"log_file"`

	// PollInterval is the delay between cloud state polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// OperationTimeout bounds each polled state transition.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// SystemsManagerConfig configures post-restore remote commands.
type SystemsManagerConfig struct {
	// Enabled turns post-restore command execution on.
	Enabled bool `yaml:"enabled"`

	// DocumentName is the SSM document used to run commands.
	DocumentName string `yaml:"document_name" validate:"required_if=Enabled true"`

	// Commands are executed in order against the restored instance.
	Commands []CommandConfig `yaml:"commands" validate:"dive"`

	// OutputS3Bucket optionally receives command output.
	OutputS3Bucket string `yaml:"output_s3_bucket"`

	// OutputS3Prefix is the key prefix inside the output bucket.
	OutputS3Prefix string `yaml:"output_s3_prefix"`
}

// CommandConfig describes one post-restore command.
type CommandConfig struct {
	Name              string        `yaml:"name" validate:"required"`
	Command           string        `yaml:"command" validate:"required"`
	Timeout           time.Duration `yaml:"timeout"`
	WaitForCompletion bool          `yaml:"wait_for_completion"`
}

// StateConfig locates the run-state database.
type StateConfig struct {
	// Path is the SQLite database file; empty disables run-state persistence.
	Path string `yaml:"path"`
}

// MetricsConfig configures the optional metrics endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr" validate:"required_if=Enabled true"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Restore: RestoreConfig{
			MaxAMIs:          5,
			BackupDir:        "backups",
			LogLevel:         "info",
			PollInterval:     5 * time.Second,
			OperationTimeout: 5 * time.Minute,
		},
		SystemsManager: SystemsManagerConfig{
			DocumentName: "AWS-RunShellScript",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}

// Load reads the YAML file at path, fills defaults, and validates the result.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Restore.MaxAMIs == 0 {
		c.Restore.MaxAMIs = d.Restore.MaxAMIs
	}
	if c.Restore.BackupDir == "" {
		c.Restore.BackupDir = d.Restore.BackupDir
	}
	if c.Restore.LogLevel == "" {
		c.Restore.LogLevel = d.Restore.LogLevel
	}
	if c.Restore.PollInterval == 0 {
		c.Restore.PollInterval = d.Restore.PollInterval
	}
	if c.Restore.OperationTimeout == 0 {
		c.Restore.OperationTimeout = d.Restore.OperationTimeout
	}
	if c.SystemsManager.DocumentName == "" {
		c.SystemsManager.DocumentName = d.SystemsManager.DocumentName
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = d.Metrics.ListenAddr
	}
	for i := range c.SystemsManager.Commands {
		if c.SystemsManager.Commands[i].Timeout == 0 {
			c.SystemsManager.Commands[i].Timeout = 5 * time.Minute
		}
	}
}
