// Package config loads and validates the agent's YAML configuration
// (spec §3 "Configuration").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultUploadPartSize     = 4 * 1024             // 4 KiB
	defaultDownloadPartSize   = 16 * 1024 * 1024      // 16 MiB
	defaultRefreshJobsSeconds = 60
	minRefreshJobsSeconds     = 5
	defaultSavePath           = "."
)

// SchedulerType selects which HPC scheduler backend to use.
type SchedulerType string

const (
	SchedulerPBS   SchedulerType = "pbs"
	SchedulerSlurm SchedulerType = "slurm"
	SchedulerLSF   SchedulerType = "lsf"
)

// SchedulerConfig configures the scheduler adapter.
type SchedulerConfig struct {
	Type  SchedulerType `yaml:"type"`
	Queue string        `yaml:"queue"` // required for LSF
}

// SSHProxyConfig configures the SSH-or-not wrapper (spec §3 "ssh_proxy").
type SSHProxyConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Port     int    `yaml:"port"`
	HomeDir  string `yaml:"home_dir"`
	SaveDir  string `yaml:"save_dir"`
}

// DeployConfig configures the optional spack/apptainer deployer backends
// consulted by the job executor's software-preamble resolution (spec
// §4.5 step 1).
type DeployConfig struct {
	Spack     *SpackConfig     `yaml:"spack,omitempty"`
	Apptainer *ApptainerConfig `yaml:"apptainer,omitempty"`
}

// SpackConfig configures the spack deployer backend.
type SpackConfig struct {
	Root string `yaml:"root"`
}

// ApptainerConfig configures the apptainer/singularity deployer backend.
type ApptainerConfig struct {
	ImagesRoot string `yaml:"images_root"`
}

// Config is the agent's full recognized configuration surface.
type Config struct {
	Server              string          `yaml:"server"`
	OIDCServer          string          `yaml:"oidc_server"`
	UploadPartSize      int64           `yaml:"upload_part_size"`
	DownloadPartSize    int64           `yaml:"download_part_size"`
	RefreshJobsInterval int             `yaml:"refresh_jobs_interval"`
	SavePath            string          `yaml:"save_path"`
	ContainerSavePath   string          `yaml:"container_save_path"`
	IncludeEnvScriptPath string         `yaml:"include_env_script_path"`
	IncludeEnvScript    string          `yaml:"include_env_script"`
	Scheduler           SchedulerConfig `yaml:"scheduler"`
	SSHProxy            *SSHProxyConfig `yaml:"ssh_proxy,omitempty"`
	ClientID            string          `yaml:"client_id"`
	MPI                 bool            `yaml:"mpi"`
	Deploy              DeployConfig    `yaml:"deploy"`
}

// defaults returns a Config with every optional field at its documented
// default (spec §3).
func defaults() *Config {
	return &Config{
		UploadPartSize:      defaultUploadPartSize,
		DownloadPartSize:    defaultDownloadPartSize,
		RefreshJobsInterval: defaultRefreshJobsSeconds,
		SavePath:            defaultSavePath,
		Scheduler:           SchedulerConfig{Type: SchedulerSlurm},
	}
}

// Load reads and validates the YAML configuration at path, overlaying it
// on top of the documented defaults (mirrors surge's
// DefaultSettings-then-overlay load in internal/config/settings.go).
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.UploadPartSize <= 0 {
		c.UploadPartSize = defaultUploadPartSize
	}
	if c.DownloadPartSize <= 0 {
		c.DownloadPartSize = defaultDownloadPartSize
	}
	if c.RefreshJobsInterval < minRefreshJobsSeconds {
		c.RefreshJobsInterval = defaultRefreshJobsSeconds
	}
	if c.SavePath == "" {
		c.SavePath = defaultSavePath
	}
	if c.SSHProxy != nil && c.SSHProxy.Port == 0 {
		c.SSHProxy.Port = 22
	}
}

func (c *Config) validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if c.OIDCServer == "" {
		return fmt.Errorf("config: oidc_server is required")
	}
	switch c.Scheduler.Type {
	case SchedulerPBS, SchedulerSlurm:
	case SchedulerLSF:
		if c.Scheduler.Queue == "" {
			return fmt.Errorf("config: scheduler.queue is required for LSF")
		}
	default:
		return fmt.Errorf("config: unrecognized scheduler.type %q", c.Scheduler.Type)
	}
	return nil
}

// IncludeEnvSnippet resolves the include-env script: the file path wins
// if it exists (spec §3), otherwise the inline string is used.
func (c *Config) IncludeEnvSnippet() string {
	if c.IncludeEnvScriptPath != "" {
		if data, err := os.ReadFile(c.IncludeEnvScriptPath); err == nil {
			return string(data)
		}
	}
	return c.IncludeEnvScript
}
