package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type LocalConfig struct {
	Workers int    `yaml:"workers"`
	LogDir  string `yaml:"log_dir"`
	Shell   string `yaml:"shell"`
}

type RemoteConfig struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Port       int    `yaml:"port"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

type SlurmConfig struct {
	SbatchArgs       []string      `yaml:"sbatch_args"`
	ScriptDir        string        `yaml:"script_dir"`
	LogDir           string        `yaml:"log_dir"`
	UpdateFrequency  time.Duration `yaml:"update_frequency"`
	MaxUpdateWait    time.Duration `yaml:"max_update_wait"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	QueriesPerSecond float64       `yaml:"queries_per_second"`
	// Remote runs scheduler commands over SSH when Host is set.
	Remote RemoteConfig `yaml:"remote"`
}

type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MonitoringAddr string `yaml:"monitoring_addr"`
}

// Config is the coordinator configuration.
type Config struct {
	Backend string `yaml:"backend"`
	// Autosave is the snapshot interval during a run; zero saves only at the end.
	Autosave time.Duration `yaml:"autosave"`
	// MaxForks caps in-flight tasks; zero defers to the backend's limit.
	MaxForks  int             `yaml:"max_forks"`
	StateDir  string          `yaml:"state_dir"`
	Local     LocalConfig     `yaml:"local"`
	Slurm     SlurmConfig     `yaml:"slurm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/jetrun or ~/.config/jetrun.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "jetrun")
}

func DefaultConfig() Config {
	dir := ConfigDir()
	return Config{
		Backend:  "local",
		Autosave: 30 * time.Second,
		StateDir: filepath.Join(dir, "state"),
		Local: LocalConfig{
			LogDir: "logs",
			Shell:  "/bin/sh",
		},
		Slurm: SlurmConfig{
			ScriptDir:        filepath.Join("jetrun", "scripts"),
			LogDir:           "logs",
			UpdateFrequency:  time.Second,
			MaxUpdateWait:    time.Hour,
			MaxConcurrency:   9002,
			QueriesPerSecond: 2,
			Remote: RemoteConfig{
				Port:       22,
				KeyPath:    filepath.Join(dir, "ssh", "id_ed25519"),
				KnownHosts: filepath.Join(dir, "known_hosts"),
				RemoteDir:  "jetrun/scripts",
			},
		},
		Telemetry: TelemetryConfig{MonitoringAddr: "127.0.0.1:9090"},
	}
}

// LoadConfig reads YAML configuration over the defaults. If path is empty it
// resolves config.yaml under ConfigDir, and a missing default file is not an
// error. Environment overrides from the env file and the process are applied
// last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	env, err := LoadEnvFile("")
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(MergeEnv(env, os.Getenv)); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from JETRUN_* and SLURM_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("JETRUN_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := getenv("JETRUN_MAX_FORKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JETRUN_MAX_FORKS: %w", err)
		}
		c.MaxForks = n
		c.Local.Workers = n
	}
	if v := getenv("JETRUN_AUTOSAVE"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("JETRUN_AUTOSAVE: %w", err)
		}
		c.Autosave = d
	}
	if v := getenv("SLURM_UPDATE_FREQUENCY"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("SLURM_UPDATE_FREQUENCY: %w", err)
		}
		c.Slurm.UpdateFrequency = d
	}
	if v := getenv("SLURM_MAX_UPDATE_WAIT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("SLURM_MAX_UPDATE_WAIT: %w", err)
		}
		c.Slurm.MaxUpdateWait = d
	}
	return nil
}

// parseSeconds accepts a Go duration ("90s") or a plain number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	switch c.Backend {
	case "local", "slurm":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.MaxForks < 0 {
		return errors.New("config: max_forks must not be negative")
	}
	if c.Autosave < 0 {
		return errors.New("config: autosave must not be negative")
	}
	if c.Slurm.UpdateFrequency < 0 || c.Slurm.MaxUpdateWait < 0 {
		return errors.New("config: slurm.update_frequency and slurm.max_update_wait must not be negative")
	}
	// Accounting lookups are paced by the interval or the rate limiter.
	if c.Slurm.UpdateFrequency == 0 && c.Slurm.QueriesPerSecond <= 0 {
		return errors.New("config: slurm.update_frequency must be positive when slurm.queries_per_second is 0")
	}
	if c.Slurm.Remote.Host != "" && c.Slurm.Remote.User == "" {
		return errors.New("config: slurm.remote.user is required with slurm.remote.host")
	}
	return nil
}

// WriteConfig writes cfg as YAML, refusing to overwrite an existing file.
func WriteConfig(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
