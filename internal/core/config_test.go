package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("JETRUN_BACKEND", "")
	t.Setenv("JETRUN_MAX_FORKS", "")
	t.Setenv("JETRUN_AUTOSAVE", "")
	t.Setenv("SLURM_UPDATE_FREQUENCY", "")
	t.Setenv("SLURM_MAX_UPDATE_WAIT", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != "local" || cfg.Slurm.MaxConcurrency != 9002 || cfg.Autosave != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing path")
	}
}

func TestLoadConfigFileAndEnvOverrides(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("JETRUN_BACKEND", "")
	t.Setenv("JETRUN_AUTOSAVE", "")
	t.Setenv("SLURM_MAX_UPDATE_WAIT", "")
	t.Setenv("JETRUN_MAX_FORKS", "3")
	t.Setenv("SLURM_UPDATE_FREQUENCY", "")

	dir := filepath.Join(xdg, "jetrun")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	yaml := `backend: slurm
autosave: 5s
slurm:
  sbatch_args: ["--partition=short"]
  update_frequency: 2s
  remote:
    host: login.example.org
    user: jet
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	env := "# overrides\nSLURM_UPDATE_FREQUENCY=0.25\nexport JETRUN_MAX_FORKS=8\n"
	if err := os.WriteFile(filepath.Join(dir, "env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != "slurm" || cfg.Autosave != 5*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Slurm.UpdateFrequency != 250*time.Millisecond {
		t.Fatalf("env file should override the config file, got %s", cfg.Slurm.UpdateFrequency)
	}
	if cfg.MaxForks != 3 || cfg.Local.Workers != 3 {
		t.Fatalf("process env should win over the env file, got %d", cfg.MaxForks)
	}
	if cfg.Slurm.MaxUpdateWait != time.Hour || cfg.Slurm.Remote.Port != 22 {
		t.Fatalf("unset values should keep defaults: %+v", cfg.Slurm)
	}
	if len(cfg.Slurm.SbatchArgs) != 1 || cfg.Slurm.Remote.Host != "login.example.org" {
		t.Fatalf("unexpected slurm config %+v", cfg.Slurm)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "pbs"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	cfg = DefaultConfig()
	cfg.Slurm.Remote.Host = "login"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing user error")
	}
	cfg = DefaultConfig()
	cfg.Slurm.MaxUpdateWait = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative max_update_wait error")
	}
	cfg = DefaultConfig()
	cfg.Slurm.UpdateFrequency = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative update_frequency error")
	}
	cfg = DefaultConfig()
	cfg.Slurm.UpdateFrequency = 0
	cfg.Slurm.QueriesPerSecond = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unpaced accounting lookups to be rejected")
	}
	cfg.Slurm.QueriesPerSecond = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("a rate limit alone paces lookups: %v", err)
	}
	cfg = DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string {
		if k == "JETRUN_MAX_FORKS" {
			return "many"
		}
		return ""
	}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "jetrun", "config.yaml")
	cfg := DefaultConfig()
	cfg.Backend = "slurm"
	cfg.Slurm.UpdateFrequency = 3 * time.Second
	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteConfig(path, cfg); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Backend != "slurm" || got.Slurm.UpdateFrequency != 3*time.Second {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	env, err := LoadEnvFile(filepath.Join(t.TempDir(), "env"))
	if err != nil || len(env) != 0 {
		t.Fatalf("missing env file should be empty: %v %v", env, err)
	}
}
