package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid pool mode",
			config: Config{
				Mode: "pool",
				Pool: PoolConfig{Host: "pool.example.com", Port: 3333},
				Local: LocalConfig{Port: 3333},
				Vardiff: VardiffConfig{MinDiff: 0.001, MaxDiff: 1e9, TargetShareSec: 30},
			},
			wantErr: false,
		},
		{
			name: "valid solo mode",
			config: Config{
				Mode: "solo",
				Node: NodeConfig{Host: "127.0.0.1", Port: 8114},
				Local: LocalConfig{Port: 3333},
			},
			wantErr: false,
		},
		{
			name: "missing mode",
			config: Config{
				Local: LocalConfig{Port: 3333},
			},
			wantErr: true,
			errMsg:  `mode must be "pool" or "solo", got ""`,
		},
		{
			name: "pool mode without pool.host",
			config: Config{
				Mode:  "pool",
				Local: LocalConfig{Port: 3333},
			},
			wantErr: true,
			errMsg:  `pool.host is required when mode is "pool"`,
		},
		{
			name: "solo mode without node.host",
			config: Config{
				Mode:  "solo",
				Local: LocalConfig{Port: 3333},
			},
			wantErr: true,
			errMsg:  `node.host is required when mode is "solo"`,
		},
		{
			name: "missing local.port",
			config: Config{
				Mode: "pool",
				Pool: PoolConfig{Host: "pool.example.com"},
			},
			wantErr: true,
			errMsg:  "local.port is required",
		},
		{
			name: "vardiff min above max",
			config: Config{
				Mode:    "pool",
				Pool:    PoolConfig{Host: "pool.example.com"},
				Local:   LocalConfig{Port: 3333},
				Vardiff: VardiffConfig{MinDiff: 10, MaxDiff: 1},
			},
			wantErr: true,
			errMsg:  "vardiff.minDiff must be <= vardiff.maxDiff",
		},
		{
			name: "negative vardiff target",
			config: Config{
				Mode:    "pool",
				Pool:    PoolConfig{Host: "pool.example.com"},
				Local:   LocalConfig{Port: 3333},
				Vardiff: VardiffConfig{TargetShareSec: -1},
			},
			wantErr: true,
			errMsg:  "vardiff.targetShareSec must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Validate() expected an error, got nil")
				}
				if err.Error() != tt.errMsg {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
mode: solo

node:
  host: "127.0.0.1"
  port: 8114
  coinbase: "ckb1qyq..."

local:
  host: "0.0.0.0"
  port: 3333
  statsPort: 8080

vardiff:
  targetShareSec: 15
  minDiff: 0.01
  maxDiff: 1000000

log:
  level: "debug"
  format: "json"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != "solo" {
		t.Errorf("Mode = %q, want solo", cfg.Mode)
	}
	if cfg.Node.Coinbase != "ckb1qyq..." {
		t.Errorf("Node.Coinbase = %q", cfg.Node.Coinbase)
	}
	if cfg.Local.StatsPort != 8080 {
		t.Errorf("Local.StatsPort = %d, want 8080", cfg.Local.StatsPort)
	}
	if cfg.Vardiff.TargetShareSec != 15 {
		t.Errorf("Vardiff.TargetShareSec = %v, want 15", cfg.Vardiff.TargetShareSec)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	// Defaults not overridden by the file should still apply.
	if cfg.Guard.BanDuration != 10*time.Minute {
		t.Errorf("Guard.BanDuration = %v, want the default 10m", cfg.Guard.BanDuration)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// mode "pool" but no pool.host: fails Validate.
	configContent := `
mode: pool
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should return an error for an invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() should return an error for a non-existent explicit path")
	}
}

func TestLoadDefaults(t *testing.T) {
	// No config file at all, mode defaulted to "pool" but no pool.host set,
	// so Validate should still reject it — defaults alone don't satisfy a
	// mode-specific requirement.
	tmpDir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if _, err := Load(""); err == nil {
		t.Error("Load() with only defaults should fail Validate (no pool.host)")
	}
}
