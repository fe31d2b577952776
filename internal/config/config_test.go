package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("FEE_RATE_PER_SECOND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FeeRatePerSecond != 1000 {
		t.Errorf("fee rate = %d, want 1000", cfg.FeeRatePerSecond)
	}
	if cfg.DBDriver != DriverPostgres {
		t.Errorf("driver = %q, want %q", cfg.DBDriver, DriverPostgres)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parkgate.yaml")
	content := []byte("port: \"8080\"\ndb_driver: memory\nfee_rate_per_second: 250\nshutdown_timeout: 10s\nredis_channel: lot-a\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("FEE_RATE_PER_SECOND", "40")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("port = %q, want 8080", cfg.ServerPort)
	}
	if cfg.DBDriver != DriverMemory {
		t.Errorf("driver = %q, want memory", cfg.DBDriver)
	}
	if cfg.FeeRatePerSecond != 40 {
		t.Errorf("env must override file: fee rate = %d", cfg.FeeRatePerSecond)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.RedisChannel != "lot-a" {
		t.Errorf("redis channel = %q", cfg.RedisChannel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.DBDriver = "sqlite" }, true},
		{"negative rate", func(c *Config) { c.FeeRatePerSecond = -1 }, true},
		{"zero rate", func(c *Config) { c.FeeRatePerSecond = 0 }, false},
		{"memory without url", func(c *Config) { c.DBDriver = DriverMemory; c.DatabaseURL = "" }, false},
		{"mysql without url", func(c *Config) { c.DBDriver = DriverMySQL; c.DatabaseURL = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
