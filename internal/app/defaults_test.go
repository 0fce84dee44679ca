package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("ZAJEL_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("ZAJEL_HOME", "/custom/zajel")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/zajel" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/zajel")
		}
		if defaults["log_dir"] != "/custom/zajel/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/zajel/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("ZAJEL_CONFIG_PATH", "")
		t.Setenv("ZAJEL_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "zajel.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "zajel")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}

		wantLog := filepath.Join(wantBase, "log")
		if defaults["log_dir"] != wantLog {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], wantLog)
		}
	})
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
			t.Fatalf("loadDotEnv() error = %v", err)
		}
	})

	t.Run("sets unset variables only", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		content := "ZAJEL_HOME=/from/dotenv\nZAJEL_CONFIG_PATH=/from/dotenv.toml\n"
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("ZAJEL_HOME", "")
		os.Unsetenv("ZAJEL_HOME")
		t.Setenv("ZAJEL_CONFIG_PATH", "/from/env.toml")

		if err := loadDotEnv(path); err != nil {
			t.Fatalf("loadDotEnv() error = %v", err)
		}
		if got := os.Getenv("ZAJEL_HOME"); got != "/from/dotenv" {
			t.Errorf("ZAJEL_HOME = %q, want %q", got, "/from/dotenv")
		}
		if got := os.Getenv("ZAJEL_CONFIG_PATH"); got != "/from/env.toml" {
			t.Errorf("ZAJEL_CONFIG_PATH = %q, want %q", got, "/from/env.toml")
		}
	})
}
