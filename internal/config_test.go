package internal

import (
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate_PortRange(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.App.HTTP.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range port")
	}

	cfg.App.HTTP.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("port 0 disables the server, must validate: %v", err)
	}
	if cfg.App.HTTP.Enabled() {
		t.Error("port 0 must report disabled")
	}
}

func TestConfigValidate_RequiredPaths(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Extract.SpoolDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty spool dir")
	}

	cfg = NewDefaultConfig()
	cfg.Extract.OutputPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty output path")
	}

	cfg = NewDefaultConfig()
	cfg.SQLite.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty sqlite path")
	}
}

func TestConfigValidate_AuthModes(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	if err := cfg.Validate(); err == nil {
		t.Error("token mode without token must fail")
	}

	cfg.Auth.Token = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("token mode with token: %v", err)
	}
	if !cfg.Auth.AuthEnabled() {
		t.Error("AuthEnabled() = false in token mode")
	}

	cfg = NewDefaultConfig()
	cfg.Auth.Mode = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty mode normalises to disabled: %v", err)
	}
	if cfg.Auth.Mode != AuthModeDisabled {
		t.Errorf("mode = %q after validation", cfg.Auth.Mode)
	}

	cfg.Auth.Mode = "basic"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown auth mode must fail")
	}
}

func TestExtractConfig_EffectiveWorkers(t *testing.T) {
	c := ExtractConfig{Workers: 4}
	if c.EffectiveWorkers() != 4 {
		t.Errorf("EffectiveWorkers() = %d, want 4", c.EffectiveWorkers())
	}
	c.Workers = 0
	if c.EffectiveWorkers() < 1 {
		t.Errorf("EffectiveWorkers() = %d, want core count", c.EffectiveWorkers())
	}

	c = ExtractConfig{Workers: -1, SpoolDir: "./spool", OutputPath: "./out.txt"}
	if err := c.Validate(); err == nil {
		t.Error("negative workers must fail validation")
	}
}
