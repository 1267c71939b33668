package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is one named set of connection settings.
type Profile struct {
	Host   string `yaml:"host,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Team   int64  `yaml:"team,omitempty"`
	Output string `yaml:"output,omitempty"`
}

// UserConfig is the on-disk CLI configuration.
type UserConfig struct {
	CurrentProfile string              `yaml:"current-profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
}

// ConfigDir returns the directory holding the CLI configuration.
func ConfigDir() (string, error) {
	if dir := os.Getenv("DUCK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".duck-analytics"), nil
}

// ConfigPath returns the path of the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadUserConfig reads the configuration file. A missing file yields an
// empty configuration with a "default" profile selected.
func LoadUserConfig() (*UserConfig, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	cfg := &UserConfig{CurrentProfile: "default", Profiles: map[string]*Profile{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]*Profile{}
	}
	if cfg.CurrentProfile == "" {
		cfg.CurrentProfile = "default"
	}
	return cfg, nil
}

// SaveUserConfig writes cfg with owner-only permissions since profiles hold
// tokens.
func SaveUserConfig(cfg *UserConfig) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Profile returns the named profile, or the current one when name is empty.
func (c *UserConfig) Profile(name string) *Profile {
	if name == "" {
		name = c.CurrentProfile
	}
	if p, ok := c.Profiles[name]; ok && p != nil {
		return p
	}
	return &Profile{}
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
