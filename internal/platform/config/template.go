package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Example returns a starter configuration with one two-arm scheme.
func Example() Config {
	cfg := Defaults()
	cfg.Sites.Static = []SiteConfig{{Name: "SiteA", ID: "10"}, {Name: "SiteB", ID: "20"}}
	cfg.Health.SecureDir = "/etc/trialrand/lists"
	cfg.Schemes = []SchemeConfig{{
		Name:   "main",
		Source: "/etc/trialrand/lists/main.csv",
		Arms: []ArmConfig{
			{Assignment: "active", Description: "Active treatment", Ratio: 1},
			{Assignment: "placebo", Description: "Placebo", Ratio: 1},
		},
		Total:  100,
		Sites:  []SiteRowsConfig{{Name: "SiteA", Rows: 50}, {Name: "SiteB", Rows: 50}},
		Strict: true,
	}}
	return cfg
}

// WriteExample writes Example() as YAML with a freshly generated token key.
// An existing file is left alone.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	cfg := Example()
	key, err := GenerateSigningKey()
	if err != nil {
		return err
	}
	cfg.Server.JWTSigningKey = key
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, out, 0o600)
}
