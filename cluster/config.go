package cluster

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the on-disk shape of an exchange configuration. Durations
// are expressed in milliseconds.
type FileConfig struct {
	Tag            int `toml:"tag"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	TimeoutMS      int `toml:"timeout_ms"`
}

// LoadConfig reads a TOML exchange configuration from path. Fields left
// unset fall back to the Open defaults; loggers and metric hooks are wired
// in code, not from the file.
func LoadConfig(path string) (Config, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("cluster: load config %s: %w", path, err)
	}
	return fc.Config()
}

// Config converts the file representation into a runtime Config.
func (fc FileConfig) Config() (Config, error) {
	if fc.PollIntervalMS < 0 {
		return Config{}, fmt.Errorf("cluster: poll_interval_ms must not be negative, got %d", fc.PollIntervalMS)
	}
	if fc.TimeoutMS < 0 {
		return Config{}, fmt.Errorf("cluster: timeout_ms must not be negative, got %d", fc.TimeoutMS)
	}
	return Config{
		Tag:          fc.Tag,
		PollInterval: time.Duration(fc.PollIntervalMS) * time.Millisecond,
		Timeout:      time.Duration(fc.TimeoutMS) * time.Millisecond,
	}, nil
}
