// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blacktop/keydive/pkg/hook"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type extract struct {
	UDID    string `mapstructure:"udid"`
	Profile string `mapstructure:"profile"`
	Symbols string `mapstructure:"symbols"`
	Library string `mapstructure:"library"`
	Partial bool   `mapstructure:"partial"`
	Strict  bool   `mapstructure:"strict"`
	// Force is the deprecated combination of Profile (registry default) and Partial.
	Force    bool   `mapstructure:"force"`
	Output   string `mapstructure:"output"`
	Profiles string `mapstructure:"profiles"`
}

type session struct {
	AttachTimeout time.Duration `mapstructure:"attach-timeout"`
	AttachRetries int           `mapstructure:"attach-retries"`
	RetryDelay    time.Duration `mapstructure:"retry-delay"`
	Buffer        int           `mapstructure:"buffer"`
}

type resolver struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type capture struct {
	Window time.Duration `mapstructure:"window"`
}

type cache struct {
	Path string `mapstructure:"path"`
	Size int    `mapstructure:"size"`
}

// Config is the configuration struct
type Config struct {
	Extract  extract  `mapstructure:"extract"`
	Session  session  `mapstructure:"session"`
	Resolver resolver `mapstructure:"resolver"`
	Capture  capture  `mapstructure:"capture"`
	Cache    cache    `mapstructure:"cache"`
}

func (c *Config) verify() error {
	def := hook.DefaultOptions()
	if c.Session.AttachTimeout == 0 {
		c.Session.AttachTimeout = def.AttachTimeout
	}
	if c.Session.AttachRetries == 0 {
		c.Session.AttachRetries = def.AttachRetries
	}
	if c.Session.RetryDelay == 0 {
		c.Session.RetryDelay = def.RetryDelay
	}
	if c.Session.Buffer == 0 {
		c.Session.Buffer = def.Buffer
	}
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = 30 * time.Second
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 4096
	}
	if c.Cache.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %v", err)
		}
		c.Cache.Path = filepath.Join(home, ".config", "keydive", "offsets.yaml")
	}

	if c.Extract.Force {
		c.Extract.Partial = true
	}

	switch {
	case c.Extract.Strict && c.Extract.Partial:
		return fmt.Errorf("strict and partial cannot be set at the same time")
	case c.Session.AttachTimeout < 0 || c.Session.RetryDelay < 0 || c.Resolver.Timeout < 0 || c.Capture.Window < 0:
		return fmt.Errorf("durations must not be negative")
	case c.Session.AttachRetries < 0 || c.Session.Buffer < 0 || c.Cache.Size < 0:
		return fmt.Errorf("counts must not be negative")
	}

	return nil
}

// HookOptions returns the session options the config describes.
func (c *Config) HookOptions() hook.Options {
	return hook.Options{
		Strict:        c.Extract.Strict,
		AttachTimeout: c.Session.AttachTimeout,
		AttachRetries: c.Session.AttachRetries,
		RetryDelay:    c.Session.RetryDelay,
		Buffer:        c.Session.Buffer,
	}
}

// Load unmarshals and verifies the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config

	if err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return &c, nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}
