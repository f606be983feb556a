package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaysync/internal/replsession"
)

// fileConfig is the YAML shape of a relaysync config file. Flags override
// file values, file values override defaults.
type fileConfig struct {
	Target        string         `yaml:"target"`
	StorePath     string         `yaml:"store"`
	CheckpointDSN string         `yaml:"checkpoints"`
	Push          string         `yaml:"push"`
	Pull          string         `yaml:"pull"`
	DocIDs        []string       `yaml:"docIds"`
	Properties    map[string]any `yaml:"properties"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays non-empty flag values onto the file config.
func (c *fileConfig) merge(flags fileConfig) {
	if flags.Target != "" {
		c.Target = flags.Target
	}
	if flags.StorePath != "" {
		c.StorePath = flags.StorePath
	}
	if flags.CheckpointDSN != "" {
		c.CheckpointDSN = flags.CheckpointDSN
	}
	if flags.Push != "" {
		c.Push = flags.Push
	}
	if flags.Pull != "" {
		c.Pull = flags.Pull
	}
	if len(flags.DocIDs) > 0 {
		c.DocIDs = flags.DocIDs
	}
}

func (c *fileConfig) validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return fmt.Errorf("target URL is required")
	}
	if strings.TrimSpace(c.CheckpointDSN) == "" {
		c.CheckpointDSN = "memory://"
	}
	return nil
}

func (c *fileConfig) sessionOptions() (replsession.Options, error) {
	push, err := replsession.ParseMode(c.Push)
	if err != nil {
		return replsession.Options{}, err
	}
	pull, err := replsession.ParseMode(c.Pull)
	if err != nil {
		return replsession.Options{}, err
	}
	if push == replsession.ModeOff && pull == replsession.ModeOff {
		push = replsession.ModeOneShot
	}
	return replsession.Options{
		Push:       push,
		Pull:       pull,
		DocIDs:     c.DocIDs,
		Properties: c.Properties,
	}, nil
}
