package config

import (
	"fmt"

	"thermobridge/internal/sched"
)

// Config is the root of the daemon configuration. Accepted as YAML or
// JSON; unknown fields are rejected.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Obs       ObsConfig        `json:"obs,omitempty"`
	Endpoints []EndpointConfig `json:"endpoints"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ObsConfig controls the local diagnostics HTTP server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ObsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8799"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// EndpointConfig describes one managed appliance endpoint.
//
// Paths maps an operation kind name ("state", "errors", "metering",
// "features", "command") to the URL path fetched for it.
type EndpointConfig struct {
	Name    string            `json:"name"`
	BaseURL string            `json:"base_url"`
	Timeout string            `json:"timeout,omitempty"` // per-request HTTP timeout
	Paths   map[string]string `json:"paths"`
	Groups  []GroupConfig     `json:"groups"`
}

// GroupConfig describes one refresh group (a batch coordinator): which
// kinds it refreshes and how often.
type GroupConfig struct {
	Name     string   `json:"name"`
	Interval string   `json:"interval"`
	Kinds    []string `json:"kinds"`
}

// Validate checks cross-field consistency: unique endpoint and group
// names, resolvable kind names, and groups whose kinds all have paths.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("endpoints: at least one endpoint required")
	}
	seen := map[string]bool{}
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d]: name required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("endpoints[%d]: duplicate name %q", i, ep.Name)
		}
		seen[ep.Name] = true
		if ep.BaseURL == "" {
			return fmt.Errorf("endpoints[%s]: base_url required", ep.Name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("endpoints[%s].timeout", ep.Name), ep.Timeout); err != nil {
			return err
		}

		paths := map[sched.Kind]bool{}
		for ks := range ep.Paths {
			k, err := sched.ParseKind(ks)
			if err != nil {
				return fmt.Errorf("endpoints[%s].paths: %w", ep.Name, err)
			}
			paths[k] = true
		}

		groups := map[string]bool{}
		for j, g := range ep.Groups {
			if g.Name == "" {
				return fmt.Errorf("endpoints[%s].groups[%d]: name required", ep.Name, j)
			}
			if groups[g.Name] {
				return fmt.Errorf("endpoints[%s].groups[%d]: duplicate name %q", ep.Name, j, g.Name)
			}
			groups[g.Name] = true
			d, err := ParseDurationField(fmt.Sprintf("endpoints[%s].groups[%s].interval", ep.Name, g.Name), g.Interval)
			if err != nil {
				return err
			}
			if d <= 0 {
				return fmt.Errorf("endpoints[%s].groups[%s]: interval required", ep.Name, g.Name)
			}
			if len(g.Kinds) == 0 {
				return fmt.Errorf("endpoints[%s].groups[%s]: at least one kind required", ep.Name, g.Name)
			}
			for _, ks := range g.Kinds {
				k, err := sched.ParseKind(ks)
				if err != nil {
					return fmt.Errorf("endpoints[%s].groups[%s]: %w", ep.Name, g.Name, err)
				}
				if !paths[k] {
					return fmt.Errorf("endpoints[%s].groups[%s]: kind %q has no path configured", ep.Name, g.Name, ks)
				}
			}
		}
	}
	return nil
}
