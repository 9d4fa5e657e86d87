package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"gopkg.in/yaml.v3"
)

// environmentConfig is one named environment in a config file. Every field
// acts as a default: values given on the command line or via KRUMP_* win.
type environmentConfig struct {
	Brokers         []string `json:"brokers" yaml:"brokers"`
	Topic           string   `json:"topic" yaml:"topic"`
	Gateway         string   `json:"gateway" yaml:"gateway"`
	GatewayUser     string   `json:"gateway-user" yaml:"gateway-user"`
	GatewayHostname string   `json:"gateway-hostname" yaml:"gateway-hostname"`
	IdentityFile    string   `json:"identity-file" yaml:"identity-file"`
	Auth            string   `json:"auth" yaml:"auth"`
	ProtocolVersion string   `json:"protocol-version" yaml:"protocol-version"`
}

type configFile struct {
	Environments map[string]environmentConfig `json:"environments" yaml:"environments"`
}

// readConfigFile loads a config file, picking the decoder by extension:
// .yaml/.yml is YAML, everything else JSON.
func readConfigFile(fn string) (*configFile, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file err=%v", err)
	}

	var cfg configFile
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file %s err=%v", fn, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file %s err=%v", fn, err)
		}
	}

	for name, env := range cfg.Environments {
		qualifyPath(fn, &env.IdentityFile)
		qualifyPath(fn, &env.Auth)
		cfg.Environments[name] = env
	}
	return &cfg, nil
}

// environment selects the named environment. An empty name is allowed only
// when the file defines exactly one.
func (c *configFile) environment(name string) (environmentConfig, error) {
	if len(c.Environments) == 0 {
		return environmentConfig{}, fmt.Errorf("config file defines no environments")
	}
	if name == "" {
		if len(c.Environments) == 1 {
			for _, env := range c.Environments {
				return env, nil
			}
		}
		return environmentConfig{}, fmt.Errorf("config file defines environments %v, select one with -environment", c.names())
	}
	env, ok := c.Environments[name]
	if !ok {
		return environmentConfig{}, fmt.Errorf("environment %q not found in config file, have %v", name, c.names())
	}
	return env, nil
}

func (c *configFile) names() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// apply copies environment values into unset command fields.
func (env environmentConfig) apply(cmd *consumeCmd) {
	if len(cmd.Brokers) == 0 && len(env.Brokers) > 0 {
		cmd.Brokers = append([]string(nil), env.Brokers...)
	}
	if cmd.Topic == "" {
		cmd.Topic = env.Topic
	}
	if cmd.Gateway == "" {
		cmd.Gateway = env.Gateway
	}
	if cmd.GatewayUser == "" {
		cmd.GatewayUser = env.GatewayUser
	}
	if cmd.GatewayHostname == "" {
		cmd.GatewayHostname = env.GatewayHostname
	}
	if cmd.IdentityFile == "" {
		cmd.IdentityFile = env.IdentityFile
	}
	if cmd.Auth == "" {
		cmd.Auth = env.Auth
	}
	if cmd.ProtocolVersion == "" {
		cmd.ProtocolVersion = env.ProtocolVersion
	}
}
