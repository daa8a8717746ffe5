// Package secretstore resolves secret:// references, such as the code-signing
// passphrase, against the environment, a local secrets file or Vault.
package secretstore

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// Config describes the configured secret providers.
type Config struct {
	DefaultProvider string                    `yaml:"defaultProvider,omitempty" json:"defaultProvider,omitempty"`
	Providers       map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// ProviderConfig holds the settings of one provider. Only the fields relevant
// to its Type are read.
type ProviderConfig struct {
	// Type is one of env, file or vault.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
	// Prefix is prepended to variable names by env providers.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	// Path is the YAML secrets file read by file providers.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	Address   string `yaml:"address,omitempty" json:"address,omitempty"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Mount     string `yaml:"mount,omitempty" json:"mount,omitempty"`
	KVVersion int    `yaml:"kvVersion,omitempty" json:"kvVersion,omitempty"`
	Key       string `yaml:"key,omitempty" json:"key,omitempty"`

	AuthMethod     string `yaml:"authMethod,omitempty" json:"authMethod,omitempty"`
	AuthMount      string `yaml:"authMount,omitempty" json:"authMount,omitempty"`
	RoleID         string `yaml:"roleId,omitempty" json:"roleId,omitempty"`
	SecretID       string `yaml:"secretId,omitempty" json:"secretId,omitempty"`
	AWSRole        string `yaml:"awsRole,omitempty" json:"awsRole,omitempty"`
	AWSRegion      string `yaml:"awsRegion,omitempty" json:"awsRegion,omitempty"`
	AWSHeaderValue string `yaml:"awsHeaderValue,omitempty" json:"awsHeaderValue,omitempty"`
}

// Empty reports whether no providers or default are configured.
func (c Config) Empty() bool {
	return c.DefaultProvider == "" && len(c.Providers) == 0
}

// Merge overlays b on a. Providers with the same name are replaced whole.
func Merge(a, b Config) Config {
	out := Config{DefaultProvider: a.DefaultProvider}
	if b.DefaultProvider != "" {
		out.DefaultProvider = b.DefaultProvider
	}
	if len(a.Providers)+len(b.Providers) > 0 {
		out.Providers = make(map[string]ProviderConfig, len(a.Providers)+len(b.Providers))
		for name, p := range a.Providers {
			out.Providers[name] = p
		}
		for name, p := range b.Providers {
			out.Providers[name] = p
		}
	}
	return out
}

// LoadFile reads a standalone provider config. The document may either be the
// config itself or carry it under a top-level "secrets" key.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return Config{}, nil
	}
	var wrapper struct {
		Secrets *Config `json:"secrets"`
	}
	if err := yaml.Unmarshal(raw, &wrapper); err != nil {
		return Config{}, fmt.Errorf("parse secrets config %s: %w", path, err)
	}
	if wrapper.Secrets != nil {
		return *wrapper.Secrets, nil
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse secrets config %s: %w", path, err)
	}
	return cfg, nil
}
