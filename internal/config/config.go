// Package config provides mcpd's bootstrap configuration: which dispatch
// policy to run, where the registry file lives, and log verbosity. It
// intentionally excludes everything the gateway has no concept of:
//
//   - NO authentication or identity config
//   - NO policy/rule engine config
//   - NO HTTP listener config (stdio only)
//   - NO audit/session persistence config
package config

// PolicyName selects one of the two dispatch policies this spec names.
type PolicyName string

const (
	PolicyFlat PolicyName = "flat"
	PolicyMeta PolicyName = "meta"
)

// Config is mcpd's top-level configuration.
type Config struct {
	// Policy selects the virtual tool namespace shape: "flat" (Policy A,
	// prefixed tool names) or "meta" (Policy B, list_tools/use_tool).
	Policy PolicyName `yaml:"policy" mapstructure:"policy"`

	// RegistryPath overrides the default registry file location
	// (~/.config/mcpd/registry.json).
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`

	// LogLevel controls log/slog verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SetDefaults fills in zero-valued fields with mcpd's defaults.
func (c *Config) SetDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyMeta
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects a Config with an unrecognized policy name.
func (c *Config) Validate() error {
	switch c.Policy {
	case PolicyFlat, PolicyMeta:
	default:
		return &InvalidPolicyError{Got: c.Policy}
	}
	return nil
}

// InvalidPolicyError reports an unrecognized Policy value.
type InvalidPolicyError struct {
	Got PolicyName
}

func (e *InvalidPolicyError) Error() string {
	return "config: invalid policy " + string(e.Got) + `: want "flat" or "meta"`
}
