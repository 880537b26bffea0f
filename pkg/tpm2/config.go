package tpm2

import (
	"math"

	"gopkg.in/yaml.v2"
)

const (
	DefaultDevice         = "/dev/tpmrm0"
	DefaultSimulatorSeed  = 1234567890
	DefaultMaxRandomChunk = 32
)

type Config struct {
	Device         string `yaml:"device" json:"device" mapstructure:"device"`
	UseSimulator   bool   `yaml:"simulator" json:"simulator" mapstructure:"simulator"`
	SimulatorSeed  int64  `yaml:"simulator-seed" json:"simulator_seed" mapstructure:"simulator-seed"`
	EncryptSession bool   `yaml:"encrypt-sessions" json:"encrypt_sessions" mapstructure:"encrypt-sessions"`
	SaltSession    bool   `yaml:"salt-sessions" json:"salt_sessions" mapstructure:"salt-sessions"`
	MaxRandomChunk int    `yaml:"max-random-chunk" json:"max_random_chunk" mapstructure:"max-random-chunk"`
	SRKAuth        string `yaml:"srk-auth" json:"srk_auth" mapstructure:"srk-auth"`
	DebugSecrets   bool   `yaml:"debug-secrets" json:"debug_secrets" mapstructure:"debug-secrets"`
}

// DefaultConfig returns a configuration for the kernel resource manager.
func DefaultConfig() *Config {
	return &Config{
		Device:         DefaultDevice,
		SimulatorSeed:  DefaultSimulatorSeed,
		MaxRandomChunk: DefaultMaxRandomChunk,
	}
}

// applyDefaults fills unset fields with their defaults. The random chunk
// is capped to the 16 bit size field of TPM2_GetRandom.
func (c *Config) applyDefaults() {
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.SimulatorSeed == 0 {
		c.SimulatorSeed = DefaultSimulatorSeed
	}
	if c.MaxRandomChunk <= 0 {
		c.MaxRandomChunk = DefaultMaxRandomChunk
	}
	if c.MaxRandomChunk > math.MaxUint16 {
		c.MaxRandomChunk = math.MaxUint16
	}
}

// String renders the configuration as YAML, masking the SRK password
// unless secrets debugging is enabled.
func (c Config) String() string {
	if !c.DebugSecrets && c.SRKAuth != "" {
		c.SRKAuth = "********"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
