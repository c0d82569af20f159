package config

import (
	"time"
)

// PlatformConfig is the root configuration for flotilla. It is assembled
// from defaults, an optional config.yaml and environment variables, in that
// order of precedence.
type PlatformConfig struct {
	// TemplateDirs are the directories scanned for template descriptors.
	// Later entries win on template id conflicts.
	TemplateDirs []string `yaml:"templateDirs"`

	// Backend selects the default deployment backend: docker, kubernetes
	// or mock.
	Backend string `yaml:"backend"`

	Gateway GatewayConfig `yaml:"gateway"`
	Network NetworkConfig `yaml:"network"`
}

// GatewayConfig configures the gateway HTTP surface and its collaborators.
type GatewayConfig struct {
	Host    string `yaml:"host" env:"GATEWAY_HOST"`
	Port    int    `yaml:"port" env:"GATEWAY_PORT"`
	Workers int    `yaml:"workers" env:"GATEWAY_WORKERS"`

	// RegistryFile is the JSON persistence target for the gateway registry.
	RegistryFile string `yaml:"registryFile" env:"GATEWAY_REGISTRY_FILE"`

	// DatabaseURL is recognized for compatibility but a relational registry
	// store is configuration-gated out of scope; a non-empty value is
	// rejected at startup with a pointer to RegistryFile.
	DatabaseURL string `yaml:"databaseURL" env:"GATEWAY_DATABASE_URL"`

	// Auth configures request authentication. An empty mode means open.
	Auth AuthConfig `yaml:"auth"`

	// RequestTimeout bounds the wall clock of a routed request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// MaxRetries bounds forwarding retries per request.
	MaxRetries int `yaml:"maxRetries"`

	// StdioPoolSize is the per-instance stdio session pool size.
	StdioPoolSize int `yaml:"stdioPoolSize"`

	// StdioQueueDepth bounds queued borrowers per stdio pool before 503.
	StdioQueueDepth int `yaml:"stdioQueueDepth"`

	Health HealthConfig `yaml:"health"`
}

// AuthConfig selects the gateway authentication mode.
type AuthConfig struct {
	// Mode is one of "", "jwt", "apikey". Empty disables authentication.
	Mode string `yaml:"mode"`

	// JWTSecret is the HS256 signing secret for bearer tokens.
	JWTSecret string `yaml:"jwtSecret" env:"GATEWAY_JWT_SECRET"`

	// APIKeys lists accepted keys for the X-API-Key header.
	APIKeys []string `yaml:"apiKeys"`
}

// HealthConfig configures the gateway health checker.
type HealthConfig struct {
	CheckInterval           time.Duration `yaml:"checkInterval"`
	ProbeTimeout            time.Duration `yaml:"probeTimeout"`
	MaxConcurrentChecks     int           `yaml:"maxConcurrentChecks"`
	MaxConsecutiveFailures  int           `yaml:"maxConsecutiveFailures"`
	MinConsecutiveSuccesses int           `yaml:"minConsecutiveSuccesses"`
}

// NetworkConfig configures the docker backend's shared network.
type NetworkConfig struct {
	// Name of the shared bridge network.
	Name string `yaml:"name"`

	// Subnet overrides the preferred supernet. Validated to be private and
	// non-overlapping; on violation allocation falls back to scanning.
	Subnet string `yaml:"subnet" env:"MCP_SUBNET"`
}

// Default returns the built-in configuration.
func Default() PlatformConfig {
	return PlatformConfig{
		TemplateDirs: []string{"templates"},
		Backend:      "docker",
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Workers:         1,
			RegistryFile:    "gateway-registry.json",
			RequestTimeout:  60 * time.Second,
			MaxRetries:      3,
			StdioPoolSize:   3,
			StdioQueueDepth: 16,
			Health: HealthConfig{
				CheckInterval:           30 * time.Second,
				ProbeTimeout:            10 * time.Second,
				MaxConcurrentChecks:     10,
				MaxConsecutiveFailures:  3,
				MinConsecutiveSuccesses: 1,
			},
		},
		Network: NetworkConfig{
			Name: "mcp-platform",
		},
	}
}
