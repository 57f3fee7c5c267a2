package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for vaultgate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("vaultgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: VAULTGATE_NODE_LISTEN_ADDR
	viper.SetEnvPrefix("VAULTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a vaultgate config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".vaultgate"),
		"/etc/vaultgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "vaultgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Array-valued keys (peers, permissions.clients) are file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("node.listen_addr")
	_ = viper.BindEnv("node.metrics_addr")
	_ = viper.BindEnv("node.log_level")
	_ = viper.BindEnv("node.identity_seed_file")
	_ = viper.BindEnv("node.address_book_path")

	_ = viper.BindEnv("network.request_timeout")
	_ = viper.BindEnv("network.connection_timeout")
	_ = viper.BindEnv("network.max_established")
	_ = viper.BindEnv("network.max_pending")
	_ = viper.BindEnv("network.max_per_peer")
	_ = viper.BindEnv("network.enable_mdns")
	_ = viper.BindEnv("network.enable_relay")

	_ = viper.BindEnv("permissions.default")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, and validates the result. Callers that override DevMode from CLI
// flags should use LoadConfigRaw instead and finish initialization
// themselves.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// not apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: continue with environment variables only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or empty
// when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
