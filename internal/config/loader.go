package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for svmp-proxy.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself,
// which shares the base name, is never picked up.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, which callers tolerate.
		viper.SetConfigName("svmp-proxy")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SVMP_PROXY_SERVER_PORT
	viper.SetEnvPrefix("SVMP_PROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a config file with an
// explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".svmp-proxy"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "svmp-proxy"))
		}
	} else {
		paths = append(paths, "/etc/svmp-proxy")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for svmp-proxy.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "svmp-proxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// Example: SVMP_PROXY_AUTH_MODE overrides auth.mode
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.listen",
		"server.port",
		"server.vm_port",
		"server.log_level",
		"server.vm_socket_timeout",
		"server.vm_dial_timeout",
		"server.pid_file",
		"server.websocket.enabled",
		"server.websocket.addr",

		"tls.enabled",
		"tls.certificate",
		"tls.private_key",
		"tls.private_key_pass",
		"tls.ca_cert",

		"auth.mode",
		"auth.cert_field",
		"auth.external.command",
		"auth.external.timeout",
		"auth.rate_limit.enabled",
		"auth.rate_limit.rate",
		"auth.rate_limit.burst",

		"sessions.max_length",
		"sessions.token_ttl",
		"sessions.check_interval",

		"vms.provider",
		"vms.idle_ttl",
		"vms.check_interval",
		"vms.defaults.flavor",
		"vms.defaults.gold_snapshot_id",
		"vms.docker.host",
		"vms.docker.network",

		"storage.driver",
		"storage.path",

		"admin.enabled",
		"admin.addr",

		"telemetry.enabled",

		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
	// Lists and maps (ice servers, images, flavors) come from the config file.
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated ProxyConfig.
func LoadConfig() (*ProxyConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override fields before validation.
func LoadConfigRaw() (*ProxyConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg ProxyConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// Finalize applies dev defaults, expands paths and validates.
func (c *ProxyConfig) Finalize() error {
	c.SetDevDefaults()
	if err := c.ExpandPaths(); err != nil {
		return fmt.Errorf("expand paths: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
