package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/timegate/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the timegate configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	_, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	fmt.Printf("✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Println()
		red.Printf("⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Printf("   - %s\n", key)
		}
		fmt.Println("\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Usage tracking
		"usage_tracking.resolver_cache_size": true,

		// Shield
		"shield.request_staleness":      true,
		"shield.default_extend_minutes": true,

		// Scheduler
		"scheduler.poll_interval":  true,
		"scheduler.sweep_interval": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.port":         true,
		"metrics.bind_address": true,
	}
}
