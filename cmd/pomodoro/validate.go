package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/config"
	"github.com/goodtune/pomodoro/internal/credential"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the Pomodoro configuration file for syntax and semantic errors and
issue a test credential with the configured private key.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration as YAML with modified values highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = red.Fprintf(cmd.ErrOrStderr(), "Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not check for unknown keys: %v\n", err)
	}

	_, _ = green.Fprintf(out, "Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		_, _ = red.Fprintf(out, "\nWARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// Issue a throwaway credential to prove the key matches the algorithm
	issuer, err := credential.NewIssuer(credential.Config{
		Audience:       cfg.Device.ProjectID,
		PrivateKeyFile: cfg.Credential.PrivateKeyFile,
		Algorithm:      cfg.Credential.Algorithm,
		RefreshWindow:  config.ParseDuration(cfg.Credential.RefreshWindow, credential.DefaultRefreshWindow),
	}, clock.Real{}, zerolog.Nop())
	if err != nil {
		return err
	}
	cred, err := issuer.Issue()
	if err != nil {
		_, _ = red.Fprintf(cmd.ErrOrStderr(), "Credential check failed: %v\n", err)
		return err
	}
	_, _ = green.Fprintf(out, "Credential issued for %s (%s, valid %s)\n",
		cfg.Device.ClientID(), cfg.Credential.Algorithm, cred.Lifetime())

	if validateDump {
		return dumpConfig(out, configPath)
	}
	return nil
}

// settings returns defaults merged with the config file
func settings(path string) (*viper.Viper, error) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return v, nil
}

// findUnknownKeys loads the config file and checks for keys with no default
func findUnknownKeys(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	defaults := viper.New()
	config.SetDefaults(defaults)
	valid := make(map[string]bool)
	for _, key := range defaults.AllKeys() {
		valid[key] = true
	}
	// Keys without a default
	valid["storage.redis.password"] = true

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// dumpConfig prints the effective configuration as YAML followed by the
// values that differ from the defaults
func dumpConfig(w io.Writer, path string) error {
	v, err := settings(path)
	if err != nil {
		return err
	}

	all := v.AllSettings()
	if store, ok := all["storage"].(map[string]any); ok {
		if r, ok := store["redis"].(map[string]any); ok {
			if pw, ok := r["password"].(string); ok {
				r["password"] = redactPassword(pw)
			}
		}
	}

	data, err := yaml.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	_, _ = cyan.Fprintln(w, "EFFECTIVE CONFIGURATION")
	_, _ = fmt.Fprintln(w, strings.Repeat("=", 80))
	_, _ = w.Write(data)

	defaults := viper.New()
	config.SetDefaults(defaults)

	keys := v.AllKeys()
	sort.Strings(keys)
	var modified []string
	for _, key := range keys {
		if fmt.Sprint(v.Get(key)) != fmt.Sprint(defaults.Get(key)) {
			modified = append(modified, key)
		}
	}

	if len(modified) > 0 {
		_, _ = cyan.Fprintln(w, "\n[modified from default]")
		for _, key := range modified {
			value := v.Get(key)
			if key == "storage.redis.password" {
				value = redactPassword(fmt.Sprint(value))
			}
			_, _ = yellow.Fprintf(w, "  %s = %v  (default: %v)\n", key, value, defaults.Get(key))
		}
	}

	_, _ = fmt.Fprintln(w, strings.Repeat("=", 80))
	return nil
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
