// Package config loads the engine's configuration from YAML plus ARBSTR_*
// environment overrides via viper, and wires fsnotify-driven hot reload for
// the provider/policy tables (spec.md §3's Provider/Policy and candidate
// selection). The load/reload plumbing is grounded on the teacher's
// config.Load: same viper setup, same env prefix pattern, same debounced
// fsnotify callback.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/domain"
	"github.com/johnzilla/arbstr/internal/secret"
	"github.com/johnzilla/arbstr/internal/util"
)

const (
	DefaultPort = 8080
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults; providers
// must still be supplied by the user, there is no sane default upstream.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    constants.DefaultTotalDeadline + 30*time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLimits: ServerRequestLimits{
				MaxBodySize: 10 << 20,
			},
			RateLimits: ServerRateLimits{
				PerIPRequestsPerMinute:  0, // disabled by default
				BurstSize:               10,
				HealthRequestsPerMinute: 120,
				CleanupInterval:         10 * time.Minute,
			},
		},
		Proxy: ProxyConfig{
			ConnectionTimeout:     10 * time.Second,
			TotalDeadline:         constants.DefaultTotalDeadline,
			MaxRetriesPerProvider: constants.DefaultMaxRetriesPerProvider,
			RetryBackoff:          constants.DefaultBackoffSchedule,
			FailureThreshold:      constants.DefaultFailureThreshold,
			OpenDuration:          constants.DefaultOpenDuration,
			EmitCostEvent:         false,
		},
		Store: StoreConfig{
			Path: "./arbstr.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			FileOutput: false,
			PrettyLogs: true,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Policies: map[string]PolicyConfig{
			"default": {InputRatio: 1.0, OutputRatio: 1.0},
		},
	}
}

// Load loads configuration from file and ARBSTR_* environment variables,
// and installs onConfigChange (if non-nil) to be called after every
// debounced file write.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("ARBSTR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("ARBSTR_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			// On some platforms the write event fires before the file is
			// fully flushed to disk.
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}

	return cfg, nil
}

// ProviderDomain converts the YAML provider list into domain.Provider values,
// wrapping each API key in secret.String so it is never logged or
// marshalled in the clear (spec.md §7).
func (c *Config) ProviderDomain() []*domain.Provider {
	out := make([]*domain.Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		models := make(map[string]domain.ModelPolicy, len(pc.Models))
		for name, mc := range pc.Models {
			models[name] = domain.ModelPolicy{Policies: mc.Policies}
		}
		out = append(out, &domain.Provider{
			APIKey:     secret.New(pc.APIKey),
			Name:       pc.Name,
			BaseURL:    pc.BaseURL,
			Models:     models,
			InputRate:  pc.InputRate,
			OutputRate: pc.OutputRate,
			BaseFee:    pc.BaseFee,
		})
	}
	return out
}

// TrustedCIDRNets parses Server.TrustedCIDRs for GetClientIP's proxy-header
// trust check.
func (c *Config) TrustedCIDRNets() ([]*net.IPNet, error) {
	return util.ParseTrustedCIDRs(c.Server.TrustedCIDRs)
}

// PolicyDomain converts the YAML policy table into a domain.PolicyTable.
func (c *Config) PolicyDomain() domain.PolicyTable {
	out := make(domain.PolicyTable, len(c.Policies))
	for name, pc := range c.Policies {
		var allow map[string]struct{}
		if len(pc.AllowModels) > 0 {
			allow = make(map[string]struct{}, len(pc.AllowModels))
			for _, m := range pc.AllowModels {
				allow[m] = struct{}{}
			}
		}
		inRatio, outRatio := pc.InputRatio, pc.OutputRatio
		if inRatio == 0 {
			inRatio = domain.DefaultInputRatio
		}
		if outRatio == 0 {
			outRatio = domain.DefaultOutputRatio
		}
		out[name] = domain.Policy{
			Name:        name,
			InputRatio:  inRatio,
			OutputRatio: outRatio,
			AllowModels: allow,
		}
	}
	return out
}
