// Package config provides configuration loading for the TCE node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/topos-protocol/tce-node/internal/topos"
)

// DefaultCommandChannelSize is the default depth of the engine's event
// channel (Config.CommandChannelSize is threaded into
// engine.Config.EventBufferSize). The API runtime's per-stream outbound
// queues and the gossip subscriptions have their own fixed sizes.
const DefaultCommandChannelSize = 2048

// commandChannelSizeEnvVar is read once at startup to override
// DefaultCommandChannelSize; see spec §6, §9.
const commandChannelSizeEnvVar = "TOPOS_API_COMMAND_CHANNEL_SIZE"

// Config holds all recognised configuration for the TCE node (spec §6).
type Config struct {
	SubnetID               string        `mapstructure:"subnet-id"`
	SubnetJSONRPCHTTP      string        `mapstructure:"subnet-jsonrpc-http"`
	SubnetJSONRPCWS        string        `mapstructure:"subnet-jsonrpc-ws"`
	SubnetContractAddress  string        `mapstructure:"subnet-contract-address"`
	TCEGRPCEndpoint        string        `mapstructure:"tce-grpc-endpoint"`
	StartBlock             uint64        `mapstructure:"start-block"`
	StoragePath            string        `mapstructure:"storage-path"`
	MetricsAddr            string        `mapstructure:"metrics-addr"`
	ValidatorSetSize       int           `mapstructure:"validator-set-size"`
	IsValidator            bool          `mapstructure:"is-validator"`
	ValidatorID            string        `mapstructure:"validator-id"`
	BroadcastIdleTimeout   time.Duration `mapstructure:"broadcast-idle-timeout"`
	BackoffMaxElapsed      time.Duration `mapstructure:"backoff-max-elapsed"`
	CommandChannelSize     int           `mapstructure:"-"`
}

// ResolvedSubnetID resolves the configured subnet id, returning an error if
// it is unset or malformed. An empty value means auto-discovery from the
// subnet RPC, which is out of this module's scope (spec §1 Non-goals); the
// caller must supply one explicitly in that case.
func (c Config) ResolvedSubnetID() (topos.SubnetId, error) {
	if c.SubnetID == "" {
		return topos.SubnetId{}, fmt.Errorf("config: subnet-id is required (auto-discovery via subnet RPC is out of scope)")
	}
	return topos.SubnetIdFromHex(c.SubnetID)
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/topos")

	v.SetEnvPrefix("TOPOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.CommandChannelSize = commandChannelSize()

	return &cfg, nil
}

// commandChannelSize reads the TOPOS_API_COMMAND_CHANNEL_SIZE env var once.
// It is process-wide, immutable configuration, not a mutable singleton
// (spec §9's "Global state" design note): Load is expected to be called
// exactly once at startup and the resulting Config threaded everywhere.
func commandChannelSize() int {
	s, ok := os.LookupEnv(commandChannelSizeEnvVar)
	if !ok {
		return DefaultCommandChannelSize
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultCommandChannelSize
	}
	return n
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tce-grpc-endpoint", "0.0.0.0:1340")
	v.SetDefault("storage-path", "./data")
	v.SetDefault("metrics-addr", "0.0.0.0:9090")
	v.SetDefault("validator-set-size", 4)
	v.SetDefault("is-validator", true)
	v.SetDefault("validator-id", "")
	v.SetDefault("broadcast-idle-timeout", "30s")
	v.SetDefault("backoff-max-elapsed", "15m")
}
