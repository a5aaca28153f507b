package config

// Package config provides a reusable loader for Pyrsia node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/pyrsia/pyrsia-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Pyrsia node.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		IdentityPath   string   `mapstructure:"identity_path" json:"identity_path"`
		IsAuthority    bool     `mapstructure:"is_authority" json:"is_authority"`
	} `mapstructure:"network" json:"network"`

	Store struct {
		Root           string `mapstructure:"root" json:"root"`
		FreeSpaceFloor int64  `mapstructure:"free_space_floor" json:"free_space_floor"`
	} `mapstructure:"store" json:"store"`

	TransparencyLog struct {
		Dir string `mapstructure:"dir" json:"dir"`
	} `mapstructure:"transparency_log" json:"transparency_log"`

	Blockchain struct {
		ChainFile          string `mapstructure:"chain_file" json:"chain_file"`
		AuthorityKeysFile  string `mapstructure:"authority_keys_file" json:"authority_keys_file"`
		BlockIntervalMS    int    `mapstructure:"block_interval_ms" json:"block_interval_ms"`
		MaxBlocksPerRange  int    `mapstructure:"max_blocks_per_range" json:"max_blocks_per_range"`
	} `mapstructure:"blockchain" json:"blockchain"`

	Build struct {
		PipelineEndpoint string `mapstructure:"pipeline_endpoint" json:"pipeline_endpoint"`
		MappingEndpoint  string `mapstructure:"mapping_endpoint" json:"mapping_endpoint"`
		PollInterval     string `mapstructure:"poll_interval" json:"poll_interval"`
	} `mapstructure:"build" json:"build"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // env vars named after the upper-cased keys override file values; no PYRSIA_ prefix is set

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the PYRSIA_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("PYRSIA_ENV", ""))
}
