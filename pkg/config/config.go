package config

// Package config provides a reusable loader for CasualChain configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"casualchain/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for a CasualChain node. It
// mirrors the structure of the YAML files under cmd/config and the
// recognized key set from spec §6.
type Config struct {
	Rest struct {
		UserAPIPort      int    `mapstructure:"userapi_port" json:"userapi_port"`
		AdminAPIPort     int    `mapstructure:"adminapi_port" json:"adminapi_port"`
		UserAPIUser      string `mapstructure:"userapi_user" json:"userapi_user"`
		UserAPIPassword  string `mapstructure:"userapi_password" json:"userapi_password"`
		AdminAPIUser     string `mapstructure:"adminapi_user" json:"adminapi_user"`
		AdminAPIPassword string `mapstructure:"adminapi_password" json:"adminapi_password"`
	} `mapstructure:"rest" json:"rest"`

	MongoHost            string `mapstructure:"mongo_host" json:"mongo_host"`
	MongoPort            int    `mapstructure:"mongo_port" json:"mongo_port"`
	MongoDB              string `mapstructure:"mongo_db" json:"mongo_db"`
	MongoUser            string `mapstructure:"mongo_user" json:"mongo_user"`
	MongoPassword        string `mapstructure:"mongo_password" json:"mongo_password"`
	MongoAuthDB          string `mapstructure:"mongo_authdb" json:"mongo_authdb"`
	MongoPoolCollection  string `mapstructure:"mongo_poolcollection" json:"mongo_poolcollection"`
	MongoBlockCollection string `mapstructure:"mongo_blockcollection" json:"mongo_blockcollection"`

	QueueOnDisk         bool   `mapstructure:"queue_ondisk" json:"queue_ondisk"`
	AdministrationId    string `mapstructure:"administration_id" json:"administration_id"`
	DefaultTenantId     string `mapstructure:"default_tenant_id" json:"default_tenant_id"`
	EnableDefaultTenant bool   `mapstructure:"enable_default_tenant" json:"enable_default_tenant"`
	NodeMode            string `mapstructure:"node_mode" json:"node_mode"` // prod | testing | testing+init | prod+init
	EnableInternalTasks bool   `mapstructure:"enable_internaltasks" json:"enable_internaltasks"`

	Keyring struct {
		NodeName                    string `mapstructure:"node_name" json:"node_name"`
		PrivateKeyPath              string `mapstructure:"private_key_path" json:"private_key_path"`
		CreateKeysIfNoSignKeyExists bool   `mapstructure:"create_keys_if_no_sign_key_exists" json:"create_keys_if_no_sign_key_exists"`
	} `mapstructure:"keyring" json:"keyring"`

	Cluster struct {
		Nodes        []string `mapstructure:"nodes" json:"nodes"`
		MinBatchSize int      `mapstructure:"min_batch_size" json:"min_batch_size"`
		MaxBatchAgeS int      `mapstructure:"max_batch_age_s" json:"max_batch_age_s"`
	} `mapstructure:"cluster" json:"cluster"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
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

	viper.AutomaticEnv() // picks up overrides from env vars named after the upper-cased keys (no prefix)

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CASUALCHAIN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CASUALCHAIN_ENV", ""))
}
