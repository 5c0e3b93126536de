package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	IPFS     IPFSConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	// Driver is "mysql" or "sqlite". Tests use sqlite in-memory.
	Driver string
	DSN    string
}

type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	// SystemWallet receives admin batch mints (system custody).
	SystemWallet string
	// PrivateKey signs mint transactions. Leave empty to disable the
	// ledger client entirely; issuance still works without it.
	PrivateKey string
}

type IPFSConfig struct {
	APIKey    string
	SecretKey string
	Gateway   string
}

// Load reads config.yaml from the working directory if present, then
// applies STARCHAIN_* environment overrides on top of the defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("server.port", 3000)
	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.dsn", "root:root@tcp(127.0.0.1:3306)/starchain?charset=utf8mb4&parseTime=True&loc=Local")
	viper.SetDefault("chain.rpc_url", "http://localhost:8545")
	viper.SetDefault("chain.contract_address", "")
	viper.SetDefault("chain.system_wallet", "")
	viper.SetDefault("chain.private_key", "")
	viper.SetDefault("ipfs.api_key", "")
	viper.SetDefault("ipfs.secret_key", "")
	viper.SetDefault("ipfs.gateway", "https://ipfs.io/ipfs/")

	viper.SetEnvPrefix("starchain")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("server.port"),
		},
		Database: DatabaseConfig{
			Driver: viper.GetString("database.driver"),
			DSN:    viper.GetString("database.dsn"),
		},
		Chain: ChainConfig{
			RPCURL:          viper.GetString("chain.rpc_url"),
			ContractAddress: viper.GetString("chain.contract_address"),
			SystemWallet:    viper.GetString("chain.system_wallet"),
			PrivateKey:      viper.GetString("chain.private_key"),
		},
		IPFS: IPFSConfig{
			APIKey:    viper.GetString("ipfs.api_key"),
			SecretKey: viper.GetString("ipfs.secret_key"),
			Gateway:   viper.GetString("ipfs.gateway"),
		},
	}
	return cfg, nil
}
