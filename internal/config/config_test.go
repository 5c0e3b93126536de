package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3000, cfg.Server.Port)
	require.Equal(t, "mysql", cfg.Database.Driver)
	require.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	require.Equal(t, "https://ipfs.io/ipfs/", cfg.IPFS.Gateway)
	require.Empty(t, cfg.Chain.PrivateKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STARCHAIN_SERVER_PORT", "8088")
	t.Setenv("STARCHAIN_DATABASE_DRIVER", "sqlite")
	t.Setenv("STARCHAIN_CHAIN_SYSTEM_WALLET", "0x9999999999999999999999999999999999999999")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8088, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "0x9999999999999999999999999999999999999999", cfg.Chain.SystemWallet)
}
