// Package ledger notarizes certificates on an EVM chain through the
// certificate NFT contract.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/LiuMou68/starchain-backend/internal/config"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Mint error taxonomy. Duplicate and ABI-mismatch are terminal for the
// attempt: retrying them will always fail again.
var (
	ErrNotConfigured    = errors.New("ledger: chain client not configured")
	ErrDuplicateOnChain = errors.New("ledger: certificate number already exists on chain")
	ErrABIMismatch      = errors.New("ledger: contract ABI mismatch, redeploy the contract and restart")
	ErrReverted         = errors.New("ledger: contract execution reverted")
)

const mintGasLimit = 500000

const contractABI = `[
	{"type":"function","name":"mintCertificate","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"certificateNumber","type":"string"},{"name":"metadataURI","type":"string"}],
	 "outputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"verifyCertificate","stateMutability":"view",
	 "inputs":[{"name":"certificateNumber","type":"string"}],
	 "outputs":[{"name":"exists","type":"bool"},{"name":"tokenId","type":"uint256"}]},
	{"type":"event","name":"CertificateMinted","anonymous":false,
	 "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"certificateNumber","type":"string","indexed":false},{"name":"metadataURI","type":"string","indexed":false}]}
]`

type MintResult struct {
	TxHash      string
	BlockNumber uint64
	TokenID     string
}

type VerifyResult struct {
	Exists  bool
	TokenID string
}

// Client is the ledger contract the certificate core depends on.
type Client interface {
	Configured() bool
	Mint(ctx context.Context, to, certificateNumber, metadataURI string) (*MintResult, error)
	Verify(ctx context.Context, certificateNumber string) (*VerifyResult, error)
}

// EVMClient signs and sends mint transactions against the certificate
// contract. A client built from incomplete config stays usable; every
// write just returns ErrNotConfigured, and issuance carries on without
// the chain layer.
type EVMClient struct {
	client     *ethclient.Client
	contract   *bind.BoundContract
	abi        abi.ABI
	configured bool
	from       common.Address
	chainID    *big.Int
	logger     *slog.Logger

	signer *bind.TransactOpts
}

func NewEVMClient(cfg config.ChainConfig, logger *slog.Logger) (*EVMClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &EVMClient{logger: logger}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse contract abi: %w", err)
	}
	c.abi = parsed

	if cfg.ContractAddress == "" || cfg.PrivateKey == "" {
		logger.Warn("chain client disabled, contract address or private key not set")
		return c, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		logger.Warn("chain RPC unreachable, chain client disabled", "rpc", cfg.RPCURL, "error", err)
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		logger.Warn("chain ID lookup failed, chain client disabled", "rpc", cfg.RPCURL, "error", err)
		return c, nil
	}

	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger: build transactor: %w", err)
	}
	signer.GasLimit = mintGasLimit

	addr := common.HexToAddress(cfg.ContractAddress)
	c.client = client
	c.contract = bind.NewBoundContract(addr, parsed, client, client, client)
	c.chainID = chainID
	c.from = crypto.PubkeyToAddress(key.PublicKey)
	c.signer = signer
	c.configured = true
	logger.Info("chain client ready", "contract", addr.Hex(), "from", c.from.Hex(), "chain_id", chainID.String())
	return c, nil
}

func (c *EVMClient) Configured() bool { return c.configured }

func (c *EVMClient) Mint(ctx context.Context, to, certificateNumber, metadataURI string) (*MintResult, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("ledger: invalid target address %q", to)
	}

	opts := *c.signer
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "mintCertificate", common.HexToAddress(to), certificateNumber, metadataURI)
	if err != nil {
		return nil, classifyMintError(err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: wait for mint receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", ErrReverted, tx.Hash().Hex())
	}

	result := &MintResult{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		TokenID:     "0",
	}
	if tokenID := c.mintedTokenID(receipt); tokenID != nil {
		result.TokenID = tokenID.String()
	} else {
		c.logger.Warn("CertificateMinted event not found in receipt", "tx", result.TxHash)
	}
	return result, nil
}

func (c *EVMClient) Verify(ctx context.Context, certificateNumber string) (*VerifyResult, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "verifyCertificate", certificateNumber)
	if err != nil {
		return nil, fmt.Errorf("ledger: verify certificate: %w", err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("ledger: unexpected verify output arity %d", len(out))
	}
	exists, _ := out[0].(bool)
	tokenID, _ := out[1].(*big.Int)
	result := &VerifyResult{Exists: exists}
	if tokenID != nil {
		result.TokenID = tokenID.String()
	}
	return result, nil
}

// mintedTokenID extracts the indexed tokenId from the CertificateMinted
// event in the receipt logs.
func (c *EVMClient) mintedTokenID(receipt *types.Receipt) *big.Int {
	eventID := c.abi.Events["CertificateMinted"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == eventID {
			return new(big.Int).SetBytes(lg.Topics[1].Bytes())
		}
	}
	return nil
}

// classifyMintError maps the contract's known failure strings onto the
// package sentinels so handlers can give specific messages.
func classifyMintError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Certificate number already exists"):
		return fmt.Errorf("%w: %s", ErrDuplicateOnChain, msg)
	case strings.Contains(msg, "function selector was not recognized"):
		return fmt.Errorf("%w: %s", ErrABIMismatch, msg)
	case strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %s", ErrReverted, msg)
	default:
		return fmt.Errorf("ledger: mint: %w", err)
	}
}
