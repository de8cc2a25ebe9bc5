package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// Client wraps an EVM RPC endpoint plus the operator wallet that signs
// registry transactions. One client serves every agent on the chain.
type Client struct {
	eth      *ethclient.Client
	cfg      config.ChainConfig
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	operator common.Address
	registry common.Address
	router   common.Address
	wnative  common.Address

	// Serializes nonce fetch + send so concurrent cycles don't race the
	// operator account's pending nonce.
	nonceMu sync.Mutex
}

// New dials the RPC endpoint, loads the operator wallet and verifies the
// remote chain id matches the configured one.
func New(cfg config.ChainConfig) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReadTimeout)
	defer cancel()

	remoteID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if remoteID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, rpc reports %s", cfg.ChainID, remoteID)
	}

	key, err := loadOperatorKey(cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}

	c := &Client{
		eth:      eth,
		cfg:      cfg,
		chainID:  remoteID,
		key:      key,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		registry: common.HexToAddress(cfg.RegistryAddress),
		router:   common.HexToAddress(cfg.RouterAddress),
		wnative:  common.HexToAddress(cfg.WrappedNative),
	}

	logger.Info("✅ Chain client connected",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("operator", c.operator.Hex()),
		zap.String("registry", c.registry.Hex()),
	)

	return c, nil
}

func loadOperatorKey(cfg config.ChainConfig) (*ecdsa.PrivateKey, error) {
	if cfg.OperatorKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse operator key: %w", err)
		}
		return key, nil
	}

	raw, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %w", err)
	}
	decrypted, err := keystore.DecryptKey(raw, cfg.KeystorePassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// OperatorAddress returns the address the runner signs with.
func (c *Client) OperatorAddress() string {
	return c.operator.Hex()
}

// RouterAddress returns the configured V2 router.
func (c *Client) RouterAddress() string {
	return c.router.Hex()
}

// WrappedNativeAddress returns the configured WNATIVE contract.
func (c *Client) WrappedNativeAddress() string {
	return c.wnative.Hex()
}

// ChainID returns the verified chain id.
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// BlockNumber returns the latest block height, used by health checks.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// call packs a read-only method, executes it against the latest block and
// unpacks the outputs.
func (c *Client) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}

	return vals, nil
}
