// Package contract talks to the TapMint connection NFT contract.
package contract

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/eth"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

// DefaultAddress is the deployed connection NFT contract on Base
const DefaultAddress = "0x01f7c6C141e7d650f6C3B27eC0D7d69784F6a275"

const connectionABI = `[
	{"type":"function","name":"mintConnection","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"to","type":"address"},{"name":"metadataURI","type":"string"},{"name":"connectionMethod","type":"string"}]},
	{"type":"function","name":"getTotalMinted","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"ConnectionMinted","anonymous":false,
	 "inputs":[{"name":"user","type":"address","indexed":true},{"name":"method","type":"string","indexed":false},
	           {"name":"tokenId","type":"uint256","indexed":false},{"name":"metadataURI","type":"string","indexed":false}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(connectionABI))
	if err != nil {
		panic(fmt.Sprintf("invalid connection abi: %v", err))
	}
	return parsed
}()

// MintCalldata returns the input data of a mintConnection call
func MintCalldata(to, metadataURI string, method core.Method) ([]byte, error) {
	recipient, ok := eth.ToAddress(to)
	if !ok {
		return nil, fmt.Errorf("invalid recipient address %q", to)
	}
	if metadataURI == "" {
		return nil, fmt.Errorf("metadata uri is required")
	}

	data, err := parsedABI.Pack("mintConnection", recipient, metadataURI, string(method))
	if err != nil {
		return nil, fmt.Errorf("failed to pack mintConnection: %w", err)
	}
	return data, nil
}

// Backend is the part of an Ethereum client the minter needs;
// *ethclient.Client satisfies it
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Minter signs and submits mintConnection transactions
type Minter struct {
	backend  Backend
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	logger   *zap.Logger
}

// NewMinter creates a minter paying gas from the account of hexKey
func NewMinter(backend Backend, contractAddress string, chainID int64, hexKey string, logger *zap.Logger) (*Minter, error) {
	contract, ok := eth.ToAddress(contractAddress)
	if !ok {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid minter key: %w", err)
	}

	return &Minter{
		backend:  backend,
		contract: contract,
		chainID:  big.NewInt(chainID),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		logger:   logging.OrNop(logger).Named("minter"),
	}, nil
}

var _ ports.Minter = (*Minter)(nil)

// From returns the account paying for mints
func (m *Minter) From() common.Address {
	return m.from
}

// Mint submits a mintConnection transaction and returns its hash
func (m *Minter) Mint(ctx context.Context, to, metadataURI string, method core.Method) (string, error) {
	data, err := MintCalldata(to, metadataURI, method)
	if err != nil {
		return "", err
	}

	nonce, err := m.backend.PendingNonceAt(ctx, m.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	tip, err := m.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas tip: %w", err)
	}

	head, err := m.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: m.from,
		To:   &m.contract,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   m.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &m.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(m.chainID), m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	m.logger.Info("mint submitted",
		zap.String("tx", hash),
		zap.String("to", eth.Normalize(to)),
		zap.String("method", string(method)))
	return hash, nil
}

// TotalMinted returns the number of tokens minted so far
func (m *Minter) TotalMinted(ctx context.Context) (*big.Int, error) {
	data, err := parsedABI.Pack("getTotalMinted")
	if err != nil {
		return nil, fmt.Errorf("failed to pack getTotalMinted: %w", err)
	}

	out, err := m.backend.CallContract(ctx, ethereum.CallMsg{To: &m.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getTotalMinted: %w", err)
	}

	values, err := parsedABI.Unpack("getTotalMinted", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getTotalMinted: %w", err)
	}
	total, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getTotalMinted result %T", values[0])
	}
	return total, nil
}

// DryRunMinter builds mint calldata without submitting anything. It is used
// when no RPC endpoint is configured.
type DryRunMinter struct {
	logger *zap.Logger
}

// NewDryRunMinter creates a dry run minter
func NewDryRunMinter(logger *zap.Logger) *DryRunMinter {
	return &DryRunMinter{logger: logging.OrNop(logger).Named("minter")}
}

var _ ports.Minter = (*DryRunMinter)(nil)

// Mint validates and logs the calldata the real minter would submit. The
// returned transaction hash is always empty.
func (m *DryRunMinter) Mint(_ context.Context, to, metadataURI string, method core.Method) (string, error) {
	data, err := MintCalldata(to, metadataURI, method)
	if err != nil {
		return "", err
	}
	m.logger.Info("dry run mint",
		zap.String("to", eth.Normalize(to)),
		zap.String("uri", metadataURI),
		zap.String("calldata", hexutil.Encode(data)))
	return "", nil
}
