// Package evm settles transfers as ERC-20 token transfers on an EVM chain.
// Account ids are hex addresses; credentials are hex-encoded secp256k1 keys.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
)

const erc20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`

const defaultGasLimit uint64 = 65000

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	TokenContract string
	ChainID       int64
	// TokenDecimals is the ERC-20 decimals() of the token.
	TokenDecimals int32
	// MinorUnitDecimals is the precision of the int64 amounts the settlement
	// engine uses.
	MinorUnitDecimals int32
	GasLimit          uint64
	MaxGasPrice       *big.Int
	ReceiptPoll       time.Duration
}

type Client struct {
	backend Backend
	cfg     Config
	token   common.Address
	chainID *big.Int
	abi     abi.ABI
	logger  *zap.Logger

	nonceMu sync.Mutex
	senders map[common.Address]*sync.Mutex
}

func Dial(ctx context.Context, rpcURL string, cfg Config, logger *zap.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return New(rpc, cfg, logger)
}

func New(backend Backend, cfg Config, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("invalid token contract address %q", cfg.TokenContract)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain id must be positive")
	}
	if cfg.TokenDecimals < cfg.MinorUnitDecimals {
		return nil, errors.New("token decimals must not be below minor unit decimals")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		token:   common.HexToAddress(cfg.TokenContract),
		chainID: big.NewInt(cfg.ChainID),
		abi:     parsed,
		logger:  logger.Named("evm"),
		senders: make(map[common.Address]*sync.Mutex),
	}, nil
}

// ToBaseUnits scales a minor-unit amount to token base units.
func (c *Client) ToBaseUnits(minor int64) *big.Int {
	return decimal.New(minor, -c.cfg.MinorUnitDecimals).Shift(c.cfg.TokenDecimals).BigInt()
}

// FromBaseUnits scales token base units down to minor units, truncating
// dust below one minor unit.
func (c *Client) FromBaseUnits(base *big.Int) int64 {
	return decimal.NewFromBigInt(base, -c.cfg.TokenDecimals).Shift(c.cfg.MinorUnitDecimals).Truncate(0).IntPart()
}

func (c *Client) senderLock(addr common.Address) *sync.Mutex {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	mu, ok := c.senders[addr]
	if !ok {
		mu = &sync.Mutex{}
		c.senders[addr] = mu
	}
	return mu
}

func (c *Client) GetBalance(ctx context.Context, account ledger.AccountID) (int64, error) {
	if !common.IsHexAddress(string(account)) {
		return 0, ledger.ErrUnknownAccount
	}
	data, err := c.abi.Pack("balanceOf", common.HexToAddress(string(account)))
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}
	if len(out) == 0 {
		return 0, nil
	}
	var balance *big.Int
	if err := c.abi.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if balance == nil {
		return 0, nil
	}
	return c.FromBaseUnits(balance), nil
}

func (c *Client) signer(cred ledger.Credential, from ledger.AccountID) (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(string(cred.Reveal()), "0x"))
	if err != nil {
		return nil, common.Address{}, ledger.ErrBadCredential
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(addr.Hex(), string(from)) {
		return nil, common.Address{}, ledger.ErrBadCredential
	}
	return key, addr, nil
}

func (c *Client) Transfer(ctx context.Context, req ledger.TransferRequest) ledger.Submission {
	if err := req.Validate(); err != nil {
		return ledger.Failed("", err)
	}
	if !common.IsHexAddress(string(req.To)) {
		return ledger.Failed("", ledger.ErrUnknownAccount)
	}
	key, from, err := c.signer(req.FromCredential, req.From)
	if err != nil {
		return ledger.Failed("", err)
	}

	signed, err := c.buildAndSend(ctx, key, from, req)
	if signed == nil {
		// Nothing was broadcast.
		return ledger.Failed("", err)
	}
	txID := signed.Hash().Hex()
	if err != nil {
		if refusedByNode(err) {
			return ledger.Failed(txID, fmt.Errorf("%w: %v", ledger.ErrRejected, err))
		}
		// The signed tx may be in a mempool already.
		c.logger.Warn("erc20 send outcome unknown", zap.String("tx_hash", txID), zap.Error(err))
		return ledger.Indeterminate(txID, err)
	}

	c.logger.Info("erc20 transfer broadcast",
		zap.String("tx_hash", txID),
		zap.String("reference", req.Reference),
		zap.Int64("amount", req.Amount),
	)
	return c.await(ctx, txID, req)
}

// nodeRefusals are the send errors a node returns when it will not accept
// the tx into its pool at all.
var nodeRefusals = []string{
	"nonce too low",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"replacement transaction underpriced",
	"transaction underpriced",
	"invalid sender",
	"invalid chain id",
	"oversized data",
	"max fee per gas less than block base fee",
}

func refusedByNode(err error) bool {
	if ledger.IsTimeout(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, r := range nodeRefusals {
		if strings.Contains(msg, r) {
			return true
		}
	}
	return false
}

func (c *Client) buildAndSend(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, req ledger.TransferRequest) (*types.Transaction, error) {
	mu := c.senderLock(from)
	mu.Lock()
	defer mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	if c.cfg.MaxGasPrice != nil && c.cfg.MaxGasPrice.Sign() > 0 && gasPrice.Cmp(c.cfg.MaxGasPrice) > 0 {
		gasPrice = new(big.Int).Set(c.cfg.MaxGasPrice)
	}
	data, err := c.abi.Pack("transfer", common.HexToAddress(string(req.To)), c.ToBaseUnits(req.Amount))
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), c.cfg.GasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, c.backend.SendTransaction(ctx, signed)
}

// await polls for the receipt until it lands or ctx expires. Expiry leaves
// the outcome indeterminate.
func (c *Client) await(ctx context.Context, txID string, req ledger.TransferRequest) ledger.Submission {
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		r, err := c.GetReceipt(ctx, txID)
		switch {
		case err == nil && r.Status == ledger.ReceiptConfirmed:
			r.Reference, r.From, r.To, r.Amount = req.Reference, req.From, req.To, req.Amount
			return ledger.Succeeded(r)
		case err == nil && r.Status == ledger.ReceiptFailed:
			return ledger.Failed(txID, fmt.Errorf("%w: execution reverted", ledger.ErrRejected))
		case err != nil && !errors.Is(err, ledger.ErrReceiptNotFound):
			if ledger.IsTimeout(err) {
				return ledger.Indeterminate(txID, err)
			}
			c.logger.Warn("receipt lookup failed", zap.String("tx_hash", txID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ledger.Indeterminate(txID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) GetReceipt(ctx context.Context, txID string) (ledger.Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ledger.Receipt{}, ledger.ErrReceiptNotFound
		}
		return ledger.Receipt{}, err
	}
	status := ledger.ReceiptFailed
	if r.Status == types.ReceiptStatusSuccessful {
		status = ledger.ReceiptConfirmed
	}
	detail := ""
	if r.BlockNumber != nil {
		detail = "block " + r.BlockNumber.String()
	}
	return ledger.Receipt{
		TxID:       txID,
		Status:     status,
		Detail:     detail,
		ObservedAt: time.Now().UTC(),
	}, nil
}
