// Package evm implements domain.LedgerClient against an EVM chain: value
// moves as an ERC-20 token, auctions live in a router contract, and the
// purpose tag rides as two bytes appended to the transfer calldata.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// Config holds connection and contract parameters.
type Config struct {
	RPCURL         string
	ChainID        int64
	TokenAddress   string
	RouterAddress  string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	GasLimit       uint64
}

// backend is the part of the RPC client the adapter uses. *ethclient.Client
// satisfies it.
type backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Close()
}

// Client is an EVM-backed domain.LedgerClient.
type Client struct {
	eth     backend
	chainID *big.Int
	signer  types.Signer
	token   common.Address
	router  common.Address
	hasRtr  bool
	cfg     Config
}

// Dial connects to the RPC endpoint and checks the chain id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("evm: token address %q: %w", cfg.TokenAddress, domain.ErrConfiguration)
	}
	if cfg.RouterAddress != "" && !common.IsHexAddress(cfg.RouterAddress) {
		return nil, fmt.Errorf("evm: router address %q: %w", cfg.RouterAddress, domain.ErrConfiguration)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 200_000
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, errors.Join(domain.ErrLedgerUnavailable, err))
	}
	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("evm: chain id: %w", errors.Join(domain.ErrLedgerUnavailable, err))
	}
	if remote.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("evm: node reports chain %s, configured %d: %w", remote, cfg.ChainID, domain.ErrConfiguration)
	}

	chainID := big.NewInt(cfg.ChainID)
	return &Client{
		eth:     eth,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		token:   common.HexToAddress(cfg.TokenAddress),
		router:  common.HexToAddress(cfg.RouterAddress),
		hasRtr:  cfg.RouterAddress != "",
		cfg:     cfg,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// LatestSequencingToken returns the hash of the latest block.
func (c *Client) LatestSequencingToken(ctx context.Context) (string, error) {
	h, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", unavailable("latest header", err)
	}
	return h.Hash().Hex(), nil
}

// EnsureAccount is a no-op: EVM accounts exist implicitly.
func (c *Client) EnsureAccount(context.Context, string, domain.SigningIdentity) (bool, error) {
	return false, nil
}

// SignAndBroadcast implements domain.LedgerClient.
func (c *Client) SignAndBroadcast(ctx context.Context, unsigned []byte, identity domain.SigningIdentity) (string, error) {
	signed, err := c.sign(unsigned, identity)
	if err != nil {
		return "", err
	}
	ref, err := c.send(ctx, signed)
	if err != nil {
		return ref, err
	}
	if _, err := c.awaitReceipt(ctx, signed.Hash()); err != nil {
		return ref, err
	}
	return ref, nil
}

// send broadcasts a signed transaction. Its hash is fixed before the node
// answers and the node may have accepted it despite an error, so a failed
// send returns the hash with ErrConfirmationUnknown.
func (c *Client) send(ctx context.Context, signed *types.Transaction) (string, error) {
	ref := signed.Hash().Hex()
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return ref, fmt.Errorf("evm: send %s: %w", ref, errors.Join(domain.ErrConfirmationUnknown, err))
	}
	return ref, nil
}

func (c *Client) sign(unsigned []byte, identity domain.SigningIdentity) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(unsigned); err != nil {
		return nil, fmt.Errorf("evm: decode unsigned tx: %w", errors.Join(domain.ErrLedgerTxFailed, err))
	}
	digest := c.signer.Hash(tx)
	sig, err := identity.SignDigest(digest[:])
	if err != nil {
		return nil, fmt.Errorf("evm: sign: %w", err)
	}
	signed, err := tx.WithSignature(c.signer, sig)
	if err != nil {
		return nil, fmt.Errorf("evm: attach signature: %w", err)
	}
	return signed, nil
}

// awaitReceipt polls for the receipt until it arrives or ConfirmTimeout
// passes. A timeout is reported as ErrConfirmationUnknown; the transaction
// may still land and must be resolved by hash.
func (c *Client) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(c.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return rcpt, fmt.Errorf("evm: tx %s reverted: %w", hash.Hex(), domain.ErrLedgerTxFailed)
			}
			return rcpt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			// transient RPC error: keep polling until the deadline
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: await %s: %w", hash.Hex(), errors.Join(domain.ErrConfirmationUnknown, ctx.Err()))
		case <-deadline.C:
			return nil, fmt.Errorf("evm: await %s: %w", hash.Hex(), domain.ErrConfirmationUnknown)
		case <-ticker.C:
		}
	}
}

func (c *Client) newTx(ctx context.Context, from, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, unavailable("pending nonce", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, unavailable("gas price", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.cfg.GasLimit,
		To:       &to,
		Data:     data,
	}), nil
}

func (c *Client) blockTime(ctx context.Context, number *big.Int) (time.Time, error) {
	h, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return time.Time{}, unavailable("header", err)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("evm: %s: %w", op, errors.Join(domain.ErrLedgerUnavailable, err))
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("evm: %q: %w", s, domain.ErrInvalidAddress)
	}
	return common.HexToAddress(s), nil
}

func toInt64(v *big.Int) (int64, error) {
	if v == nil || !v.IsInt64() {
		return 0, fmt.Errorf("evm: amount %v out of range: %w", v, domain.ErrInvalidAmount)
	}
	return v.Int64(), nil
}

var _ domain.LedgerClient = (*Client)(nil)
