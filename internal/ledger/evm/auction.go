package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// assetKey maps an asset id onto the router's bytes32 key.
func assetKey(assetID string) [32]byte {
	return [32]byte(ethcrypto.Keccak256Hash([]byte(assetID)))
}

func (c *Client) requireRouter() error {
	if !c.hasRtr {
		return fmt.Errorf("evm: router_address not configured: %w", domain.ErrConfiguration)
	}
	return nil
}

// CreateAuction implements domain.LedgerClient.
func (c *Client) CreateAuction(ctx context.Context, state domain.AuctionState, identity domain.SigningIdentity) (string, error) {
	if err := c.requireRouter(); err != nil {
		return "", err
	}
	owner, err := parseAddress(state.Owner)
	if err != nil {
		return "", err
	}
	treasury, err := parseAddress(state.Treasury)
	if err != nil {
		return "", err
	}
	data, err := routerABI.Pack("createAuction", assetKey(state.AssetID), owner, big.NewInt(state.StartPrice), treasury, state.TauntMessage)
	if err != nil {
		return "", fmt.Errorf("evm: pack createAuction: %w", err)
	}
	ref, _, err := c.submitRouterCall(ctx, data, identity)
	return ref, err
}

// ExecuteSeize implements domain.LedgerClient. The router compares the
// stored price with ExpectedPrice inside the same transaction that moves
// funds; a revert for that reason surfaces as ErrStalePrice.
func (c *Client) ExecuteSeize(ctx context.Context, order domain.SeizeOrder, identity domain.SigningIdentity) (domain.SeizeReceipt, error) {
	if err := c.requireRouter(); err != nil {
		return domain.SeizeReceipt{}, err
	}
	bidder, err := parseAddress(order.Bidder)
	if err != nil {
		return domain.SeizeReceipt{}, err
	}
	data, err := routerABI.Pack("seize",
		assetKey(order.AssetID), bidder,
		big.NewInt(order.ExpectedPrice), big.NewInt(order.Payment),
		uint16(order.TreasuryBps), order.TauntMessage)
	if err != nil {
		return domain.SeizeReceipt{}, fmt.Errorf("evm: pack seize: %w", err)
	}

	// Simulate first so a stale price fails without spending gas.
	from := common.HexToAddress(identity.Address())
	if _, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: from, To: &c.router, Data: data}, nil); err != nil {
		return domain.SeizeReceipt{}, classifyRevert(err)
	}

	ref, rcpt, err := c.submitRouterCall(ctx, data, identity)
	if err != nil {
		if errors.Is(err, domain.ErrLedgerTxFailed) {
			if st, ferr := c.FetchAuction(ctx, order.AssetID); ferr == nil && st.Price != order.ExpectedPrice {
				return domain.SeizeReceipt{}, fmt.Errorf("evm: seize %s: %w", order.AssetID, domain.ErrStalePrice)
			}
		}
		return domain.SeizeReceipt{Reference: ref}, err
	}

	out := domain.SeizeReceipt{Reference: ref}
	seized := routerABI.Events["Seized"]
	for _, lg := range rcpt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != seized.ID {
			continue
		}
		vals, err := seized.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return out, fmt.Errorf("evm: decode Seized event: %w", err)
		}
		if len(vals) != 4 {
			return out, fmt.Errorf("evm: Seized event has %d fields", len(vals))
		}
		prev, _ := vals[0].(common.Address)
		out.PreviousOwner = prev.Hex()
		for i, dst := range []*int64{&out.NewPrice, &out.TreasuryShare, &out.OwnerShare} {
			n, err := toInt64(vals[i+1].(*big.Int))
			if err != nil {
				return out, err
			}
			*dst = n
		}
		break
	}
	out.SeizedAt, err = c.blockTime(ctx, rcpt.BlockNumber)
	if err != nil {
		out.SeizedAt = time.Now().UTC()
	}
	return out, nil
}

// FetchAuction implements domain.LedgerClient.
func (c *Client) FetchAuction(ctx context.Context, assetID string) (domain.AuctionState, error) {
	if err := c.requireRouter(); err != nil {
		return domain.AuctionState{}, err
	}
	data, err := routerABI.Pack("auctions", assetKey(assetID))
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("evm: pack auctions: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.router, Data: data}, nil)
	if err != nil {
		return domain.AuctionState{}, unavailable("call auctions", err)
	}
	vals, err := routerABI.Unpack("auctions", raw)
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("evm: unpack auctions: %w", err)
	}
	if len(vals) != 7 {
		return domain.AuctionState{}, fmt.Errorf("evm: auctions returned %d fields", len(vals))
	}

	owner, _ := vals[0].(common.Address)
	if owner == (common.Address{}) {
		return domain.AuctionState{}, fmt.Errorf("evm: auction %s: %w", assetID, domain.ErrNotFound)
	}
	price, err := toInt64(vals[1].(*big.Int))
	if err != nil {
		return domain.AuctionState{}, err
	}
	start, err := toInt64(vals[2].(*big.Int))
	if err != nil {
		return domain.AuctionState{}, err
	}
	treasury, _ := vals[3].(common.Address)
	taunt, _ := vals[4].(string)
	created, _ := vals[5].(uint64)
	seized, _ := vals[6].(uint64)

	st := domain.AuctionState{
		AssetID:      assetID,
		Owner:        owner.Hex(),
		Price:        price,
		StartPrice:   start,
		TauntMessage: taunt,
		Treasury:     treasury.Hex(),
		CreatedAt:    time.Unix(int64(created), 0).UTC(),
	}
	if seized > 0 {
		st.LastSeizedAt = time.Unix(int64(seized), 0).UTC()
	}
	return st, nil
}

func (c *Client) submitRouterCall(ctx context.Context, data []byte, identity domain.SigningIdentity) (string, *types.Receipt, error) {
	from := common.HexToAddress(identity.Address())
	tx, err := c.newTx(ctx, from, c.router, data)
	if err != nil {
		return "", nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", nil, fmt.Errorf("evm: encode router tx: %w", err)
	}
	signed, err := c.sign(raw, identity)
	if err != nil {
		return "", nil, err
	}
	ref, err := c.send(ctx, signed)
	if err != nil {
		return ref, nil, err
	}
	rcpt, err := c.awaitReceipt(ctx, signed.Hash())
	return ref, rcpt, err
}

func classifyRevert(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "stale price"):
		return fmt.Errorf("evm: seize: %w", domain.ErrStalePrice)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("evm: seize: %w", errors.Join(domain.ErrLedgerTxFailed, err))
	}
	return unavailable("simulate seize", err)
}
