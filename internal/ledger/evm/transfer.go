package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// transferArgsLen is the ABI-encoded (address, uint256) argument block.
const transferArgsLen = 64

// BuildTransfer returns an unsigned legacy transaction calling
// token.transfer(to, amount) with the two tag bytes appended to calldata.
func (c *Client) BuildTransfer(ctx context.Context, from, to string, amount int64, tag domain.TransferTag) ([]byte, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("evm: build transfer: %w", domain.ErrInvalidAmount)
	}
	fromAddr, err := parseAddress(from)
	if err != nil {
		return nil, err
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("transfer", toAddr, big.NewInt(amount))
	if err != nil {
		return nil, fmt.Errorf("evm: pack transfer: %w", err)
	}
	data = append(data, tag.Bytes()...)

	tx, err := c.newTx(ctx, fromAddr, c.token, data)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("evm: encode tx: %w", err)
	}
	return raw, nil
}

// FetchTransaction resolves a transaction hash into a token transfer. A
// transaction the node knows but has not mined yet is reported as
// domain.ErrTransactionPending.
func (c *Client) FetchTransaction(ctx context.Context, reference string) (domain.LedgerTransaction, error) {
	hash := common.HexToHash(reference)
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return domain.LedgerTransaction{}, fmt.Errorf("evm: tx %s: %w", reference, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LedgerTransaction{}, unavailable("tx by hash", err)
	}
	if pending {
		return domain.LedgerTransaction{}, fmt.Errorf("evm: tx %s: %w", reference, domain.ErrTransactionPending)
	}

	rcpt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		// Known to the node without a receipt yet.
		return domain.LedgerTransaction{}, fmt.Errorf("evm: receipt %s: %w", reference, domain.ErrTransactionPending)
	}
	if err != nil {
		return domain.LedgerTransaction{}, unavailable("receipt", err)
	}

	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return domain.LedgerTransaction{}, fmt.Errorf("evm: recover sender of %s: %w", reference, err)
	}
	out := domain.LedgerTransaction{
		Reference: hash.Hex(),
		Sender:    sender.Hex(),
	}
	if tx.To() != nil {
		out.Asset = tx.To().Hex()
	}
	out.ConfirmedAt, err = c.blockTime(ctx, rcpt.BlockNumber)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		out.Errored = true
		out.ErrorDetail = "execution reverted"
		return out, nil
	}

	if err := decodeTransferCall(tx.Data(), &out); err != nil {
		return domain.LedgerTransaction{}, fmt.Errorf("evm: tx %s: %w", reference, err)
	}
	// The token's Transfer event is authoritative for what actually moved;
	// without one nothing did.
	out.Amount, _ = transferredAmount(rcpt.Logs, c.token, sender, common.HexToAddress(out.Receiver))
	return out, nil
}

func decodeTransferCall(data []byte, out *domain.LedgerTransaction) error {
	method := erc20ABI.Methods["transfer"]
	if len(data) < 4+transferArgsLen || !bytes.Equal(data[:4], method.ID) {
		return fmt.Errorf("not a token transfer: %w", domain.ErrVerificationMismatch)
	}
	args, err := method.Inputs.Unpack(data[4 : 4+transferArgsLen])
	if err != nil {
		return fmt.Errorf("unpack transfer: %w", err)
	}
	to, _ := args[0].(common.Address)
	value, _ := args[1].(*big.Int)
	amount, err := toInt64(value)
	if err != nil {
		return err
	}
	out.Receiver = to.Hex()
	out.Amount = amount
	if tag, ok := domain.DecodeTransferTag(data[4+transferArgsLen:]); ok {
		out.Tag, out.Tagged = tag, true
	}
	return nil
}

// transferredAmount finds the Transfer event emitted by token for from -> to.
// Events from any other contract are ignored.
func transferredAmount(logs []*types.Log, token, from, to common.Address) (int64, bool) {
	event := erc20ABI.Events["Transfer"]
	for _, lg := range logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != event.ID {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != from || common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		vals, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		v, _ := vals[0].(*big.Int)
		n, err := toInt64(v)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}
