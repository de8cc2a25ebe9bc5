package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const receiptPollInterval = 2 * time.Second

// ExecuteAction submits a single payload through registry.executeAction and
// waits for the receipt.
func (c *Client) ExecuteAction(ctx context.Context, tokenID int64, p models.Payload) (*models.ExecResult, error) {
	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}

	calldata, err := RegistryABI.Pack("executeAction",
		big.NewInt(tokenID), common.HexToAddress(p.Target), value, p.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeAction: %w", err)
	}

	return c.submitAndWait(ctx, tokenID, calldata)
}

// ExecuteBatchAction submits an ordered batch through registry.executeBatch.
// A single-element batch goes through ExecuteAction instead.
func (c *Client) ExecuteBatchAction(ctx context.Context, tokenID int64, batch []models.Payload) (*models.ExecResult, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty payload batch for token %d", tokenID)
	}
	if len(batch) == 1 {
		return c.ExecuteAction(ctx, tokenID, batch[0])
	}

	calls := make([]registryCall, len(batch))
	for i, p := range batch {
		value := p.Value
		if value == nil {
			value = big.NewInt(0)
		}
		calls[i] = registryCall{
			Target: common.HexToAddress(p.Target),
			Value:  value,
			Data:   p.Data,
		}
	}

	calldata, err := RegistryABI.Pack("executeBatch", big.NewInt(tokenID), calls)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeBatch: %w", err)
	}

	return c.submitAndWait(ctx, tokenID, calldata)
}

// EnableOperatorWithPermit registers the runner as the token's operator using
// the renter's off-chain permit signature.
func (c *Client) EnableOperatorWithPermit(ctx context.Context, in *models.EnableAutopilotInput) (*models.ExecResult, error) {
	sigHex := in.Sig
	if !strings.HasPrefix(sigHex, "0x") {
		sigHex = "0x" + sigHex
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode permit signature: %w", err)
	}

	operator := common.HexToAddress(in.Operator)
	if in.Operator == "" {
		operator = c.operator
	}

	calldata, err := RegistryABI.Pack("enableOperator",
		big.NewInt(in.TokenID), operator, uint64(in.PermitExpires), uint64(in.PermitDeadline), sig)
	if err != nil {
		return nil, fmt.Errorf("failed to pack enableOperator: %w", err)
	}

	return c.submitAndWait(ctx, in.TokenID, calldata)
}

// ClearOperator removes the runner's operator grant for a token.
func (c *Client) ClearOperator(ctx context.Context, tokenID int64) (*models.ExecResult, error) {
	calldata, err := RegistryABI.Pack("clearOperator", big.NewInt(tokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack clearOperator: %w", err)
	}

	return c.submitAndWait(ctx, tokenID, calldata)
}

func (c *Client) submitAndWait(ctx context.Context, tokenID int64, calldata []byte) (*models.ExecResult, error) {
	tx, err := c.sendTx(ctx, calldata)
	if err != nil {
		return nil, err
	}

	logger.Info("📤 Transaction sent",
		zap.Int64("token_id", tokenID),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("gas_limit", tx.Gas()),
	)

	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return &models.ExecResult{Hash: tx.Hash().Hex()}, err
	}

	result := &models.ExecResult{
		Hash:          tx.Hash().Hex(),
		ReceiptStatus: receipt.Status,
		ReceiptBlock:  receipt.BlockNumber.Uint64(),
		GasUsed:       receipt.GasUsed,
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return result, fmt.Errorf("execution reverted in tx %s", tx.Hash().Hex())
	}

	return result, nil
}

// sendTx estimates gas with the configured buffer, signs with the operator
// key and broadcasts. The nonce mutex is held through the send so concurrent
// cycles cannot reuse a pending nonce.
func (c *Client) sendTx(ctx context.Context, calldata []byte) (*types.Transaction, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	msg := ethereum.CallMsg{
		From: c.operator,
		To:   &c.registry,
		Data: calldata,
	}

	gasLimit, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * uint64(100+c.cfg.GasBufferPercent) / 100

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.registry,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	return signed, nil
}

// waitReceipt polls for the receipt until it lands or the confirm timeout
// expires. Transient RPC errors keep the poll alive; only ctx expiry aborts.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.Debug("receipt poll error", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
