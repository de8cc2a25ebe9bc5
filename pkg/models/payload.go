package models

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Payload is the on-chain call triple submitted through the registry's
// execute entry points. An action encoder returns an ordered batch of these;
// a batch of length one is submitted as a single call.
type Payload struct {
	Target string   `json:"target"`
	Value  *big.Int `json:"value"`
	Data   []byte   `json:"data"`
}

// ValueString renders the native value as a decimal string, "0" when nil.
func (p Payload) ValueString() string {
	if p.Value == nil {
		return "0"
	}
	return p.Value.String()
}

// DataHex renders calldata as 0x-prefixed lowercase hex ("0x" when empty).
func (p Payload) DataHex() string {
	return hexutil.Encode(p.Data)
}

// ActionHash derives the deterministic identity of a payload:
// keccak256("<lower(target)>:<decimal(value)>:<lower(data)>"), rendered as
// lowercase 0x-prefixed hex. For a batch the hash is taken over the last
// payload, which carries the user-visible intent (an approve prefix is
// plumbing).
func ActionHash(p Payload) string {
	preimage := strings.ToLower(p.Target) + ":" + p.ValueString() + ":" + strings.ToLower(p.DataHex())
	return strings.ToLower(crypto.Keccak256Hash([]byte(preimage)).Hex())
}

// BatchActionHash hashes the last payload of a batch.
func BatchActionHash(batch []Payload) string {
	if len(batch) == 0 {
		return ""
	}
	return ActionHash(batch[len(batch)-1])
}

// ExecResult is what the chain client returns after a confirmed submission.
type ExecResult struct {
	Hash          string `json:"hash"`
	ReceiptStatus uint64 `json:"receipt_status"`
	ReceiptBlock  uint64 `json:"receipt_block"`
	GasUsed       uint64 `json:"gas_used"`
}
