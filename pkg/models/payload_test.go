package models

import (
	"math/big"
	"strings"
	"testing"
)

// TestActionHashDeterminism verifies two independently built but equal
// payloads hash to the same lowercase 0x hex string.
func TestActionHashDeterminism(t *testing.T) {
	build := func() Payload {
		return Payload{
			Target: "0x10ED43C718714eb63d5aA57B78B54704E256024E",
			Value:  big.NewInt(1500000000000000000),
			Data:   []byte{0x38, 0xed, 0x17, 0x39},
		}
	}

	first := ActionHash(build())
	second := ActionHash(build())

	if first != second {
		t.Errorf("hash mismatch. Expected: %v, Got: %v", first, second)
	}
	if !strings.HasPrefix(first, "0x") || len(first) != 66 {
		t.Errorf("hash shape mismatch. Expected 0x-prefixed 32-byte hex, Got: %q", first)
	}
	if first != strings.ToLower(first) {
		t.Errorf("hash case mismatch. Expected lowercase, Got: %q", first)
	}
}

// TestActionHashNormalization verifies target casing and a nil value do not
// change the identity.
func TestActionHashNormalization(t *testing.T) {
	mixed := Payload{
		Target: "0x10ED43C718714eb63d5aA57B78B54704E256024E",
		Value:  big.NewInt(0),
		Data:   []byte{0xab, 0xcd},
	}
	lower := Payload{
		Target: strings.ToLower(mixed.Target),
		Value:  nil,
		Data:   []byte{0xab, 0xcd},
	}

	if ActionHash(mixed) != ActionHash(lower) {
		t.Errorf("normalization mismatch. Expected: %v, Got: %v", ActionHash(lower), ActionHash(mixed))
	}
}

// TestActionHashSensitivity verifies each preimage component changes the
// hash.
func TestActionHashSensitivity(t *testing.T) {
	base := Payload{
		Target: "0x00000000000000000000000000000000000000aa",
		Value:  big.NewInt(100),
		Data:   []byte{0x01},
	}

	testCases := []struct {
		name    string
		mutated Payload
	}{
		{
			name:    "different target",
			mutated: Payload{Target: "0x00000000000000000000000000000000000000bb", Value: big.NewInt(100), Data: []byte{0x01}},
		},
		{
			name:    "different value",
			mutated: Payload{Target: base.Target, Value: big.NewInt(101), Data: []byte{0x01}},
		},
		{
			name:    "different data",
			mutated: Payload{Target: base.Target, Value: big.NewInt(100), Data: []byte{0x02}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if ActionHash(tc.mutated) == ActionHash(base) {
				t.Errorf("hash collision. Expected a different hash than %v", ActionHash(base))
			}
		})
	}
}

// TestBatchActionHash verifies the batch identity is the last payload's hash
// so an approve prefix never changes it.
func TestBatchActionHash(t *testing.T) {
	approve := Payload{
		Target: "0x55d398326f99059fF775485246999027B3197955",
		Value:  big.NewInt(0),
		Data:   []byte{0x09, 0x5e, 0xa7, 0xb3},
	}
	swap := Payload{
		Target: "0x10ed43c718714eb63d5aa57b78b54704e256024e",
		Value:  big.NewInt(0),
		Data:   []byte{0x38, 0xed, 0x17, 0x39},
	}

	if got := BatchActionHash([]Payload{approve, swap}); got != ActionHash(swap) {
		t.Errorf("batch hash mismatch. Expected: %v, Got: %v", ActionHash(swap), got)
	}
	if got := BatchActionHash([]Payload{swap}); got != ActionHash(swap) {
		t.Errorf("single batch hash mismatch. Expected: %v, Got: %v", ActionHash(swap), got)
	}
	if got := BatchActionHash(nil); got != "" {
		t.Errorf("empty batch hash mismatch. Expected empty, Got: %v", got)
	}
}

// TestPayloadRenderers verifies the preimage helpers normalise nil and empty
// fields.
func TestPayloadRenderers(t *testing.T) {
	p := Payload{}

	if got := p.ValueString(); got != "0" {
		t.Errorf("ValueString mismatch. Expected: 0, Got: %v", got)
	}
	if got := p.DataHex(); got != "0x" {
		t.Errorf("DataHex mismatch. Expected: 0x, Got: %v", got)
	}

	p.Value = big.NewInt(42)
	p.Data = []byte{0xde, 0xad}
	if got := p.ValueString(); got != "42" {
		t.Errorf("ValueString mismatch. Expected: 42, Got: %v", got)
	}
	if got := p.DataHex(); got != "0xdead" {
		t.Errorf("DataHex mismatch. Expected: 0xdead, Got: %v", got)
	}
}
