package brain

import (
	"context"
	"testing"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// TestStaticBrainThink verifies the configured call is replayed as a
// raw_call decision that never completes on its own.
func TestStaticBrainThink(t *testing.T) {
	b, err := NewStaticBrain(Config{
		TokenID:       7,
		Target:        "0x1111111111111111111111111111111111111111",
		Value:         "1000",
		Data:          "0xdeadbeef",
		MinIntervalMs: 90000,
	}, Deps{})
	if err != nil {
		t.Fatalf("failed to build static brain: %v", err)
	}

	d, err := b.Think(context.Background(), &models.Observation{}, nil, nil)
	if err != nil {
		t.Fatalf("Think failed: %v", err)
	}

	if d.Action != "raw_call" {
		t.Errorf("Action mismatch. Expected: %v, Got: %v", "raw_call", d.Action)
	}
	if d.Params["target"] != "0x1111111111111111111111111111111111111111" {
		t.Errorf("target mismatch. Got: %v", d.Params["target"])
	}
	if d.Params["value"] != "1000" {
		t.Errorf("value mismatch. Expected: 1000, Got: %v", d.Params["value"])
	}
	if d.Params["data"] != "0xdeadbeef" {
		t.Errorf("data mismatch. Expected: 0xdeadbeef, Got: %v", d.Params["data"])
	}
	if !d.DoneFalse() {
		t.Errorf("Done mismatch. Expected: false, Got: %v", d.Done)
	}
	if d.NextCheckMs == nil || *d.NextCheckMs != 90000 {
		t.Errorf("NextCheckMs mismatch. Expected: 90000, Got: %v", d.NextCheckMs)
	}
}

// TestStaticBrainDefaults verifies empty value and data fall back to the
// zero call.
func TestStaticBrainDefaults(t *testing.T) {
	b, _ := NewStaticBrain(Config{Target: "0x2222222222222222222222222222222222222222"}, Deps{})

	d, err := b.Think(context.Background(), &models.Observation{}, nil, nil)
	if err != nil {
		t.Fatalf("Think failed: %v", err)
	}

	if d.Params["value"] != "0" {
		t.Errorf("value mismatch. Expected: 0, Got: %v", d.Params["value"])
	}
	if d.Params["data"] != "0x" {
		t.Errorf("data mismatch. Expected: 0x, Got: %v", d.Params["data"])
	}
	if d.NextCheckMs != nil {
		t.Errorf("NextCheckMs mismatch. Expected: nil, Got: %v", *d.NextCheckMs)
	}
}

// TestStaticBrainEmptyTarget verifies a strategy without a target waits.
func TestStaticBrainEmptyTarget(t *testing.T) {
	b, _ := NewStaticBrain(Config{Target: "   "}, Deps{})

	d, err := b.Think(context.Background(), &models.Observation{}, nil, nil)
	if err != nil {
		t.Fatalf("Think failed: %v", err)
	}

	if d.Action != models.ActionWait {
		t.Errorf("Action mismatch. Expected: %v, Got: %v", models.ActionWait, d.Action)
	}
	if d.Done != nil {
		t.Errorf("Done mismatch. Expected: nil, Got: %v", *d.Done)
	}
}
