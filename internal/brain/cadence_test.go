package brain

import (
	"testing"
	"time"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// TestDetectCadence verifies schedule phrases are recognized across
// English and Russian/Ukrainian goal text.
func TestDetectCadence(t *testing.T) {
	testCases := []struct {
		name      string
		goal      string
		wantNil   bool
		recurring bool
		interval  time.Duration
		window    time.Duration
		openEnded bool
	}{
		{
			name:    "plain one-shot goal",
			goal:    "Buy 0.01 BNB into USDT",
			wantNil: true,
		},
		{
			name:      "every N minutes",
			goal:      "swap 10 USDT to BNB every 30 minutes",
			recurring: true,
			interval:  30 * time.Minute,
		},
		{
			name:      "every hour without count",
			goal:      "rebalance every hour",
			recurring: true,
			interval:  time.Hour,
		},
		{
			name:      "daily keyword",
			goal:      "daily portfolio rebalance",
			recurring: true,
			interval:  24 * time.Hour,
		},
		{
			name:      "russian every minutes",
			goal:      "покупай BNB каждые 10 минут",
			recurring: true,
			interval:  10 * time.Minute,
		},
		{
			name:      "ukrainian every minutes",
			goal:      "купуй BNB кожні 5 хв",
			recurring: true,
			interval:  5 * time.Minute,
		},
		{
			name:      "bare minute phrase",
			goal:      "DCA 15 хв",
			recurring: true,
			interval:  15 * time.Minute,
		},
		{
			name:      "until condition",
			goal:      "hold until price hits 100",
			openEnded: true,
		},
		{
			name:   "time window",
			goal:   "accumulate USDT for 2 hours",
			window: 2 * time.Hour,
		},
		{
			name:      "recurring inside window",
			goal:      "swap every 30 minutes for 2 hours",
			recurring: true,
			interval:  30 * time.Minute,
			window:    2 * time.Hour,
		},
		{
			name:      "regularly without period uses default",
			goal:      "check the market regularly",
			recurring: true,
			interval:  defaultCadenceInterval,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			intent := detectCadence(tc.goal)

			if tc.wantNil {
				if intent != nil {
					t.Fatalf("intent mismatch. Expected: nil, Got: %+v", intent)
				}
				return
			}
			if intent == nil {
				t.Fatal("intent mismatch. Expected an intent, Got: nil")
			}
			if intent.recurring != tc.recurring {
				t.Errorf("recurring mismatch. Expected: %v, Got: %v", tc.recurring, intent.recurring)
			}
			if tc.recurring && intent.interval != tc.interval {
				t.Errorf("interval mismatch. Expected: %v, Got: %v", tc.interval, intent.interval)
			}
			if intent.window != tc.window {
				t.Errorf("window mismatch. Expected: %v, Got: %v", tc.window, intent.window)
			}
			if intent.openEnded != tc.openEnded {
				t.Errorf("openEnded mismatch. Expected: %v, Got: %v", tc.openEnded, intent.openEnded)
			}
		})
	}
}

// TestApplyCadenceRecurring verifies a recurring goal overrides done and
// pins the next check to the period.
func TestApplyCadenceRecurring(t *testing.T) {
	d := &models.Decision{
		Action:     "swap",
		Confidence: 0.9,
		Done:       models.BoolPtr(true),
	}

	applyCadence("swap 10 USDT every 5 minutes", time.Now(), d)

	if !d.DoneFalse() {
		t.Errorf("Done mismatch. Expected: false, Got: %v", d.Done)
	}
	if d.NextCheckMs == nil || *d.NextCheckMs != (5*time.Minute).Milliseconds() {
		t.Errorf("NextCheckMs mismatch. Expected: %v, Got: %v", (5 * time.Minute).Milliseconds(), d.NextCheckMs)
	}
}

// TestApplyCadenceWindowExpired verifies a timed goal completes once the
// window since goalSetAt has elapsed.
func TestApplyCadenceWindowExpired(t *testing.T) {
	d := &models.Decision{Action: models.ActionWait, Done: models.BoolPtr(false)}

	applyCadence("accumulate for 2 hours", time.Now().Add(-3*time.Hour), d)

	if !d.DoneTrue() {
		t.Errorf("Done mismatch. Expected: true, Got: %v", d.Done)
	}
	if d.NextCheckMs != nil {
		t.Errorf("NextCheckMs mismatch. Expected: nil, Got: %v", *d.NextCheckMs)
	}
}

// TestApplyCadenceWindowActive verifies an in-window goal stays active and
// uses the recurring period as the next check.
func TestApplyCadenceWindowActive(t *testing.T) {
	d := &models.Decision{Action: "swap", Done: models.BoolPtr(true)}

	applyCadence("swap every 30 minutes for 2 hours", time.Now().Add(-30*time.Minute), d)

	if !d.DoneFalse() {
		t.Errorf("Done mismatch. Expected: false, Got: %v", d.Done)
	}
	if d.NextCheckMs == nil || *d.NextCheckMs != (30*time.Minute).Milliseconds() {
		t.Errorf("NextCheckMs mismatch. Expected: %v, Got: %v", (30 * time.Minute).Milliseconds(), d.NextCheckMs)
	}
}

// TestApplyCadenceWindowHonorsShorterHint verifies a model hint below the
// period is kept inside an active window.
func TestApplyCadenceWindowHonorsShorterHint(t *testing.T) {
	d := &models.Decision{
		Action:      models.ActionWait,
		NextCheckMs: models.Int64Ptr(10000),
	}

	applyCadence("watch the market for 2 hours", time.Now().Add(-10*time.Minute), d)

	if d.NextCheckMs == nil || *d.NextCheckMs != 10000 {
		t.Errorf("NextCheckMs mismatch. Expected: 10000, Got: %v", d.NextCheckMs)
	}
	if !d.DoneFalse() {
		t.Errorf("Done mismatch. Expected: false, Got: %v", d.Done)
	}
}

// TestApplyCadenceNoIntent verifies plain goals leave the decision alone.
func TestApplyCadenceNoIntent(t *testing.T) {
	d := &models.Decision{
		Action:      "swap",
		Done:        models.BoolPtr(true),
		NextCheckMs: models.Int64Ptr(1234),
	}

	applyCadence("Buy 0.01 BNB into USDT", time.Now(), d)

	if !d.DoneTrue() {
		t.Errorf("Done mismatch. Expected: true, Got: %v", d.Done)
	}
	if d.NextCheckMs == nil || *d.NextCheckMs != 1234 {
		t.Errorf("NextCheckMs mismatch. Expected: 1234, Got: %v", d.NextCheckMs)
	}
}

// TestApplyCadenceOpenEnded verifies until-goals stay active when the model
// is silent but keep an explicit done from the model.
func TestApplyCadenceOpenEnded(t *testing.T) {
	undecided := &models.Decision{Action: models.ActionWait}
	applyCadence("hold until price hits 100", time.Now(), undecided)
	if !undecided.DoneFalse() {
		t.Errorf("Done mismatch. Expected: false, Got: %v", undecided.Done)
	}

	decided := &models.Decision{Action: models.ActionWait, Done: models.BoolPtr(true)}
	applyCadence("hold until price hits 100", time.Now(), decided)
	if !decided.DoneTrue() {
		t.Errorf("Done mismatch. Expected: true, Got: %v", decided.Done)
	}
}
