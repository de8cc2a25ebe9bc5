package brain

import (
	"context"
	"testing"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// TestFactoryBlueprints verifies the built-in blueprint table and the
// unknown-blueprint rejection.
func TestFactoryBlueprints(t *testing.T) {
	f := NewFactory(Deps{})

	for _, name := range []string{"llm_trader", "llm_dca", "static", "recurring_call"} {
		if !f.Known(name) {
			t.Errorf("blueprint %q should be registered", name)
		}
	}
	if f.Known("grid_bot") {
		t.Error("unregistered blueprint should not be known")
	}

	if _, err := f.Build("grid_bot", Config{}); err == nil {
		t.Error("building an unknown blueprint should fail")
	}
}

// TestFactoryBuildStatic verifies static blueprints build without LLM deps.
func TestFactoryBuildStatic(t *testing.T) {
	f := NewFactory(Deps{})

	b, err := f.Build("static", Config{Target: "0x3333333333333333333333333333333333333333"})
	if err != nil {
		t.Fatalf("failed to build static brain: %v", err)
	}
	if _, ok := b.(*StaticBrain); !ok {
		t.Errorf("brain type mismatch. Expected: *StaticBrain, Got: %T", b)
	}
}

// TestFactoryBuildLLMRequiresProvider verifies LLM blueprints fail fast when
// no provider is configured.
func TestFactoryBuildLLMRequiresProvider(t *testing.T) {
	f := NewFactory(Deps{})

	if _, err := f.Build("llm_trader", Config{Goal: "buy the dip"}); err == nil {
		t.Error("building an llm brain without a provider should fail")
	}
}

// TestFactoryRegisterBlueprint verifies custom blueprints can be installed.
func TestFactoryRegisterBlueprint(t *testing.T) {
	f := NewFactory(Deps{})
	f.RegisterBlueprint("noop", func(cfg Config, deps Deps) (Brain, error) {
		return brainFunc(func(ctx context.Context, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error) {
			return &models.Decision{Action: models.ActionWait, Confidence: 1}, nil
		}), nil
	})

	if !f.Known("noop") {
		t.Fatal("custom blueprint should be known after registration")
	}

	b, err := f.Build("noop", Config{})
	if err != nil {
		t.Fatalf("failed to build custom brain: %v", err)
	}

	d, err := b.Think(context.Background(), &models.Observation{}, nil, nil)
	if err != nil {
		t.Fatalf("Think failed: %v", err)
	}
	if d.Action != models.ActionWait {
		t.Errorf("Action mismatch. Expected: %v, Got: %v", models.ActionWait, d.Action)
	}

	blueprints := f.Blueprints()
	if len(blueprints) != 5 {
		t.Errorf("blueprint count mismatch. Expected: 5, Got: %v", len(blueprints))
	}
}

// brainFunc adapts a function to the Brain interface for tests.
type brainFunc func(ctx context.Context, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error)

func (f brainFunc) Think(ctx context.Context, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error) {
	return f(ctx, obs, memories, reg)
}
