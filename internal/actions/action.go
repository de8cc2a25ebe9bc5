package actions

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// Reserved parameter keys the cycle merges into params before encode or
// execute. Validation skips "__"-prefixed keys; "vault" is merged after
// validation, so decisions cannot spoof it.
const (
	KeyVault         = "vault"
	KeyReadAllowance = "__readAllowance"
	KeyGetAmountsOut = "__getAmountsOut"
	KeyVaultTokens   = "__vaultTokens"
	KeyNativeBalance = "__nativeBalance"
)

// NativeToken is the pseudo-address decisions use for the chain's base coin.
const NativeToken = "native"

// AllowanceReader resolves an ERC20 allowance at encode time.
type AllowanceReader func(ctx context.Context, token, owner, spender string) (*big.Int, error)

// AmountsOutQuoter quotes a router path at encode time. Best-effort: nil
// means no quote available.
type AmountsOutQuoter func(ctx context.Context, amountIn *big.Int, path []string) []*big.Int

// EncodeFunc turns validated params into an ordered payload batch.
type EncodeFunc func(ctx context.Context, params map[string]interface{}) ([]models.Payload, error)

// ExecuteFunc runs a read-only action and returns its result for the tool
// transcript.
type ExecuteFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Action is one verb an agent can decide on. Write actions carry Encode,
// read-only ones carry Execute.
type Action struct {
	Name        string
	Description string
	Readonly    bool
	Parameters  *Schema
	Encode      EncodeFunc
	Execute     ExecuteFunc
}

// SignalReader is the slice of the store the market-data tool needs.
type SignalReader interface {
	GetSignal(ctx context.Context, pair string) (*models.MarketSignal, error)
}

// Env carries the chain constants encoders bake into payloads.
type Env struct {
	ChainID       int64
	RouterAddress string
	WrappedNative string
	Stablecoins   []string
}

// Registry holds every action available to agents on this chain.
type Registry struct {
	env     Env
	signals SignalReader
	actions map[string]*Action
}

// NewRegistry builds a registry with all built-in actions registered.
// signals may be nil; the market-data tool then serves quotes only.
func NewRegistry(env Env, signals SignalReader) *Registry {
	r := &Registry{
		env:     env,
		signals: signals,
		actions: make(map[string]*Action),
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces an action.
func (r *Registry) Register(a *Action) {
	r.actions[a.Name] = a
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (*Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// List returns every action sorted by name.
func (r *Registry) List() []*Action {
	out := make([]*Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Readonly returns the tool actions, sorted by name.
func (r *Registry) Readonly() []*Action {
	var out []*Action
	for _, a := range r.List() {
		if a.Readonly {
			out = append(out, a)
		}
	}
	return out
}

// Writable returns the state-changing actions, sorted by name.
func (r *Registry) Writable() []*Action {
	var out []*Action
	for _, a := range r.List() {
		if !a.Readonly {
			out = append(out, a)
		}
	}
	return out
}

// WritableNames returns the names of all state-changing actions.
func (r *Registry) WritableNames() []string {
	actions := r.Writable()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name
	}
	return names
}

func (r *Registry) registerBuiltins() {
	r.Register(r.swapAction())
	r.Register(r.wrapAction())
	r.Register(r.unwrapAction())
	r.Register(r.transferAction())
	r.Register(r.approveAction())
	r.Register(r.rawCallAction())
	r.Register(r.marketDataAction())
	r.Register(r.portfolioAction())
	r.Register(r.allowanceAction())
}

// ============ PARAMETER HELPERS ============

func getString(params map[string]interface{}, key string) (string, error) {
	val, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be string, got %T", key, val)
	}
	return str, nil
}

func getStringDefault(params map[string]interface{}, key, def string) string {
	if val, ok := params[key].(string); ok && val != "" {
		return val
	}
	return def
}

// getBigInt parses an amount parameter. Amounts travel as decimal strings
// because wei values overflow float64; small JSON numbers are accepted when
// integral.
func getBigInt(params map[string]interface{}, key string) (*big.Int, error) {
	val, ok := params[key]
	if !ok || val == nil {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}

	switch v := val.(type) {
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, fmt.Errorf("parameter %s must be a decimal integer string, got %q", key, v)
		}
		return n, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("parameter %s must be an integer amount, got %v", key, v)
		}
		return new(big.Int).SetInt64(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("parameter %s must be a decimal amount, got %T", key, val)
	}
}

func getBigIntDefault(params map[string]interface{}, key string, def *big.Int) (*big.Int, error) {
	if _, ok := params[key]; !ok {
		return def, nil
	}
	return getBigInt(params, key)
}

func getIntDefault(params map[string]interface{}, key string, def int64) (int64, error) {
	val, ok := params[key]
	if !ok || val == nil {
		return def, nil
	}
	switch v := val.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("parameter %s must be number, got %T", key, val)
	}
}

// vaultAddress pulls the cycle-injected vault address out of params.
func vaultAddress(params map[string]interface{}) (string, error) {
	vault, ok := params[KeyVault].(string)
	if !ok || vault == "" {
		return "", fmt.Errorf("vault address missing from action context")
	}
	return vault, nil
}

func injectedAllowanceReader(params map[string]interface{}) AllowanceReader {
	switch fn := params[KeyReadAllowance].(type) {
	case AllowanceReader:
		return fn
	case func(ctx context.Context, token, owner, spender string) (*big.Int, error):
		return fn
	default:
		return nil
	}
}

func injectedQuoter(params map[string]interface{}) AmountsOutQuoter {
	switch fn := params[KeyGetAmountsOut].(type) {
	case AmountsOutQuoter:
		return fn
	case func(ctx context.Context, amountIn *big.Int, path []string) []*big.Int:
		return fn
	default:
		return nil
	}
}

func injectedVaultTokens(params map[string]interface{}) []models.VaultToken {
	if tokens, ok := params[KeyVaultTokens].([]models.VaultToken); ok {
		return tokens
	}
	return nil
}

func injectedNativeBalance(params map[string]interface{}) *big.Int {
	if bal, ok := params[KeyNativeBalance].(*big.Int); ok {
		return bal
	}
	return nil
}
