package guardrails

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// Stable violation codes. HARD_ and SOFT_ prefixed codes are elevated into
// the run record's violation_code column; BUSINESS_ codes drive the
// scheduler's blocked backoff.
const (
	CodeEmptyTarget        = "HARD_EMPTY_TARGET"
	CodeTargetNotAllowed   = "HARD_TARGET_NOT_ALLOWED"
	CodeSelectorNotAllowed = "HARD_SELECTOR_NOT_ALLOWED"
	CodeMaxValueExceeded   = "HARD_MAX_VALUE_EXCEEDED"
	CodeBalance            = "HARD_BALANCE"
	CodePolicyCooldown     = "BUSINESS_POLICY_COOLDOWN"
	CodeBudgetExhausted    = "BUSINESS_BUDGET_EXHAUSTED"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Violation is one failed policy check.
type Violation struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Result is the dispatcher verdict for one payload.
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// First returns the leading violation, the one surfaced as blockReason.
func (r *Result) First() *Violation {
	if len(r.Violations) == 0 {
		return nil
	}
	return &r.Violations[0]
}

// Context carries everything a rule may inspect: identity, the decision's
// trade shape as extracted by the cycle, the strategy's policy and the
// observation extracts.
type Context struct {
	TokenID      int64
	AgentType    string
	Vault        string
	Timestamp    time.Time
	ActionName   string
	SpendAmount  *big.Int
	ActionTokens []string
	AmountIn     *big.Int
	MinOut       *big.Int

	AllowedTargets         []string
	AllowedSelectors       []string
	MaxValuePerRun         *big.Int
	RequirePositiveBalance bool

	NativeBalance   *big.Int
	CooldownSeconds int64
}

// BudgetChecker is the slice of the store the budget rule needs.
type BudgetChecker interface {
	CheckBudget(ctx context.Context, tokenID int64, value decimal.Decimal) (bool, error)
}

// Rule inspects one payload and returns a violation or nil.
type Rule func(ctx context.Context, p models.Payload, gctx *Context) (*Violation, error)

// Dispatcher runs every registered rule and accumulates violations.
type Dispatcher struct {
	rules  []Rule
	budget BudgetChecker
}

// New builds a dispatcher with the built-in rule set. budget may be nil,
// which disables the daily-budget rule.
func New(budget BudgetChecker) *Dispatcher {
	d := &Dispatcher{budget: budget}
	d.rules = []Rule{
		ruleEmptyTarget,
		ruleTargetAllowed,
		ruleSelectorAllowed,
		ruleMaxValue,
		ruleBalance,
		ruleCooldown,
		d.ruleBudget,
	}
	return d
}

// Register appends a custom rule after the built-ins.
func (d *Dispatcher) Register(rule Rule) {
	d.rules = append(d.rules, rule)
}

// Check runs all rules over the payload. The error return carries
// infrastructure failures (a rule that could not evaluate); policy outcomes
// travel in the Result.
func (d *Dispatcher) Check(ctx context.Context, p models.Payload, gctx *Context) (*Result, error) {
	result := &Result{OK: true}

	for _, rule := range d.rules {
		violation, err := rule(ctx, p, gctx)
		if err != nil {
			return nil, err
		}
		if violation != nil {
			result.Violations = append(result.Violations, *violation)
		}
	}

	if len(result.Violations) > 0 {
		result.OK = false
		logger.Warn("⚠️ Guardrails blocked action",
			zap.Int64("token_id", gctx.TokenID),
			zap.String("action", gctx.ActionName),
			zap.String("reason", result.Violations[0].Message),
			zap.String("code", result.Violations[0].Code),
		)
	}

	return result, nil
}

func ruleEmptyTarget(_ context.Context, p models.Payload, _ *Context) (*Violation, error) {
	target := strings.TrimSpace(p.Target)
	if target == "" || strings.EqualFold(target, zeroAddress) {
		return &Violation{
			Message: "payload target is empty",
			Code:    CodeEmptyTarget,
		}, nil
	}
	return nil, nil
}

func ruleTargetAllowed(_ context.Context, p models.Payload, gctx *Context) (*Violation, error) {
	if len(gctx.AllowedTargets) == 0 {
		return nil, nil
	}

	for _, allowed := range gctx.AllowedTargets {
		if strings.EqualFold(allowed, p.Target) {
			return nil, nil
		}
	}

	return &Violation{
		Message: fmt.Sprintf("target %s is not in the strategy allow-list", p.Target),
		Code:    CodeTargetNotAllowed,
	}, nil
}

func ruleSelectorAllowed(_ context.Context, p models.Payload, gctx *Context) (*Violation, error) {
	// Native transfers carry no calldata and therefore no selector.
	if len(gctx.AllowedSelectors) == 0 || len(p.Data) < 4 {
		return nil, nil
	}

	selector := hexutil.Encode(p.Data[:4])
	for _, allowed := range gctx.AllowedSelectors {
		if strings.EqualFold(allowed, selector) {
			return nil, nil
		}
	}

	return &Violation{
		Message: fmt.Sprintf("selector %s is not in the strategy allow-list", selector),
		Code:    CodeSelectorNotAllowed,
	}, nil
}

func ruleMaxValue(_ context.Context, _ models.Payload, gctx *Context) (*Violation, error) {
	if gctx.MaxValuePerRun == nil || gctx.MaxValuePerRun.Sign() <= 0 {
		return nil, nil
	}
	if gctx.SpendAmount == nil || gctx.SpendAmount.Cmp(gctx.MaxValuePerRun) <= 0 {
		return nil, nil
	}

	return &Violation{
		Message: fmt.Sprintf("spend %s exceeds the per-run limit %s",
			gctx.SpendAmount.String(), gctx.MaxValuePerRun.String()),
		Code: CodeMaxValueExceeded,
	}, nil
}

func ruleBalance(_ context.Context, p models.Payload, gctx *Context) (*Violation, error) {
	if gctx.NativeBalance == nil {
		return nil, nil
	}

	if gctx.RequirePositiveBalance && gctx.NativeBalance.Sign() <= 0 {
		return &Violation{
			Message: "vault native balance is zero",
			Code:    CodeBalance,
		}, nil
	}

	if p.Value != nil && p.Value.Sign() > 0 && gctx.NativeBalance.Cmp(p.Value) < 0 {
		return &Violation{
			Message: fmt.Sprintf("vault balance %s is below the payload value %s",
				gctx.NativeBalance.String(), p.Value.String()),
			Code: CodeBalance,
		}, nil
	}

	return nil, nil
}

func ruleCooldown(_ context.Context, _ models.Payload, gctx *Context) (*Violation, error) {
	if gctx.CooldownSeconds <= 0 {
		return nil, nil
	}

	return &Violation{
		Message: fmt.Sprintf("on-chain action cooldown active, %ds remaining", gctx.CooldownSeconds),
		Code:    CodePolicyCooldown,
	}, nil
}

func (d *Dispatcher) ruleBudget(ctx context.Context, _ models.Payload, gctx *Context) (*Violation, error) {
	if d.budget == nil {
		return nil, nil
	}

	spend := decimal.Zero
	if gctx.SpendAmount != nil {
		spend = decimal.NewFromBigInt(gctx.SpendAmount, 0)
	}

	ok, err := d.budget.CheckBudget(ctx, gctx.TokenID, spend)
	if err != nil {
		return nil, fmt.Errorf("failed to check budget: %w", err)
	}
	if !ok {
		return &Violation{
			Message: "daily budget exhausted",
			Code:    CodeBudgetExhausted,
		}, nil
	}

	return nil, nil
}
