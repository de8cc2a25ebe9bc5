package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/adapters/llm"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/metrics"
	"github.com/selivandex/autopilot-runner/pkg/models"
	"github.com/selivandex/autopilot-runner/pkg/templates"
)

const (
	systemTemplate = "agent_system.tmpl"
	userTemplate   = "agent_user.tmpl"

	defaultMaxToolSteps = 5
	defaultMaxMemories  = 10
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// LLMBrain drives an agent with an OpenAI-compatible chat model. Prompts are
// rendered from embedded templates, read-only actions are exposed as tools,
// and the model's final text is parsed into a Decision.
type LLMBrain struct {
	cfg        Config
	llm        *llm.Client
	chain      ChainReader
	env        actions.Env
	tmpl       templates.Renderer
	metricsBuf metrics.Buffer // can be nil
}

// NewLLMBrain builds the model-backed brain for one token.
func NewLLMBrain(cfg Config, deps Deps) (Brain, error) {
	if deps.LLM == nil || !deps.LLM.Enabled() {
		return nil, fmt.Errorf("llm provider not configured")
	}
	if deps.Templates == nil {
		return nil, fmt.Errorf("prompt templates not configured")
	}
	if cfg.Model == "" {
		cfg.Model = deps.LLM.Model()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = deps.LLM.MaxToolSteps()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxToolSteps
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = deps.LLM.MaxMemories()
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = defaultMaxMemories
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = deps.LLM.MinConfidence()
	}

	return &LLMBrain{
		cfg:        cfg,
		llm:        deps.LLM,
		chain:      deps.Chain,
		env:        deps.Env,
		tmpl:       deps.Templates,
		metricsBuf: deps.Metrics,
	}, nil
}

// Think asks the model for a decision. Model and transport failures never
// bubble up: they degrade to a zero-confidence wait, which in turn triggers
// one retry on the fallback model when one is configured.
func (b *LLMBrain) Think(ctx context.Context, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error) {
	decision, err := b.runModel(ctx, b.cfg.Model, obs, memories, reg)
	if err != nil {
		logger.Warn("🧠 Brain call failed",
			zap.Int64("token_id", b.cfg.TokenID),
			zap.String("model", b.cfg.Model),
			zap.Error(err),
		)
		decision = errorDecision(err)
	}

	if fallback := b.llm.FallbackModel(); fallback != "" && fallback != b.cfg.Model &&
		decision.Confidence == 0 && decision.IsWait() {
		logger.Info("🧠 Retrying decision on fallback model",
			zap.Int64("token_id", b.cfg.TokenID),
			zap.String("fallback_model", fallback),
		)
		if retry, retryErr := b.runModel(ctx, fallback, obs, memories, reg); retryErr == nil {
			decision = retry
		}
	}

	decision = b.applyConfidenceFloor(decision, reg)

	applyCadence(b.cfg.Goal, b.cfg.GoalSetAt, decision)

	return decision, nil
}

// applyConfidenceFloor demotes a write action the model is not sure enough
// about to a wait. Read-only actions pass: looking is always safe.
func (b *LLMBrain) applyConfidenceFloor(d *models.Decision, reg *actions.Registry) *models.Decision {
	if b.cfg.MinConfidence <= 0 || d.IsWait() || d.Confidence >= b.cfg.MinConfidence {
		return d
	}
	if a, ok := reg.Get(d.Action); ok && a.Readonly {
		return d
	}

	logger.Info("🧠 Decision below confidence floor, waiting",
		zap.Int64("token_id", b.cfg.TokenID),
		zap.String("action", d.Action),
		zap.Float64("confidence", d.Confidence),
		zap.Float64("floor", b.cfg.MinConfidence),
	)

	demoted := &models.Decision{
		Action:      models.ActionWait,
		Params:      map[string]interface{}{},
		Reasoning:   fmt.Sprintf("confidence %.2f below the %.2f floor for %s", d.Confidence, b.cfg.MinConfidence, d.Action),
		Message:     d.Message,
		Confidence:  d.Confidence,
		Done:        d.Done,
		NextCheckMs: d.NextCheckMs,
		LLMTokens:   d.LLMTokens,
		ToolCalls:   d.ToolCalls,
	}
	return demoted
}

func errorDecision(err error) *models.Decision {
	return &models.Decision{
		Action:    models.ActionWait,
		Params:    map[string]interface{}{},
		Reasoning: "model call failed",
		Message:   sanitizeError(err),
	}
}

// runModel runs one bounded tool-calling conversation and parses the final
// assistant text into a Decision.
func (b *LLMBrain) runModel(ctx context.Context, model string, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error) {
	systemPrompt, err := b.tmpl.ExecuteTemplate(systemTemplate, b.systemData(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to render system prompt: %w", err)
	}
	userPrompt, err := b.tmpl.ExecuteTemplate(userTemplate, b.userData(obs, memories))
	if err != nil {
		return nil, fmt.Errorf("failed to render user prompt: %w", err)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	}
	tools := toolsFromActions(reg.Readonly())
	known := knownActions(reg)

	tokensUsed := 0
	toolCalls := 0

	for step := 0; step < b.cfg.MaxSteps; step++ {
		resp, err := b.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, err
		}
		tokensUsed += resp.Usage.TotalTokens

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			d := ParseDecision(msg.Content, known)
			d.LLMTokens = tokensUsed
			d.ToolCalls = toolCalls
			return d, nil
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			result := b.executeTool(ctx, reg, obs, tc)
			toolCalls++
			logger.Debug("🔧 Tool call",
				zap.Int64("token_id", b.cfg.TokenID),
				zap.String("tool", tc.Function.Name),
			)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	return nil, fmt.Errorf("exceeded %d tool rounds without a decision", b.cfg.MaxSteps)
}

type systemPromptData struct {
	Goal          string
	ChainID       int64
	Router        string
	WrappedNative string
	Stablecoins   []string
	Actions       []string
}

func (b *LLMBrain) systemData(reg *actions.Registry) systemPromptData {
	return systemPromptData{
		Goal:          b.cfg.Goal,
		ChainID:       b.env.ChainID,
		Router:        b.env.RouterAddress,
		WrappedNative: b.env.WrappedNative,
		Stablecoins:   b.env.Stablecoins,
		Actions:       reg.WritableNames(),
	}
}

type userPromptData struct {
	Observation *models.Observation
	Memories    []models.MemoryEntry
}

func (b *LLMBrain) userData(obs *models.Observation, memories []models.MemoryEntry) userPromptData {
	return userPromptData{
		Observation: obs,
		Memories:    trimMemories(memories, b.cfg.MaxMemories),
	}
}

// trimMemories drops goal entries and caps the list. Recall is newest-first,
// so the cap keeps the most recent context.
func trimMemories(memories []models.MemoryEntry, limit int) []models.MemoryEntry {
	out := make([]models.MemoryEntry, 0, limit)
	for _, m := range memories {
		if m.EntryType == models.MemoryGoal {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// toolsFromActions exposes read-only actions as chat tools. The action's
// parameter schema doubles as the function-call schema.
func toolsFromActions(readonly []*actions.Action) []openai.Tool {
	tools := make([]openai.Tool, 0, len(readonly))
	for _, a := range readonly {
		var params interface{} = a.Parameters
		if a.Parameters == nil {
			params = emptyObjectSchema
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        a.Name,
				Description: a.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// knownActions builds the normaliser's action vocabulary from the registry.
func knownActions(reg *actions.Registry) func(string) bool {
	names := map[string]bool{models.ActionWait: true}
	for _, a := range reg.List() {
		names[a.Name] = true
	}
	return func(name string) bool { return names[name] }
}

// executeTool runs one read-only action for the model. Failures are reported
// back as tool output so the model can adjust instead of aborting the cycle.
func (b *LLMBrain) executeTool(ctx context.Context, reg *actions.Registry, obs *models.Observation, tc openai.ToolCall) string {
	started := time.Now()

	out, err := b.runTool(ctx, reg, obs, tc)
	b.emitToolMetric(tc, started, err == nil)
	if err != nil {
		return toolError(err)
	}
	return out
}

func (b *LLMBrain) runTool(ctx context.Context, reg *actions.Registry, obs *models.Observation, tc openai.ToolCall) (string, error) {
	action, ok := reg.Get(tc.Function.Name)
	if !ok || !action.Readonly || action.Execute == nil {
		return "", fmt.Errorf("unknown tool: %s", tc.Function.Name)
	}

	params := map[string]interface{}{}
	if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	if action.Parameters != nil {
		if err := action.Parameters.Validate(params); err != nil {
			return "", err
		}
	}
	for k, v := range b.toolContext(obs) {
		params[k] = v
	}

	result, err := action.Execute(ctx, params)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *LLMBrain) emitToolMetric(tc openai.ToolCall, started time.Time, success bool) {
	if b.metricsBuf == nil {
		return
	}

	m := &metrics.ToolCallMetric{
		Timestamp:       started.UTC(),
		ChainID:         b.env.ChainID,
		TokenID:         b.cfg.TokenID,
		ToolName:        tc.Function.Name,
		Params:          tc.Function.Arguments,
		Success:         success,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
	if err := b.metricsBuf.Add(m); err != nil {
		logger.Debug("failed to buffer tool call metric", zap.Error(err))
	}
}

// toolContext builds the reserved-key context tools read from: the vault
// snapshot taken at the start of the cycle plus live chain callbacks.
func (b *LLMBrain) toolContext(obs *models.Observation) map[string]interface{} {
	injected := map[string]interface{}{
		actions.KeyVault: obs.Vault,
	}
	if obs.VaultTokens != nil {
		injected[actions.KeyVaultTokens] = obs.VaultTokens
	}
	if obs.NativeBalance != nil {
		injected[actions.KeyNativeBalance] = obs.NativeBalance
	}
	if b.chain != nil {
		injected[actions.KeyReadAllowance] = actions.AllowanceReader(b.chain.ReadAllowance)
		injected[actions.KeyGetAmountsOut] = actions.AmountsOutQuoter(b.chain.GetAmountsOut)
	}
	return injected
}

func toolError(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}
