package brain

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

const (
	// conversationalConfidence is assigned when the model answers in prose
	// instead of JSON.
	conversationalConfidence = 0.8

	// defaultConfidence is assumed when parsed JSON omits the field.
	defaultConfidence = 0.5

	// fenceRemainderMin is the minimum length of text outside a fenced JSON
	// block worth keeping as a user-facing message.
	fenceRemainderMin = 20

	// maxMessageLen caps sanitized error messages persisted to run records.
	maxMessageLen = 240
)

var fencedBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ParseDecision turns raw model output into a Decision. The pipeline tries,
// in order: fenced code block, direct JSON parse, outermost brace substring,
// conversational fallback. It never fails; unusable text becomes a wait.
// known restricts the action vocabulary; nil accepts any action name.
func ParseDecision(text string, known func(string) bool) *models.Decision {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &models.Decision{
			Action:    models.ActionWait,
			Params:    map[string]interface{}{},
			Reasoning: "empty model response",
		}
	}

	// Models often wrap the JSON in a markdown fence and chat around it.
	if m := fencedBlockRe.FindStringSubmatchIndex(trimmed); m != nil {
		if d, ok := decodeDecision(trimmed[m[2]:m[3]], known); ok {
			outside := strings.TrimSpace(trimmed[:m[0]] + trimmed[m[1]:])
			if d.Message == "" && len(outside) > fenceRemainderMin {
				d.Message = outside
			}
			return d
		}
	}

	if d, ok := decodeDecision(trimmed, known); ok {
		return d
	}

	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		if d, ok := decodeDecision(trimmed[start:end+1], known); ok {
			return d
		}
	}

	// Conversational fallback: the model talked instead of deciding.
	return &models.Decision{
		Action:     models.ActionWait,
		Params:     map[string]interface{}{},
		Reasoning:  "conversational response",
		Message:    trimmed,
		Confidence: conversationalConfidence,
		Done:       models.BoolPtr(true),
	}
}

func decodeDecision(candidate string, known func(string) bool) (*models.Decision, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &raw); err != nil {
		return nil, false
	}
	return normalizeDecision(raw, known), true
}

// normalizeDecision maps loose JSON onto the Decision shape. Missing or
// malformed fields degrade to safe defaults instead of failing the parse:
// an unusable or unknown action becomes "wait", params default to an empty
// map, confidence is clamped to [0,1] and an invalid nextCheckMs is dropped.
func normalizeDecision(raw map[string]interface{}, known func(string) bool) *models.Decision {
	d := &models.Decision{
		Action:     models.ActionWait,
		Params:     map[string]interface{}{},
		Confidence: defaultConfidence,
	}

	if action, ok := raw["action"].(string); ok {
		action = strings.TrimSpace(action)
		if action != "" && (known == nil || known(action)) {
			d.Action = action
		}
	}
	if params, ok := raw["params"].(map[string]interface{}); ok && params != nil {
		d.Params = params
	}
	if reasoning, ok := raw["reasoning"].(string); ok {
		d.Reasoning = strings.TrimSpace(reasoning)
	}
	if message, ok := raw["message"].(string); ok {
		d.Message = strings.TrimSpace(message)
	}
	if conf, ok := toFloat(raw["confidence"]); ok {
		d.Confidence = clamp01(conf)
	}
	if done, ok := raw["done"].(bool); ok {
		d.Done = models.BoolPtr(done)
	}
	if next, ok := toInt64(raw["nextCheckMs"]); ok && next >= 0 {
		d.NextCheckMs = models.Int64Ptr(next)
	}
	if blocked, ok := raw["blocked"].(bool); ok {
		d.Blocked = blocked
	}
	if reason, ok := raw["blockReason"].(string); ok {
		d.BlockReason = strings.TrimSpace(reason)
	}

	return d
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// sanitizeError flattens an error into a single-line, bounded, user-facing
// message. Raw errors still go to logs and run records untouched.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return msg
}
