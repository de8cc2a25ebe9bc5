package brain

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// defaultCadenceInterval is used when a goal is clearly recurring but names
// no period ("check regularly").
const defaultCadenceInterval = 5 * time.Minute

// cadenceIntent is a schedule parsed out of free-form goal text.
type cadenceIntent struct {
	recurring bool
	interval  time.Duration // recurring period, 0 when the phrase names none
	window    time.Duration // fixed time window, 0 when absent
	openEnded bool          // "until <condition>" style phrases
}

// Goal phrasing the post-filter recognises, English and Russian/Ukrainian.
// Unit alternatives are ordered longest-first because RE2 picks the first
// matching alternative.
var (
	// NOTE: \b is ASCII-only in RE2, so Cyrillic alternatives avoid it and
	// anchor on whitespace or match bare.
	everyRe    = regexp.MustCompile(`(?i)\bevery\s*(\d+)?\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)\b`)
	periodicRe = regexp.MustCompile(`(?i)(?:\b(?:daily|hourly|regularly|periodically)\b|ежедневно|щодня|ежечасно|щогодини|регулярно)`)
	slavicRe   = regexp.MustCompile(`(?i)(?:кажд\S*|кожн\S*|раз\s+в)\s*(\d+)?\s*(секунд\S*|сек|хвилин\S*|хв|минут\S*|мин|часов|часа|час|годин\S*|дней|дня|день|дн)`)
	bareUnitRe = regexp.MustCompile(`(?i)(\d+)\s*(хвилин\S*|хв|минут\S*|мин)`)
	windowRe   = regexp.MustCompile(`(?i)(?:\bfor\b|протягом|в\s+течение)\s+(?:the\s+next\s+)?(\d+)\s*(minutes?|mins?|hours?|hrs?|days?|хвилин\S*|хв|минут\S*|мин|часов|часа|час|годин\S*|дней|дня|день)`)
	untilRe    = regexp.MustCompile(`(?i)\buntil\b|(?:^|\s)(?:до|поки|пока)\s`)
)

// detectCadence finds a schedule in goal text, nil when there is none.
func detectCadence(goal string) *cadenceIntent {
	text := strings.TrimSpace(goal)
	if text == "" {
		return nil
	}

	intent := &cadenceIntent{}

	if m := everyRe.FindStringSubmatch(text); m != nil {
		intent.recurring = true
		intent.interval = unitDuration(m[1], m[2])
	} else if m := slavicRe.FindStringSubmatch(text); m != nil {
		intent.recurring = true
		intent.interval = unitDuration(m[1], m[2])
	} else if word := periodicRe.FindString(text); word != "" {
		intent.recurring = true
		intent.interval = periodicInterval(word)
	} else if m := bareUnitRe.FindStringSubmatch(text); m != nil {
		intent.recurring = true
		intent.interval = unitDuration(m[1], m[2])
	}

	if m := windowRe.FindStringSubmatch(text); m != nil {
		intent.window = unitDuration(m[1], m[2])
	} else if untilRe.MatchString(text) {
		intent.openEnded = true
	}

	if intent.recurring && intent.interval <= 0 {
		intent.interval = defaultCadenceInterval
	}
	if !intent.recurring && intent.window == 0 && !intent.openEnded {
		return nil
	}
	return intent
}

// applyCadence overrides done/nextCheckMs when the goal itself carries a
// schedule. A model declaring "done" after one swap must not terminate a
// "swap every 30 minutes" goal, and a "for 2 hours" goal ends by the clock
// rather than by model judgment.
func applyCadence(goal string, goalSetAt time.Time, d *models.Decision) {
	if d == nil {
		return
	}
	intent := detectCadence(goal)
	if intent == nil {
		return
	}

	if intent.window > 0 && !goalSetAt.IsZero() {
		remaining := intent.window - time.Since(goalSetAt)
		if remaining <= 0 {
			d.Done = models.BoolPtr(true)
			d.NextCheckMs = nil
			return
		}
		d.Done = models.BoolPtr(false)
		next := remaining
		if intent.recurring && intent.interval > 0 && intent.interval < next {
			next = intent.interval
		}
		if d.NextCheckMs != nil {
			if hint := time.Duration(*d.NextCheckMs) * time.Millisecond; hint < next {
				next = hint
			}
		}
		d.NextCheckMs = models.Int64Ptr(next.Milliseconds())
		return
	}

	if intent.recurring {
		d.Done = models.BoolPtr(false)
		d.NextCheckMs = models.Int64Ptr(intent.interval.Milliseconds())
		return
	}

	// Condition-based goals ("hold until price hits 100") stay active unless
	// the model explicitly declares the condition met.
	if d.Done == nil {
		d.Done = models.BoolPtr(false)
	}
}

func unitDuration(countStr, unit string) time.Duration {
	count := int64(1)
	if s := strings.TrimSpace(countStr); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			count = n
		}
	}

	u := strings.ToLower(strings.TrimSpace(unit))
	switch {
	case strings.HasPrefix(u, "sec"), strings.HasPrefix(u, "сек"):
		return time.Duration(count) * time.Second
	case strings.HasPrefix(u, "min"), strings.HasPrefix(u, "хв"), strings.HasPrefix(u, "мин"):
		return time.Duration(count) * time.Minute
	case strings.HasPrefix(u, "hour"), strings.HasPrefix(u, "hr"), strings.HasPrefix(u, "час"), strings.HasPrefix(u, "годин"):
		return time.Duration(count) * time.Hour
	case strings.HasPrefix(u, "day"), strings.HasPrefix(u, "дн"), strings.HasPrefix(u, "ден"):
		return time.Duration(count) * 24 * time.Hour
	default:
		return 0
	}
}

func periodicInterval(word string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "daily", "ежедневно", "щодня":
		return 24 * time.Hour
	case "hourly", "ежечасно", "щогодини":
		return time.Hour
	default:
		return defaultCadenceInterval
	}
}
