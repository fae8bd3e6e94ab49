// Package risk scores audited actions and decides whether they warrant an
// alert. Scoring is additive and fully deterministic: identical input
// always produces the same score, level, and factor ordering. The
// evaluator never blocks or retries; its only side effect is a log line
// for high and critical results.
package risk

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Level buckets a score for human consumption.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score breakpoints. Monotonic in score.
const (
	criticalAt = 80
	highAt     = 55
	mediumAt   = 30
)

// DefaultAlertThreshold is used when the config leaves it zero.
const DefaultAlertThreshold = 70

// Input describes an audited action.
type Input struct {
	Category     string                 `json:"category"`
	Action       string                 `json:"action"`
	Result       string                 `json:"result"` // success, failure, partial
	UserID       string                 `json:"user_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Result is the scored outcome.
type Result struct {
	Level       Level    `json:"risk_level"`
	Score       int      `json:"score"`
	Factors     []string `json:"factors"`
	ShouldAlert bool     `json:"should_alert"`
	AlertReason string   `json:"alert_reason,omitempty"`
}

// Base scores per category.action. Destructive system actions start high
// regardless of outcome; read-only actions start low. Unknown actions fall
// back to the per-category default.
var baseScores = map[string]int{
	"system.command_executed":   60,
	"system.config_changed":     50,
	"system.service_restarted":  45,
	"system.shutdown":           65,
	"auth.login":                10,
	"auth.login_failed":         25,
	"auth.password_changed":     30,
	"auth.mfa_disabled":         45,
	"admin.user_suspended":      40,
	"admin.role_assigned":       45,
	"data.read":                 5,
	"data.exported":             40,
	"data.deleted":              55,
	"skill.executed":            35,
	"file.uploaded":             15,
}

var categoryDefaults = map[string]int{
	"system": 40,
	"auth":   20,
	"admin":  30,
	"data":   25,
	"skill":  25,
	"file":   15,
	"chat":   10,
}

const fallbackBase = 10

var sensitiveMarkers = []string{"password", "secret", "token", "key", "credential"}

var roleChangeMarkers = []string{"role", "permission", "privilege"}

var deletionMarkers = []string{"delete", "purge", "destroy", "wipe"}

// Config tunes the evaluator.
type Config struct {
	AlertThreshold     int
	BatchSizeThreshold int
	// SuspiciousIPPrefixes are matched against the input IP with a
	// simple prefix comparison.
	SuspiciousIPPrefixes []string
}

// Evaluator scores audit inputs.
type Evaluator struct {
	cfg    Config
	logger *zap.Logger
}

func NewEvaluator(cfg Config, logger *zap.Logger) *Evaluator {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}
	if cfg.BatchSizeThreshold <= 0 {
		cfg.BatchSizeThreshold = 50
	}
	return &Evaluator{cfg: cfg, logger: logger}
}

// Evaluate scores one audited action. Increments are applied in a fixed
// order so the factor list is stable for identical input.
func (e *Evaluator) Evaluate(in Input) Result {
	score := 0
	var factors []string

	add := func(points int, factor string) {
		score += points
		factors = append(factors, factor)
	}

	// 1. Base score for the action.
	key := in.Category + "." + in.Action
	base, ok := baseScores[key]
	if !ok {
		base, ok = categoryDefaults[in.Category]
		if !ok {
			base = fallbackBase
		}
	}
	add(base, fmt.Sprintf("base score for %s", key))

	// 2. Outcome.
	switch in.Result {
	case "failure":
		add(15, "action failed")
	case "partial":
		add(10, "action partially completed")
	}

	// 3. Error message content.
	if in.ErrorMessage != "" {
		add(5, "error message present")
		lower := strings.ToLower(in.ErrorMessage)
		if strings.Contains(lower, "permission") || strings.Contains(lower, "unauthorized") ||
			strings.Contains(lower, "forbidden") || strings.Contains(lower, "access denied") {
			add(15, "permission failure in error message")
		}
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
			add(10, "rate limiting in error message")
		}
	}

	// 4. Anonymous actions on non-system resources.
	if in.UserID == "" && in.Category != "system" {
		add(10, "no user attached to non-system action")
	}

	// 5. Suspicious origin.
	if in.IPAddress != "" {
		for _, prefix := range e.cfg.SuspiciousIPPrefixes {
			if strings.HasPrefix(in.IPAddress, prefix) {
				add(5, fmt.Sprintf("suspicious origin %s", in.IPAddress))
				break
			}
		}
	}

	// 6. Detail inspection.
	if len(in.Details) > 0 {
		if n, ok := batchSize(in.Details); ok && n > e.cfg.BatchSizeThreshold {
			add(10, fmt.Sprintf("batch operation of %d items", n))
		}

		serialized := serializeDetails(in.Details)
		if containsAny(serialized, sensitiveMarkers) {
			add(15, "sensitive fields in details")
		}
		if containsAny(serialized, deletionMarkers) {
			add(20, "deletion markers in details")
		}
		if containsAny(serialized, roleChangeMarkers) {
			add(15, "role or permission change in details")
		}
	}

	result := Result{
		Score:   score,
		Level:   levelFor(score),
		Factors: factors,
	}
	if score >= e.cfg.AlertThreshold {
		result.ShouldAlert = true
		result.AlertReason = fmt.Sprintf("risk score %d (threshold %d): %s",
			score, e.cfg.AlertThreshold, strings.Join(factors, "; "))
	}

	if result.Level == LevelHigh || result.Level == LevelCritical {
		e.logger.Warn("high risk action",
			zap.String("category", in.Category),
			zap.String("action", in.Action),
			zap.String("result", in.Result),
			zap.String("user_id", in.UserID),
			zap.Int("score", score),
			zap.String("level", string(result.Level)),
			zap.Strings("factors", factors))
	}

	return result
}

func levelFor(score int) Level {
	switch {
	case score >= criticalAt:
		return LevelCritical
	case score >= highAt:
		return LevelHigh
	case score >= mediumAt:
		return LevelMedium
	default:
		return LevelLow
	}
}

// batchSize looks for a count-like detail field.
func batchSize(details map[string]interface{}) (int, bool) {
	for _, field := range []string{"batch_size", "item_count", "count"} {
		if v, ok := details[field]; ok {
			switch n := v.(type) {
			case int:
				return n, true
			case int64:
				return int(n), true
			case float64:
				return int(n), true
			}
		}
	}
	return 0, false
}

// serializeDetails renders details deterministically: json.Marshal sorts
// map keys.
func serializeDetails(details map[string]interface{}) string {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprintf("%v", details)
	}
	return strings.ToLower(string(data))
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
