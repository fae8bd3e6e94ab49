// Package audit records gateway actions, scores them through the risk
// evaluator, and hands alert-worthy results to the dispatcher. Logging is
// a side channel: it never affects the response of the call being audited.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/service/risk"
)

// Logger is the audit collaborator consumed by the RPC layer.
type Logger struct {
	evaluator  *risk.Evaluator
	dispatcher *risk.Dispatcher
	logger     *zap.Logger
}

func NewLogger(evaluator *risk.Evaluator, dispatcher *risk.Dispatcher, logger *zap.Logger) *Logger {
	return &Logger{
		evaluator:  evaluator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Record scores one completed action and fires an alert when warranted.
// Alert delivery is asynchronous; the audited call never waits on it.
func (l *Logger) Record(ctx context.Context, in risk.Input) risk.Result {
	result := l.evaluator.Evaluate(in)

	l.logger.Info("audit",
		zap.String("category", in.Category),
		zap.String("action", in.Action),
		zap.String("result", in.Result),
		zap.String("user_id", in.UserID),
		zap.Int("risk_score", result.Score),
		zap.String("risk_level", string(result.Level)))

	if result.ShouldAlert {
		l.dispatcher.DispatchAsync(context.WithoutCancel(ctx), risk.Alert{
			Reason:    result.AlertReason,
			Level:     result.Level,
			Score:     result.Score,
			Factors:   result.Factors,
			Category:  in.Category,
			Action:    in.Action,
			UserID:    in.UserID,
			Timestamp: time.Now(),
		})
	}

	return result
}
