package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/metrics"
)

// Alert is what gets handed to registered alert handlers when an
// evaluation crosses the alert threshold.
type Alert struct {
	Reason    string    `json:"reason"`
	Level     Level     `json:"level"`
	Score     int       `json:"score"`
	Factors   []string  `json:"factors"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler consumes one alert. Handlers run concurrently and must be safe
// to call from multiple goroutines.
type Handler func(ctx context.Context, alert Alert) error

// Dispatcher fans alerts out to registered handlers. One handler failing
// or panicking never prevents the others from running, and is never
// reported as the evaluation's failure: failures are logged and swallowed.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register adds a named handler. Re-registering a name replaces it.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	d.handlers[name] = h
	d.mu.Unlock()
}

// Unregister removes a handler.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.handlers, name)
	d.mu.Unlock()
}

// Dispatch invokes every registered handler concurrently and waits for
// them to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) {
	metrics.AlertsDispatchedTotal.WithLabelValues(string(alert.Level)).Inc()

	d.mu.RLock()
	handlers := make(map[string]Handler, len(d.handlers))
	for name, h := range d.handlers {
		handlers[name] = h
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for name, h := range handlers {
		wg.Add(1)
		go func(name string, h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("alert handler panicked",
						zap.String("handler", name),
						zap.String("panic", fmt.Sprintf("%v", r)))
				}
			}()
			if err := h(ctx, alert); err != nil {
				d.logger.Error("alert handler failed",
					zap.String("handler", name),
					zap.Error(err))
			}
		}(name, h)
	}
	wg.Wait()
}

// DispatchAsync fans out without waiting; used on the audit path where the
// caller must not block on alert delivery.
func (d *Dispatcher) DispatchAsync(ctx context.Context, alert Alert) {
	go d.Dispatch(ctx, alert)
}
