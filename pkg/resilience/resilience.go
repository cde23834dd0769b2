package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"supportwidget-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a Breaker
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit
	OpenTimeout      time.Duration // time spent open before a half-open probe
	MaxAttempts      int           // attempts made by ExecuteWithRetry
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// ShouldTrip decides whether an error counts as a failure. Errors that do
	// not count are returned as-is and never retried. Nil counts every error.
	ShouldTrip func(error) bool

	// Registerer receives the breaker metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the settings used for the realtime service port
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
	}
}

type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         prometheus.Gauge
}

// Breaker wraps calls to a flaky dependency with a circuit breaker and
// bounded retry.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	metrics *breakerMetrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a breaker. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	factory := promauto.With(cfg.Registerer)
	labels := prometheus.Labels{"breaker": cfg.Name}
	m := &breakerMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "circuit_breaker_requests_total",
			Help:        "Total number of calls through the circuit breaker",
			ConstLabels: labels,
		}, []string{"operation", "status"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "circuit_breaker_errors_total",
			Help:        "Total number of failed calls by error type",
			ConstLabels: labels,
		}, []string{"operation", "error_type"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "circuit_breaker_state",
			Help:        "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: labels,
		}),
	}

	return &Breaker{
		cfg:     cfg,
		state:   CircuitBreakerClosed,
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Execute runs fn once through the breaker
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if err := b.admit(operation); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(operation, err)
	return err
}

// ExecuteWithRetry runs fn through the breaker, retrying tripping failures
// with linear backoff. Use it only for operations that are safe to repeat.
func (b *Breaker) ExecuteWithRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Warn("Retrying operation",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := b.Execute(ctx, operation, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) || !b.trips(err) {
			return err
		}
		lastErr = err

		if attempt == b.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * b.cfg.InitialBackoff
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		if err := b.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s %s: %w", b.cfg.Name, operation, lastErr)
		}
	}
	return lastErr
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves an expired open circuit to half-open. Caller holds mu.
func (b *Breaker) currentState() CircuitBreakerState {
	if b.state == CircuitBreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.setState(CircuitBreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) admit(operation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case CircuitBreakerOpen:
		b.metrics.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
		return ErrCircuitOpen
	case CircuitBreakerHalfOpen:
		// One probe at a time while half-open.
		if b.probing {
			b.metrics.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
			return ErrCircuitOpen
		}
		b.probing = true
		logger.Warn("Circuit breaker HALF-OPEN - allowing probe",
			zap.String("breaker", b.cfg.Name),
			zap.String("operation", operation),
		)
	}
	return nil
}

func (b *Breaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if err == nil || !b.trips(err) {
		if err == nil {
			b.metrics.requestsTotal.WithLabelValues(operation, "success").Inc()
		} else {
			b.metrics.requestsTotal.WithLabelValues(operation, "rejected").Inc()
		}
		b.consecutiveFailures = 0
		if b.state != CircuitBreakerClosed {
			b.setState(CircuitBreakerClosed)
			logger.Info("Circuit breaker CLOSED - dependency recovered",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation),
			)
		}
		return
	}

	b.metrics.requestsTotal.WithLabelValues(operation, "failure").Inc()
	b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
	b.consecutiveFailures++

	if wasProbe || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
			)
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

func (b *Breaker) trips(err error) bool {
	if b.cfg.ShouldTrip == nil {
		return true
	}
	return b.cfg.ShouldTrip(err)
}

func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	switch s {
	case CircuitBreakerClosed:
		b.metrics.state.Set(0)
	case CircuitBreakerHalfOpen:
		b.metrics.state.Set(1)
	case CircuitBreakerOpen:
		b.metrics.state.Set(2)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "redis"):
		return "redis"
	default:
		return "unknown"
	}
}
