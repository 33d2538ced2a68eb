package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"clusterkeeper/pkg/metrics"
	"clusterkeeper/pkg/resilience"
)

// RetryConfig bounds the retries of operations that failed with ErrConnectionLoss.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime is the total budget after which the last error surfaces.
	MaxElapsedTime time.Duration
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
	}
}

// Resilient decorates a Client with retries and a circuit breaker. Only
// ErrConnectionLoss is retried; benign store answers (ErrNoNode, ErrNodeExists,
// ErrBadVersion) and session expiry pass straight through and never count
// against the circuit.
type Resilient struct {
	next    Client
	breaker *resilience.CircuitBreaker
	retry   RetryConfig
	logger  *zap.Logger
}

// NewResilient wraps next.
func NewResilient(next Client, retry RetryConfig, breaker resilience.CircuitBreakerConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("coordination")
	breaker.IsFailure = IsConnectionLoss
	userHook := breaker.OnStateChange
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		logger.Warn("coordination circuit changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	return &Resilient{
		next:    next,
		breaker: resilience.NewCircuitBreaker("coordination", breaker),
		retry:   retry,
		logger:  logger,
	}
}

// IsConnectionLoss reports whether err means the store could not be reached.
func IsConnectionLoss(err error) bool {
	return errors.Is(err, ErrConnectionLoss)
}

func (r *Resilient) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = r.retry.MaxElapsedTime
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// call runs fn once through the breaker.
func (r *Resilient) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := r.breaker.Execute(ctx, fn)
	metrics.RecordStoreOperation(op, err, time.Since(start).Seconds())
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrConnectionLoss, err)
	}
	return err
}

// do runs fn, retrying connection loss with exponential backoff.
func (r *Resilient) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		err := r.call(ctx, op, fn)
		switch {
		case err == nil:
			return nil
		case IsConnectionLoss(err) && !errors.Is(err, resilience.ErrCircuitOpen):
			r.logger.Debug("retrying coordination operation",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, r.newBackOff(ctx))
}

func (r *Resilient) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	var created string
	fn := func() error {
		var err error
		created, err = r.next.Create(ctx, path, data, mode)
		return err
	}
	// A lost reply to a sequential create may still have created the node, so a
	// retry could leave a second one behind.
	if mode.IsSequential() {
		return created, r.call(ctx, "create", fn)
	}
	return created, r.do(ctx, "create", fn)
}

func (r *Resilient) Exists(ctx context.Context, path string) (*Stat, error) {
	var stat *Stat
	err := r.do(ctx, "exists", func() error {
		var err error
		stat, err = r.next.Exists(ctx, path)
		return err
	})
	return stat, err
}

func (r *Resilient) ExistsW(ctx context.Context, path string) (*Stat, <-chan Event, error) {
	var stat *Stat
	var watch <-chan Event
	err := r.do(ctx, "exists", func() error {
		var err error
		stat, watch, err = r.next.ExistsW(ctx, path)
		return err
	})
	return stat, watch, err
}

func (r *Resilient) Children(ctx context.Context, path string) ([]string, error) {
	var children []string
	err := r.do(ctx, "children", func() error {
		var err error
		children, err = r.next.Children(ctx, path)
		return err
	})
	return children, err
}

func (r *Resilient) ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error) {
	var children []string
	var watch <-chan Event
	err := r.do(ctx, "children", func() error {
		var err error
		children, watch, err = r.next.ChildrenW(ctx, path)
		return err
	})
	return children, watch, err
}

func (r *Resilient) Get(ctx context.Context, path string) ([]byte, *Stat, error) {
	var data []byte
	var stat *Stat
	err := r.do(ctx, "get", func() error {
		var err error
		data, stat, err = r.next.Get(ctx, path)
		return err
	})
	return data, stat, err
}

func (r *Resilient) Delete(ctx context.Context, path string, version int64) error {
	return r.do(ctx, "delete", func() error {
		return r.next.Delete(ctx, path, version)
	})
}

func (r *Resilient) Close() error {
	return r.next.Close()
}

// CancelWatch forwards to the wrapped client.
func (r *Resilient) CancelWatch(watch <-chan Event) {
	CancelWatch(r.next, watch)
}

// Breaker exposes the circuit breaker for health reporting.
func (r *Resilient) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}
