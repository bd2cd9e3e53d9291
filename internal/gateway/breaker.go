package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// BreakerConfig holds configuration for the gateway circuit breaker.
type BreakerConfig struct {
	Name        string        `yaml:"name"`
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`

	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been seen.
	FailureThreshold float64 `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32  `yaml:"min_requests"`
}

// DefaultBreakerConfig returns a default configuration.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

type breakerGateway struct {
	next   Gateway
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// errConflict marks a conflict as a successful round trip for the breaker.
var errConflict = errors.New("conflict")

// WithBreaker wraps next so that repeated transport failures open a circuit.
// While open, calls fail fast with a TransportError. Conflicts and missing
// entities are answers from a healthy remote and do not count as failures.
func WithBreaker(next Gateway, cfg BreakerConfig, logger *zap.Logger) Gateway {
	logger = logging.Named(logger, "breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errConflict) || errors.Is(err, ErrNotFound)
		},
	})
	return &breakerGateway{next: next, cb: cb, logger: logger}
}

func (b *breakerGateway) Load(ctx context.Context, id string) (models.Document, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Load(ctx, id)
	})
	if err != nil {
		if isBreakerRejection(err) {
			return models.Document{}, &TransportError{Op: "load", ID: id, Err: err}
		}
		return models.Document{}, err
	}
	return out.(models.Document), nil
}

func (b *breakerGateway) Save(ctx context.Context, id string, content models.Snapshot, precondition models.Revision) SaveResult {
	var result SaveResult
	_, err := b.cb.Execute(func() (interface{}, error) {
		result = b.next.Save(ctx, id, content, precondition)
		switch result.Outcome {
		case Conflict:
			return nil, errConflict
		case Transport:
			return nil, result.Err
		}
		return nil, nil
	})
	if isBreakerRejection(err) {
		return Failed(&TransportError{Op: "save", ID: id, Err: err})
	}
	return result
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
