package extension

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// Breaker thresholds for module-provided functions
const (
	TripAfter    = 5
	TripCooldown = 30 * time.Second
)

// guarded runs a module function through its own circuit breaker. Lookup
// and argument errors never count toward tripping.
type guarded struct {
	fn      Function
	breaker *resilience.Breaker
}

func (r *Registry) guard(name string, fn Function) *guarded {
	logger := r.logger
	return &guarded{
		fn: fn,
		breaker: resilience.New(name, resilience.Settings{
			Timeout: TripCooldown,
			ReadyToTrip: func(c resilience.Counts) bool {
				return c.ConsecutiveFailures >= TripAfter
			},
			IsFailure: func(err error) bool {
				return err != nil &&
					!errors.Is(err, errs.ErrInvalidArgument) &&
					!errors.Is(err, errs.ErrNotFound)
			},
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("Extension function breaker changed state",
					zap.String("function", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
	}
}

// Call implements Function
func (g *guarded) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	var out []uint64
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.fn.Call(ctx, args...)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, errs.Native(g.breaker.Name(), err)
	}
	return out, err
}

// State reports the breaker state
func (g *guarded) State() resilience.State { return g.breaker.State() }
