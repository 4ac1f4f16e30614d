package advisory

import (
	"context"
	"errors"
	"time"
)

// ErrNoTimeLeft reports that the caller's deadline passes before an upstream call could start
var ErrNoTimeLeft = errors.New("no time left before the request deadline")

type callBudgetKey struct{}

// WithCallBudget records how long one upstream call may take. The clock only
// starts at StartCall, so time spent queueing for a rate limiter is not charged.
func WithCallBudget(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, callBudgetKey{}, d)
}

// StartCall bounds ctx by the budget recorded with WithCallBudget.
// Provider clients call it right before contacting the upstream service.
func StartCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if d, ok := ctx.Value(callBudgetKey{}).(time.Duration); ok && d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
