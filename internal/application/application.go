package application

import (
	"context"
	"time"
)

type UseCase[C any, R any] interface {
	Execute(ctx context.Context, cmd C) (R, error)
}

// TxManager runs fn inside one unit of work. Repositories called with the
// context passed to fn join that unit of work; nested calls reuse it.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock returns the current time; tests inject fixed clocks.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

// ClockOr returns c, or the system clock when c is nil.
func ClockOr(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}
