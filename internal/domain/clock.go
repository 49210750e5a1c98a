package domain

import (
	"context"
	"time"
)

// SystemClock implements Clock over the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
