package transport

import (
	"context"
	"time"
)

// withTimeout returns a background context bounded by d, or a
// never-cancelled context if d <= 0.
func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d)
}
