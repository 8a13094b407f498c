package handlers

import (
	"context"
	"fmt"
	"time"
)

func init() {
	MustRegister("builtin", "noop", noopHandler)
	MustRegister("builtin", "sleep", sleepHandler)
}

// noopHandler returns immediately. Useful for exercising the scheduler
// and supervisor lifecycle without a real workload.
func noopHandler(ctx context.Context, params map[string]interface{}) error {
	return nil
}

// sleepHandler blocks for params["duration_s"] seconds (default 1),
// honoring context cancellation. Useful for exercising timeout_s and
// the termination protocol.
func sleepHandler(ctx context.Context, params map[string]interface{}) error {
	d := time.Second
	if v, ok := params["duration_s"]; ok {
		switch n := v.(type) {
		case float64:
			d = time.Duration(n * float64(time.Second))
		case int:
			d = time.Duration(n) * time.Second
		default:
			return fmt.Errorf("duration_s must be numeric, got %T", v)
		}
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
