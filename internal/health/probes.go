package health

import (
	"context"
	"fmt"
)

// PingProbe turns a connectivity check into a probe. Used for the bus
// connection and the store.
func PingProbe(what string, ping func(ctx context.Context) error) ProbeFunc {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return Result{Status: StatusHealthy, Message: what + " ok"}
	}
}

// RegistryProbe reports degraded when the registry knows no engines, since
// the broker then cannot satisfy any engine request.
func RegistryProbe(counts func() (components, engines int)) ProbeFunc {
	return func(ctx context.Context) Result {
		components, engines := counts()
		r := Result{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d components, %d engines", components, engines),
			Details: map[string]any{"components": components, "engines": engines},
		}
		if engines == 0 {
			r.Status = StatusDegraded
		}
		return r
	}
}
