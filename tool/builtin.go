package tool

import (
	"context"
	"fmt"
	"time"
)

// DefaultRegistry returns a registry with the builtin tools registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Builtin registration cannot collide with itself.
	if err := r.Register(PingSpec()); err != nil {
		panic(fmt.Sprintf("register ping: %v", err))
	}
	if err := r.Register(SleepSpec()); err != nil {
		panic(fmt.Sprintf("register sleep: %v", err))
	}
	return r
}

// PingSpec is a connectivity sanity tool: echoes a message.
func PingSpec() Spec {
	return Spec{
		Name:        "ping",
		Description: "Connectivity sanity tool: echoes a message.",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"message": {Type: "string", Description: "Text to echo back."},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			message, _ := args["message"].(string)
			if message == "" {
				message = "pong"
			}
			return map[string]any{"ok": true, "tool": "ping", "echo": message}, nil
		},
	}
}

// SleepSpec blocks for a number of seconds; used to exercise lease expiry
// and retry accounting in demos.
func SleepSpec() Spec {
	return Spec{
		Name:        "sleep",
		Description: "Sleeps for the given number of seconds.",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"seconds": {Type: "number", Description: "How long to sleep."},
			},
			Required: []string{"seconds"},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			seconds := toFloat(args["seconds"])
			if seconds < 0 {
				return nil, fmt.Errorf("%w: seconds must be non-negative", ErrInvalidArgument)
			}
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]any{"ok": true, "tool": "sleep", "slept_s": seconds}, nil
		},
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
