package gateway

import "context"

type callerKey struct{}

// caller identifies who issued an RPC request.
type caller struct {
	ClientID  string
	Transport string // "ws" or "http"
	Addr      string
}

// actor names the caller in approval decisions and logs.
func (c caller) actor() string {
	switch {
	case c.ClientID != "":
		return c.ClientID
	case c.Transport != "":
		return "gateway/" + c.Transport
	default:
		return "gateway"
	}
}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFromContext(ctx context.Context) caller {
	if ctx == nil {
		return caller{}
	}
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}
