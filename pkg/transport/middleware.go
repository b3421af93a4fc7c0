package transport

// Middleware decorates a Transport with cross-cutting behavior such as frame
// accounting. The first middleware in a Descriptor ends up outermost.
type Middleware interface {
	Wrap(next Transport) Transport
}

// MiddlewareFunc adapts a plain function to Middleware.
type MiddlewareFunc func(next Transport) Transport

func (f MiddlewareFunc) Wrap(next Transport) Transport { return f(next) }

// Chain composes mw so that mw[0] sees every call first.
func Chain(mw ...Middleware) Middleware {
	return MiddlewareFunc(func(next Transport) Transport {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i].Wrap(next)
		}
		return next
	})
}

// Wrapped forwards every Transport method to the embedded transport. Embed
// it in a middleware and override only what needs decorating.
type Wrapped struct {
	Transport
}

// Unwrap returns the decorated transport.
func (w Wrapped) Unwrap() Transport { return w.Transport }

// Unwrap strips middleware layers until it reaches the base transport.
func Unwrap(t Transport) Transport {
	for {
		u, ok := t.(interface{ Unwrap() Transport })
		if !ok {
			return t
		}
		t = u.Unwrap()
	}
}
