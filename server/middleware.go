package server

// Handler produces the response for a request. The responder at the end of
// a chain is a Handler, and so is every link the chain builds around it.
type Handler interface {
	Respond(req *Request) (*Response, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(req *Request) (*Response, error)

func (f HandlerFunc) Respond(req *Request) (*Response, error) {
	return f(req)
}

// Middleware intercepts a request on its way to next. It decides whether,
// when and how often next runs; calling it at most once is the convention.
type Middleware interface {
	Intercept(req *Request, next Handler) (*Response, error)
}

// MiddlewareFunc adapts a plain function to Middleware.
type MiddlewareFunc func(req *Request, next Handler) (*Response, error)

func (f MiddlewareFunc) Intercept(req *Request, next Handler) (*Response, error) {
	return f(req, next)
}

// Chain folds mws around h so that mws[0] runs first and the last
// middleware's next is h. Nothing runs until the returned handler does, and
// errors come back to its caller untouched.
func Chain(mws []Middleware, h Handler) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = link{mw: mws[i], next: h}
	}
	return h
}

type link struct {
	mw   Middleware
	next Handler
}

func (l link) Respond(req *Request) (*Response, error) {
	return l.mw.Intercept(req, l.next)
}
