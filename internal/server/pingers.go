package server

import "context"

// FuncPinger adapts a dependency's ping method, such as the metadata store's,
// the vector index's or the query cache's, to the Pinger interface.
type FuncPinger struct {
	// name is the dependency label.
	name string
	// fn performs the check.
	fn func(ctx context.Context) error
}

// NewFuncPinger constructs a FuncPinger.
func NewFuncPinger(name string, fn func(ctx context.Context) error) *FuncPinger {
	return &FuncPinger{name: name, fn: fn}
}

// Name returns the dependency label used in readiness responses.
func (p *FuncPinger) Name() string { return p.name }

// Ping runs the wrapped check.
func (p *FuncPinger) Ping(ctx context.Context) error { return p.fn(ctx) }
