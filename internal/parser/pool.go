package parser

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// PoolConfig sizes the parse worker pool.
type PoolConfig struct {
	// Size is the maximum number of documents decoded at once.
	// Defaults to GOMAXPROCS if zero.
	Size int

	// ExpiryDuration is how long an idle worker is kept. Defaults to 10s.
	ExpiryDuration time.Duration
}

// Pool runs Parse on a bounded set of goroutines so that CPU-heavy decoding
// cannot starve request handling.
type Pool struct {
	// pool executes parse tasks.
	pool *ants.Pool
}

// NewPool constructs a Pool.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		cfg = &PoolConfig{}
	}
	if cfg.Size <= 0 {
		cfg.Size = runtime.GOMAXPROCS(0)
	}
	if cfg.ExpiryDuration <= 0 {
		cfg.ExpiryDuration = 10 * time.Second
	}

	p, err := ants.NewPool(cfg.Size, ants.WithExpiryDuration(cfg.ExpiryDuration))
	if err != nil {
		return nil, fmt.Errorf("parser: create worker pool: %w", err)
	}
	return &Pool{pool: p}, nil
}

type parseResult struct {
	blocks []rag.TextBlock
	err    error
}

// Parse decodes data on a pool worker. It returns ctx.Err() if the caller
// gives up first; the worker still finishes and its result is discarded.
func (p *Pool) Parse(ctx context.Context, data []byte, mimeType string) ([]rag.TextBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan parseResult, 1)
	if err := p.pool.Submit(func() {
		blocks, err := Parse(data, mimeType)
		done <- parseResult{blocks: blocks, err: err}
	}); err != nil {
		return nil, fmt.Errorf("parser: submit: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.blocks, r.err
	}
}

// Running returns the number of busy workers.
func (p *Pool) Running() int { return p.pool.Running() }

// Close releases the pool's workers.
func (p *Pool) Close() {
	p.pool.Release()
}
