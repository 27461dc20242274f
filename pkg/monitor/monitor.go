// Package monitor defines how a backend reports progress and learns about
// cancellation. Cancellation is cooperative: backends poll CheckCancelled at
// safe points and never get interrupted in the middle of a remote call.
package monitor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/failure"
)

type Monitor interface {
	Open(total float64)
	Progressed(delta float64)
	// CheckCancelled returns failure.ErrCancelled once cancellation was requested.
	CheckCancelled() error
	// Output receives remote stdout/stderr.
	Output() io.Writer
	Close()
}

// Basic is a Monitor cancelled either by its context or by Cancel.
type Basic struct {
	ctx       context.Context
	logger    lg.Logger
	out       io.Writer
	cancelled atomic.Bool

	mu      sync.Mutex
	total   float64
	current float64
}

func New(ctx context.Context, logger lg.Logger, out io.Writer) *Basic {
	if logger == nil {
		logger = lg.Discard
	}
	if out == nil {
		out = io.Discard
	}
	return &Basic{ctx: ctx, logger: logger, out: out}
}

func (m *Basic) Open(total float64) {
	m.mu.Lock()
	m.total, m.current = total, 0
	m.mu.Unlock()
	m.logger.Debug("execution opened", lg.Float64("total", total))
}

func (m *Basic) Progressed(delta float64) {
	m.mu.Lock()
	m.current += delta
	current := m.current
	m.mu.Unlock()
	m.logger.Debug("execution progressed", lg.Float64("delta", delta), lg.Float64("current", current))
}

// Progress returns the accumulated progress.
func (m *Basic) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Cancel requests cancellation; it takes effect at the next safe point.
func (m *Basic) Cancel() { m.cancelled.Store(true) }

func (m *Basic) CheckCancelled() error {
	if m.cancelled.Load() || m.ctx.Err() != nil {
		return failure.ErrCancelled
	}
	return nil
}

func (m *Basic) Output() io.Writer { return m.out }

func (m *Basic) Close() {
	m.logger.Debug("execution closed", lg.Float64("progress", m.Progress()))
}
