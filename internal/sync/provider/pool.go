package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HealthProbe checks whether a connection is reachable. The orchestrator
// wires in an adapter-backed probe; tests supply fakes.
type HealthProbe func(ctx context.Context, conn *Connection) error

// Pool holds the configured provider connections for the engine's lifetime.
// It is constructed at startup, health-checked periodically, and closed at
// shutdown; there is no ambient global connection state.
type Pool struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection

	probe    HealthProbe
	interval time.Duration
	logger   zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPool creates a Pool over the given connections.
func NewPool(conns []*Connection, probe HealthProbe, interval time.Duration, logger zerolog.Logger) *Pool {
	m := make(map[uuid.UUID]*Connection, len(conns))
	for _, c := range conns {
		m[c.ID] = c
	}
	return &Pool{
		conns:    m,
		probe:    probe,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Get returns the connection with the given ID.
func (p *Pool) Get(id uuid.UUID) (*Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, ErrUnknownConnection)
	}
	return conn, nil
}

// List returns all configured connections.
func (p *Pool) List() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// MarkUnhealthy flags a connection after a fatal authentication failure.
func (p *Pool) MarkUnhealthy(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[id]; ok {
		conn.Healthy = false
		now := time.Now().UTC()
		conn.LastHealthCheck = &now
	}
}

// Start launches the periodic health check loop. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		// Probe once at startup so health state is populated promptly.
		p.checkAll(ctx)

		for {
			select {
			case <-ticker.C:
				p.checkAll(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the health check loop and waits for it to exit.
func (p *Pool) Close() {
	close(p.stop)
	<-p.done
}

func (p *Pool) checkAll(ctx context.Context) {
	for _, conn := range p.List() {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.probe(checkCtx, conn)
		cancel()

		p.mu.Lock()
		now := time.Now().UTC()
		conn.LastHealthCheck = &now
		wasHealthy := conn.Healthy
		conn.Healthy = err == nil
		p.mu.Unlock()

		if err != nil && wasHealthy {
			p.logger.Warn().
				Str("connection_id", conn.ID.String()).
				Str("provider", string(conn.Provider)).
				Err(err).
				Msg("provider connection unhealthy")
		}
	}
}
