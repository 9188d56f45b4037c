package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

// Mux routes datagrams from a shared link driver to the engine that owns
// their pipe. It implements link.Receiver.
type Mux struct {
	mu     sync.RWMutex
	routes map[protocol.PipeID]*Engine
}

// NewMux creates an empty route table.
func NewMux() *Mux {
	return &Mux{routes: make(map[protocol.PipeID]*Engine)}
}

// Register adds e under its pipe.
func (m *Mux) Register(e *Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[e.Pipe()]; ok {
		return fmt.Errorf("engine: pipe %d already registered", e.Pipe())
	}
	m.routes[e.Pipe()] = e
	return nil
}

// Engine returns the engine serving pipe.
func (m *Mux) Engine(pipe protocol.PipeID) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.routes[pipe]
	return e, ok
}

// Deliver routes a datagram to its pipe's engine.
func (m *Mux) Deliver(pipe protocol.PipeID, srcIA uint32, b []byte) {
	e, ok := m.Engine(pipe)
	if !ok {
		util.LogDebug("no engine for pipe %d, dropping datagram from %08x", pipe, srcIA)
		return
	}
	e.Deliver(srcIA, b)
}

// Run runs every registered engine and returns when all have stopped.
func (m *Mux) Run(ctx context.Context) {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.routes))
	for _, e := range m.routes {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Run(ctx); err != nil {
				util.LogError("%s: %v", e, err)
			}
		}()
	}
	wg.Wait()
}
