package view

import (
	"sync"

	"duet/internal/models"
)

// Reducer consumes events routed by a Dispatcher.
type Reducer func(ev models.Event)

// Dispatcher fans every event out to all registered reducers in
// registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	reducers []Reducer
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Register(r Reducer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reducers = append(d.reducers, r)
}

func (d *Dispatcher) Dispatch(ev models.Event) {
	d.mu.RLock()
	reducers := d.reducers
	d.mu.RUnlock()

	for _, r := range reducers {
		r(ev)
	}
}
