package api

import (
	"context"
	"sync"

	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/supervisor"
)

// fakeSupervisor records actions and reports states set by the test.
type fakeSupervisor struct {
	mu          sync.Mutex
	states      map[string]supervisor.State
	calls       []string
	startErr    error
	subscribers []chan supervisor.Event
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{states: make(map[string]supervisor.State)}
}

func (f *fakeSupervisor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSupervisor) set(id string, st supervisor.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

func (f *fakeSupervisor) Start(_ context.Context, def service.Definition) error {
	f.record("start " + def.ID)
	if f.startErr != nil {
		return f.startErr
	}
	if err := def.Validate(); err != nil {
		return err //nolint:wrapcheck // mirrors the supervisor
	}
	f.set(def.ID, supervisor.Running)
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, def service.Definition) error {
	f.record("stop " + def.ID)
	f.set(def.ID, supervisor.Stopped)
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, def service.Definition) error {
	f.record("restart " + def.ID)
	f.set(def.ID, supervisor.Running)
	return nil
}

func (f *fakeSupervisor) RefreshExternalState(_ context.Context, def service.Definition, open bool) {
	if open {
		f.record("refresh+open " + def.ID)
		return
	}
	f.record("refresh " + def.ID)
}

func (f *fakeSupervisor) Info(_ context.Context, def service.Definition) supervisor.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[def.ID]
	if !ok {
		st = supervisor.Stopped
	}
	return supervisor.Info{ID: def.ID, Label: def.Label, State: st, Ports: []int{}}
}

func (f *fakeSupervisor) Subscribe() (<-chan supervisor.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan supervisor.Event, 8)
	f.subscribers = append(f.subscribers, ch)
	return ch, func() {}
}

func (f *fakeSupervisor) emit(ev supervisor.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		ch <- ev
	}
	return len(f.subscribers)
}

func (f *fakeSupervisor) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *fakeSupervisor) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type fakeCatalog struct {
	mu        sync.Mutex
	defs      []service.Definition
	reloadErr error
	reloaded  []service.Definition
}

func (c *fakeCatalog) Services() []service.Definition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]service.Definition{}, c.defs...)
}

func (c *fakeCatalog) Service(id string) (service.Definition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.defs {
		if d.ID == id {
			return d, true
		}
	}
	return service.Definition{}, false
}

func (c *fakeCatalog) Reload(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reloadErr != nil {
		return c.reloadErr
	}
	if c.reloaded != nil {
		c.defs = c.reloaded
	}
	return nil
}

type fakeLogs struct {
	lines []string
}

func (l *fakeLogs) Path(id string) string { return "/logs/" + id + ".log" }

func (l *fakeLogs) Tail(_ string, n int) ([]string, error) {
	if n >= len(l.lines) {
		return l.lines, nil
	}
	return l.lines[len(l.lines)-n:], nil
}
