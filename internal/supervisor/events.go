package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/paveg/portpilot/internal/health"
)

// State is the lifecycle state of a service.
type State string

// Lifecycle states. Ids the supervisor has never seen are Stopped.
const (
	Stopped   State = "stopped"
	Starting  State = "starting"
	Running   State = "running"
	Unhealthy State = "unhealthy"
)

var allStates = []State{Stopped, Starting, Running, Unhealthy}

// Active reports whether the state implies a live process.
func (s State) Active() bool {
	return s == Starting || s == Running || s == Unhealthy
}

// Event reports a state change, or a launch failure when Err is set.
type Event struct {
	ID    string    `json:"id"`
	State State     `json:"state"`
	Err   error     `json:"-"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// effects collects what a locked section decided to do once the lock is
// released: checks to cancel, URLs to open and events to publish.
type effects struct {
	cancel []health.Token
	open   []string
	events []Event
}

// cancelCheck queues c for cancellation. A nil check is ignored.
func (fx *effects) cancelCheck(c *check) {
	if c != nil {
		fx.cancel = append(fx.cancel, c.token)
	}
}

// transition moves e to state and records an event when it changes.
// Callers hold s.mu.
func (s *Supervisor) transition(fx *effects, id string, e *entry, to State) {
	if e.state == to {
		return
	}
	s.logger.Debug("state change", zap.String("service", id), zap.String("from", string(e.state)), zap.String("to", string(to)))
	e.state = to
	s.metrics.setState(id, to)
	fx.events = append(fx.events, Event{ID: id, State: to, At: time.Now()})
}

// fail records a launch failure event. Callers hold s.mu.
func (s *Supervisor) fail(fx *effects, id string, e *entry, err error) {
	e.lastErr = err
	e.state = Stopped
	s.metrics.setState(id, Stopped)
	fx.events = append(fx.events, Event{ID: id, State: Stopped, Err: err, Error: err.Error(), At: time.Now()})
}

// apply performs fx. Callers must not hold s.mu.
func (s *Supervisor) apply(fx *effects) {
	for _, token := range fx.cancel {
		s.prober.Cancel(token)
	}
	for _, u := range fx.open {
		if s.opener == nil {
			s.logger.Debug("no url opener configured", zap.String("url", u))
			continue
		}
		if err := s.opener.Open(u); err != nil {
			s.logger.Warn("failed to open url", zap.String("url", u), zap.Error(err))
		}
	}
	s.publish(fx.events)
}

func (s *Supervisor) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		for _, fn := range s.notify {
			fn(ev)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		for _, ch := range s.subscribers {
			select {
			case ch <- ev:
			default:
				s.logger.Debug("dropping event for slow subscriber", zap.String("service", ev.ID))
			}
		}
	}
}

// Subscribe returns a channel receiving every subsequent event and a function
// that unsubscribes and closes it. Events are dropped for subscribers that
// fall behind.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

type metrics struct {
	starts *prometheus.CounterVec
	stops  prometheus.Counter
	state  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		starts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portpilot",
			Name:      "service_starts_total",
			Help:      "Service start attempts by result.",
		}, []string{"result"}),
		stops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portpilot",
			Name:      "service_stops_total",
			Help:      "Services stopped on request.",
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portpilot",
			Name:      "service_state",
			Help:      "1 for the current state of each tracked service.",
		}, []string{"service", "state"}),
	}
}

func (m *metrics) setState(id string, current State) {
	for _, st := range allStates {
		v := 0.0
		if st == current {
			v = 1
		}
		m.state.WithLabelValues(id, string(st)).Set(v)
	}
}

func (m *metrics) forget(id string) {
	m.state.DeletePartialMatch(prometheus.Labels{"service": id})
}
