package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type EventType int

const (
	EventRegister EventType = iota
	EventDeregister
	EventBroadcast
	EventCount
	EventCloseAll
)

func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventDeregister:
		return "deregister"
	case EventBroadcast:
		return "broadcast"
	case EventCount:
		return "count"
	case EventCloseAll:
		return "close_all"
	default:
		return "unknown"
	}
}

type Event struct {
	Type      EventType
	ID        ConnectionID
	Mailbox   *Mailbox
	Text      Message
	ReplyChan chan error // register, deregister and close_all ack
	CountChan chan int
}

var errDuplicateConnection = errors.New("duplicate connection id")

// Registry is the directory of live connections. A single goroutine (Run)
// owns the map; every other goroutine talks to it through events.
type Registry struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger

	stopOnce sync.Once
}

func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	clients := make(map[ConnectionID]*Mailbox)

	for {
		select {
		case ev := <-r.events:
			// Queries are not relay traffic and stay out of the event metrics.
			if ev.Type == EventCount {
				ev.CountChan <- len(clients)
				continue
			}
			start := time.Now()

			switch ev.Type {
			case EventRegister:
				r.handleRegister(clients, ev)
				ConnectedClients.Set(float64(len(clients)))
			case EventDeregister:
				r.handleDeregister(clients, ev)
				ConnectedClients.Set(float64(len(clients)))
			case EventBroadcast:
				r.handleBroadcast(clients, ev)
			case EventCloseAll:
				for _, mb := range clients {
					mb.Close()
				}
				reply(ev, nil)
			}

			eventType := ev.Type.String()
			MessagesTotal.WithLabelValues(eventType).Inc()
			EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

// Register adds id to the directory. Registering an id twice is a programming
// error and panics in the caller.
func (r *Registry) Register(id ConnectionID, mb *Mailbox) error {
	err := r.call(Event{Type: EventRegister, ID: id, Mailbox: mb})
	if errors.Is(err, errDuplicateConnection) {
		panic(fmt.Sprintf("chat: %v: %s", err, id))
	}
	return err
}

// Deregister removes id. Removing an absent id, or calling after Stop, is a no-op.
func (r *Registry) Deregister(id ConnectionID) {
	_ = r.call(Event{Type: EventDeregister, ID: id})
}

// BroadcastExcept queues msg for every registered connection except sender.
// It does not wait for delivery.
func (r *Registry) BroadcastExcept(sender ConnectionID, msg Message) {
	r.submit(Event{Type: EventBroadcast, ID: sender, Text: msg})
}

// CloseAll closes the mailbox of every registered connection, which ends
// their write loops and with them the sessions.
func (r *Registry) CloseAll() {
	_ = r.call(Event{Type: EventCloseAll})
}

// Len reports the number of registered connections, or 0 once stopped.
func (r *Registry) Len() int {
	ev := Event{Type: EventCount, CountChan: make(chan int, 1)}
	if !r.submit(ev) {
		return 0
	}
	select {
	case n := <-ev.CountChan:
		return n
	case <-r.doneCh:
		return 0
	}
}

func (r *Registry) submit(ev Event) bool {
	select {
	case <-r.stopCh:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stopCh:
		return false
	}
}

func (r *Registry) call(ev Event) error {
	ev.ReplyChan = make(chan error, 1)
	if !r.submit(ev) {
		return ErrRegistryStopped
	}
	select {
	case err := <-ev.ReplyChan:
		return err
	case <-r.doneCh:
		return ErrRegistryStopped
	}
}

func reply(ev Event, err error) {
	if ev.ReplyChan != nil {
		ev.ReplyChan <- err
	}
}

func (r *Registry) handleRegister(clients map[ConnectionID]*Mailbox, ev Event) {
	if _, exists := clients[ev.ID]; exists {
		reply(ev, errDuplicateConnection)
		return
	}
	clients[ev.ID] = ev.Mailbox

	r.logger.Debug("connection registered", "conn_id", ev.ID, "clients", len(clients))
	reply(ev, nil)
}

func (r *Registry) handleDeregister(clients map[ConnectionID]*Mailbox, ev Event) {
	defer reply(ev, nil)
	if _, ok := clients[ev.ID]; !ok {
		return
	}
	delete(clients, ev.ID)

	r.logger.Debug("connection deregistered", "conn_id", ev.ID, "clients", len(clients))
}

func (r *Registry) handleBroadcast(clients map[ConnectionID]*Mailbox, ev Event) {
	for id, mb := range clients {
		if id == ev.ID {
			continue
		}
		// A slow or departing recipient only loses this message.
		if err := mb.Send(ev.Text); err != nil {
			DeliveriesDropped.WithLabelValues(err.Error()).Inc()
			r.logger.Debug("delivery dropped", "conn_id", id, "reason", err)
		}
	}
}
