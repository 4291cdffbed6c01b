package protocol

import (
	"fmt"
	"log"
	"sync"
)

// Handler processes one decoded message. A returned error is logged and
// does not stop delivery to the remaining handlers for the same type.
type Handler func(Message) error

// Dispatcher routes decoded envelopes to the handlers registered for
// their type. It is safe for concurrent registration and dispatch.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	logf     func(format string, args ...any)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[MessageType][]Handler),
		logf:     log.Printf,
	}
}

func (d *Dispatcher) On(t MessageType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], h)
	d.mu.Unlock()
}

// Dispatch delivers m to every handler for its type. Handler failures are
// isolated: an error (or panic) in one handler is logged and the rest
// still run.
func (d *Dispatcher) Dispatch(m Message) {
	d.mu.RLock()
	hs := d.handlers[m.Type]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := d.call(h, m); err != nil {
			d.logf("message handler for %s failed: %v", m.Type, err)
		}
	}
}

func (d *Dispatcher) call(h Handler, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(m)
}
